package coalesce

import "fmt"

// JpegPositionState tracks where a scan decoder currently sits: which
// component and MCU it's in, the block position that maps to within that
// component's own grid, and how many blocks remain before the next
// restart marker is due.
type JpegPositionState struct {
	component    int
	mcu          uint32
	scanSlot     int    // index of component within the current scan's component list
	mcuSub       uint32 // offset within the MCU for multi-block components
	blockPos     uint32 // block position within component's own grid
	restartCountdown uint32

	Eobrun     uint16 // remaining run length of zero blocks (progressive AC)
	PrevEobrun uint16 // previous block's Eobrun, to validate run optimality
}

// NewJpegPositionState starts tracking position at the given MCU of the
// scan's first component.
func NewJpegPositionState(jh *JpegHeader, mcu uint32) *JpegPositionState {
	component := jh.ScanComponentOrder[0]
	blocksPerMCU := jh.CmpInfo[component].Sfv * jh.CmpInfo[component].Sfh

	var countdown uint32
	if jh.RestartInterval != 0 {
		countdown = uint32(jh.RestartInterval) - (mcu % uint32(jh.RestartInterval))
	}

	return &JpegPositionState{
		component: component,
		mcu:       mcu,
		blockPos:  mcu * blocksPerMCU,
		restartCountdown: countdown,
	}
}

func (s *JpegPositionState) GetMcu() uint32  { return s.mcu }
func (s *JpegPositionState) GetDpos() uint32 { return s.blockPos }
func (s *JpegPositionState) GetCmp() int     { return s.component }

// GetCumulativeResetMarkers returns how many restart markers have passed
// so far in the scan.
func (s *JpegPositionState) GetCumulativeResetMarkers(jh *JpegHeader) uint32 {
	if s.restartCountdown == 0 {
		return 0
	}
	return s.mcu / uint32(jh.RestartInterval)
}

// ResetRstw reloads the restart countdown after a restart marker; an
// eobrun never carries across a restart boundary.
func (s *JpegPositionState) ResetRstw(jh *JpegHeader) {
	s.restartCountdown = uint32(jh.RestartInterval)
	s.PrevEobrun = 0
}

// advanceNonInterleaved moves to the next block for a non-interleaved
// (single-component) scan, remapping the component's own compact grid
// onto its full MCU-aligned grid where the two differ.
func (s *JpegPositionState) advanceNonInterleaved(jh *JpegHeader) JpegDecodeStatus {
	s.blockPos++

	ci := &jh.CmpInfo[s.component]

	if ci.Bch != ci.Nch && s.blockPos%ci.Bch == ci.Nch {
		s.blockPos += ci.Bch - ci.Nch
	}
	if ci.Bcv != ci.Ncv && s.blockPos/ci.Bch == ci.Ncv {
		s.blockPos = ci.Bc
	}

	if jh.JpegType == JpegTypeSequential {
		s.mcu = s.blockPos / (ci.Sfv * ci.Sfh)
	}

	switch {
	case s.blockPos >= ci.Bc:
		return ScanCompleted
	case jh.RestartInterval > 0:
		s.restartCountdown--
		if s.restartCountdown == 0 {
			return RestartIntervalExpired
		}
	}
	return DecodeInProgress
}

// NextMcuPos advances the position state by one block, handling both the
// interleaved (multi-component) and non-interleaved scan layouts.
func (s *JpegPositionState) NextMcuPos(jh *JpegHeader) JpegDecodeStatus {
	if len(jh.ScanComponentOrder) == 1 {
		return s.advanceNonInterleaved(jh)
	}

	status := DecodeInProgress

	s.mcuSub++
	if s.mcuSub >= jh.CmpInfo[s.component].Mbs {
		s.mcuSub = 0
		s.scanSlot++

		if s.scanSlot >= len(jh.ScanComponentOrder) {
			s.scanSlot = 0
			s.component = jh.ScanComponentOrder[0]
			s.mcu++

			if s.mcu >= jh.Mcuh*jh.Mcuv {
				status = ScanCompleted
			} else if jh.RestartInterval > 0 {
				s.restartCountdown--
				if s.restartCountdown == 0 {
					status = RestartIntervalExpired
				}
			}
		} else {
			s.component = jh.ScanComponentOrder[s.scanSlot]
		}
	}

	ci := &jh.CmpInfo[s.component]
	switch {
	case ci.Sfh > 1:
		// MCU order needs unscrambling when this component's horizontal
		// sampling factor packs more than one of its blocks per MCU.
		mcuRow := s.mcu / jh.Mcuh
		mcuCol := s.mcu - mcuRow*jh.Mcuh
		subRow := s.mcuSub / ci.Sfv
		subCol := s.mcuSub - subRow*ci.Sfv

		blockPos := (mcuRow*ci.Sfh + subRow) * ci.Bch
		blockPos += mcuCol*ci.Sfv + subCol
		s.blockPos = blockPos

	case ci.Sfv > 1:
		s.blockPos = s.mcu*ci.Mbs + s.mcuSub

	default:
		s.blockPos = s.mcu
	}

	return status
}

// SkipEobrun fast-forwards past a pending zero-block run, for
// non-interleaved progressive AC scans only.
func (s *JpegPositionState) SkipEobrun(jh *JpegHeader) (JpegDecodeStatus, error) {
	if len(jh.ScanComponentOrder) != 1 {
		panic("SkipEobrun only works for non-interleaved scans")
	}
	if s.Eobrun == 0 {
		return DecodeInProgress, nil
	}

	if jh.RestartInterval > 0 {
		if uint32(s.Eobrun) > s.restartCountdown {
			return 0, NewCoalesceError(ExitCodeUnsupportedJpeg,
				"skip_eobrun: eob run extends passed end of reset interval")
		}
		s.restartCountdown -= uint32(s.Eobrun)
	}

	ci := &jh.CmpInfo[s.component]

	if ci.Bch != ci.Nch {
		s.blockPos += (((s.blockPos % ci.Bch) + uint32(s.Eobrun)) / ci.Nch) * (ci.Bch - ci.Nch)
	}
	if ci.Bcv != ci.Ncv && s.blockPos/ci.Bch >= ci.Ncv {
		s.blockPos += (ci.Bcv - ci.Ncv) * ci.Bch
	}

	s.blockPos += uint32(s.Eobrun)
	s.Eobrun = 0

	switch {
	case s.blockPos == ci.Bc:
		return ScanCompleted, nil
	case s.blockPos > ci.Bc:
		return 0, NewCoalesceError(ExitCodeUnsupportedJpeg,
			"skip_eobrun: position extended passed block count")
	case jh.RestartInterval > 0 && s.restartCountdown == 0:
		return RestartIntervalExpired, nil
	}
	return DecodeInProgress, nil
}

// CheckOptimalEobrun rejects a bitstream that under-ran a zero-block run
// when it could have extended it further, matching the reference
// encoder's requirement that eobruns always be maximal.
func (s *JpegPositionState) CheckOptimalEobrun(isCurrentBlockEmpty bool, maxEobRun uint16) error {
	if isCurrentBlockEmpty && s.PrevEobrun > 0 && s.PrevEobrun < maxEobRun-1 {
		return NewCoalesceError(ExitCodeUnsupportedJpeg,
			fmt.Sprintf("non optimal eobruns not supported (could have encoded up to %d zero runs, but only did %d followed by %d)",
				maxEobRun, s.PrevEobrun+1, s.Eobrun+1))
	}
	s.PrevEobrun = s.Eobrun
	return nil
}

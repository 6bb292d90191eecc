package coalesce

// blockRowSpec identifies one component's row of blocks within the
// interleaved luma/chroma scan order: which MCU row it belongs to, which
// component, and where that row sits in the component's own grid.
type blockRowSpec struct {
	lumaY                uint32
	component            int
	componentRow         uint32
	mcuRow               uint32
	lastRowToCompleteMcu bool
	skip                 bool
	done                 bool
}

// computeBlockRowSpec maps a flat row-decode index onto a blockRowSpec.
// Components advance at different rates when their sampling factors
// differ, so the encoder and decoder both walk this same mapping to stay
// in lockstep MCU-row by MCU-row rather than component by component.
func computeBlockRowSpec(
	index uint32,
	images []*BlockBasedImage,
	mcuv uint32,
	maxCodedHeights []uint32,
) blockRowSpec {
	numCmp := len(images)

	rowsPerMcuRow := make([]uint32, numCmp)
	var rowsPerMcuRowTotal uint32
	for i, img := range images {
		rowsPerMcuRow[i] = img.GetOriginalHeight() / mcuv
		rowsPerMcuRowTotal += rowsPerMcuRow[i]
	}

	mcuRow := index / rowsPerMcuRowTotal
	spec := blockRowSpec{
		mcuRow:    mcuRow,
		component: numCmp,
		lumaY:     mcuRow * rowsPerMcuRow[0],
	}

	offsetInMcuRow := index - mcuRow*rowsPerMcuRowTotal

	for i := numCmp - 1; i >= 0; i-- {
		if offsetInMcuRow < rowsPerMcuRow[i] {
			spec.component = i
			spec.componentRow = mcuRow*rowsPerMcuRow[i] + offsetInMcuRow
			spec.lastRowToCompleteMcu = i == 0 && offsetInMcuRow+1 == rowsPerMcuRow[i]

			if spec.componentRow >= maxCodedHeights[i] {
				spec.skip = true
				spec.done = true
				for j := 0; j < numCmp-1; j++ {
					if mcuRow*rowsPerMcuRow[j] < maxCodedHeights[j] {
						spec.done = false
					}
				}
			}
			if i == 0 {
				spec.lumaY = spec.componentRow
			}
			return spec
		}
		offsetInMcuRow -= rowsPerMcuRow[i]
		if i == 0 {
			spec.skip = true
			spec.done = true
		}
	}

	return spec
}

// rowScheduler walks blockRowSpecs in order and hands each in-range row to
// a visitor, tracking the per-component neighbor summary cache and
// whether a component has produced its first (top) row yet. The encoder
// and decoder share this walk so their probability-table selection for a
// given row can never drift apart.
type rowScheduler struct {
	images          []*BlockBasedImage
	mcuv            uint32
	maxCodedHeights []uint32
	neighborCache   [][]NeighborSummary
	isTopRow        []bool
	index           uint32
}

func newRowScheduler(images []*BlockBasedImage, mcuv uint32, maxCodedHeights []uint32) *rowScheduler {
	s := &rowScheduler{
		images:          images,
		mcuv:            mcuv,
		maxCodedHeights: maxCodedHeights,
		neighborCache:   make([][]NeighborSummary, len(images)),
		isTopRow:        make([]bool, len(images)),
	}
	for i, img := range images {
		s.neighborCache[i] = make([]NeighborSummary, img.GetBlockWidth()*2)
		s.isTopRow[i] = true
	}
	return s
}

// rowVisitor processes one component's row of blocks.
type rowVisitor func(cmp int, componentRow uint32, cache []NeighborSummary, leftModel, middleModel *ProbabilityTables) error

// run walks every row, letting rangeCheck decide per row whether to
// process it (proceed), skip it and continue, or stop the walk entirely.
// The caller owns range semantics (early-EOF extension for the last
// thread, simple [lo, hi) bounds for the encoder) since those differ
// between encode and decode.
func (s *rowScheduler) run(rangeCheck func(spec blockRowSpec) (proceed, stop bool), visit rowVisitor) error {
	for {
		spec := computeBlockRowSpec(s.index, s.images, s.mcuv, s.maxCodedHeights)
		if spec.done {
			return nil
		}
		if spec.skip {
			s.index++
			continue
		}

		proceed, stop := rangeCheck(spec)
		if stop {
			return nil
		}
		if !proceed {
			s.index++
			continue
		}

		cmp := spec.component
		var leftModel, middleModel *ProbabilityTables
		if s.isTopRow[cmp] {
			s.isTopRow[cmp] = false
			leftModel, middleModel = NoNeighbors, LeftOnly
		} else {
			leftModel, middleModel = TopOnly, AllNeighbors
		}

		if err := visit(cmp, spec.componentRow, s.neighborCache[cmp], leftModel, middleModel); err != nil {
			return err
		}
		s.index++
	}
}

// colorPlaneIndex collapses a component index onto the two color models
// the codec actually distinguishes: luma (0) and chroma (1, shared by Cb
// and Cr).
func colorPlaneIndex(component int) int {
	if component == 0 {
		return 0
	}
	return 1
}

// nonZeroBin7x7 maps a remaining-nonzero-count down to the coarser bin
// the probability tables condition on.
func nonZeroBin7x7(remaining int) int {
	if remaining >= len(NonZeroToBin7x7) {
		return int(NonZeroToBin7x7[len(NonZeroToBin7x7)-1])
	}
	return int(NonZeroToBin7x7[remaining])
}

// adjustDC folds a DC value into or out of prediction space, wrapping
// around the signed range the coefficient is stored in. Set recover to
// true to turn an encoded delta back into an absolute value, or false to
// turn an absolute value into the delta that gets encoded.
func adjustDC(value int16, recover bool, predicted int32) int32 {
	maxValue := int32(1 << (MaxExponent - 1))
	minValue := -maxValue
	wrap := 2*maxValue + 1

	result := int32(value) + predicted
	if !recover {
		result = int32(value) - predicted
	}

	switch {
	case result < minValue:
		result += wrap
	case result > maxValue:
		result -= wrap
	}
	return result
}

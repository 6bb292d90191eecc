package coalesce

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
)

// CoalesceHeader is the parsed container header: the fixed preamble plus
// everything carried in its zlib-compressed section blob (the raw JPEG
// header, per-thread handoff points, and the recovery info needed to
// reproduce the original file byte-for-byte).
type CoalesceHeader struct {
	Version     uint8
	JpegType    JpegType
	ThreadCount uint8

	GitRevision    uint32
	EncoderVersion uint32

	Use16BitDCEstimate bool
	Use16BitAdvPredict bool

	OriginalFileSize uint32

	RawJpegHeader          []byte
	RawJpegHeaderReadIndex int // bytes of RawJpegHeader consumed through SOS

	JpegHeader *JpegHeader

	ThreadHandoffs []ThreadHandoff

	RecoveryInfo *ReconstructionInfo
}

// ReconstructionInfo carries everything needed to reproduce the exact
// original JPEG bytes that a correctly-decoded bitstream alone wouldn't:
// padding, restart-interval bookkeeping, leading/trailing garbage, and
// truncation state from files that were cut off mid-scan.
type ReconstructionInfo struct {
	PadBit *uint8

	RestartCount    int
	RestartCounts   []uint32
	RestartCountsSet bool
	RestartErrors   []int

	GarbageData   []byte
	PrefixGarbage []byte

	EarlyEofEncountered bool
	MaxCmp              uint32
	MaxBpos             uint32
	MaxSah              uint8
	MaxDpos             [4]uint32

	TruncatedEOI bool
}

// NewCoalesceHeader returns a header with the 16-bit-compatibility flags
// defaulted on, matching a fresh encode before any section has been read.
func NewCoalesceHeader() *CoalesceHeader {
	return &CoalesceHeader{
		RecoveryInfo:       &ReconstructionInfo{},
		Use16BitDCEstimate: true,
		Use16BitAdvPredict: true,
	}
}

const fixedHeaderSize = 28

// ReadCoalesceHeader reads the fixed preamble and compressed section blob
// from r and fully parses them into a CoalesceHeader.
func ReadCoalesceHeader(r io.Reader) (*CoalesceHeader, error) {
	preamble := make([]byte, fixedHeaderSize)
	if _, err := io.ReadFull(r, preamble); err != nil {
		return nil, fmt.Errorf("reading fixed header: %w", err)
	}

	header := NewCoalesceHeader()
	if err := header.parsePreamble(preamble); err != nil {
		return nil, err
	}

	blobSize := binary.LittleEndian.Uint32(preamble[24:28])
	blob := make([]byte, blobSize)
	if _, err := io.ReadFull(r, blob); err != nil {
		return nil, fmt.Errorf("reading compressed header: %w", err)
	}

	sections, err := inflateSections(blob)
	if err != nil {
		return nil, err
	}
	if err := header.parseSections(sections); err != nil {
		return nil, err
	}

	// The final thread's luma band has no following handoff to derive its
	// end row from, so it's closed off using the component's own height.
	if len(header.ThreadHandoffs) > 0 && header.JpegHeader != nil {
		lastThread := &header.ThreadHandoffs[len(header.ThreadHandoffs)-1]
		lastThread.LumaYEnd = header.JpegHeader.CmpInfo[0].Bcv
	}

	return header, nil
}

// parsePreamble decodes the 28-byte fixed header: magic, version, JPEG
// type, thread count, one of two encoder-identity encodings, and the
// original/compressed sizes.
func (h *CoalesceHeader) parsePreamble(b []byte) error {
	if b[0] != CoalesceFileHeader[0] || b[1] != CoalesceFileHeader[1] {
		return ErrExitCode(ExitCodeBadCoalesceFile, "invalid Coalesce magic number")
	}

	h.Version = b[2]
	if h.Version != CoalesceVersion {
		return ErrExitCode(ExitCodeVersionUnsupported, fmt.Sprintf("unsupported Coalesce version %d", h.Version))
	}

	switch b[3] {
	case CoalesceHeaderBaselineJpegType[0]:
		h.JpegType = JpegTypeSequential
	case CoalesceHeaderProgressiveJpegType[0]:
		h.JpegType = JpegTypeProgressive
	default:
		return ErrExitCode(ExitCodeBadCoalesceFile, fmt.Sprintf("invalid JPEG type marker: %c", b[3]))
	}

	h.ThreadCount = b[4]

	// Bytes 8-20 carry encoder identity in one of two layouts: the legacy
	// git-revision-only form, or an "MS" form that also packs compatibility
	// flags and an encoder version ahead of the revision.
	if b[8] == 'M' && b[9] == 'S' {
		flags := b[14]
		if flags&0x80 != 0 {
			h.Use16BitDCEstimate = flags&0x01 != 0
			h.Use16BitAdvPredict = flags&0x02 != 0
		}
		h.EncoderVersion = uint32(b[15])
		h.GitRevision = binary.LittleEndian.Uint32(b[16:20])
	} else {
		h.GitRevision = binary.LittleEndian.Uint32(b[8:12])
	}

	h.OriginalFileSize = binary.LittleEndian.Uint32(b[20:24])
	return nil
}

// inflateSections zlib-decompresses the section blob that follows the
// fixed header.
func inflateSections(compressed []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("opening zlib stream: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("inflating header sections: %w", err)
	}
	return raw, nil
}

// sectionReader walks the tag-length-value sections of the decompressed
// header blob, handing each one to the matching parse method below.
type sectionReader struct {
	data []byte
	pos  int
}

func (s *sectionReader) done() bool { return s.pos >= len(s.data) }

func (s *sectionReader) takeTag() ([]byte, bool) {
	if s.pos+3 > len(s.data) {
		return nil, false
	}
	tag := s.data[s.pos : s.pos+3]
	s.pos += 3
	return tag, true
}

// takeBlock reads a 4-byte little-endian length followed by that many
// bytes, the shape shared by the HDR/GRB/PGR sections.
func (s *sectionReader) takeBlock(label string) ([]byte, error) {
	if s.pos+4 > len(s.data) {
		return nil, ErrExitCode(ExitCodeBadCoalesceFile, label+" section too short")
	}
	size := int(binary.LittleEndian.Uint32(s.data[s.pos:]))
	s.pos += 4

	if s.pos+size > len(s.data) {
		return nil, ErrExitCode(ExitCodeBadCoalesceFile, label+" data beyond end")
	}
	block := s.data[s.pos : s.pos+size]
	s.pos += size
	return block, nil
}

// parseSections dispatches each tagged section of the decompressed header
// blob to its handler in turn.
func (h *CoalesceHeader) parseSections(data []byte) error {
	s := &sectionReader{data: data}

	for !s.done() {
		tag, ok := s.takeTag()
		if !ok {
			break
		}

		var err error
		switch {
		case bytes.Equal(tag, CoalesceHeaderMarker[:]):
			err = h.parseJpegHeaderSection(s)
		case tag[0] == CoalesceHeaderLumaSplitMarker[0] && tag[1] == CoalesceHeaderLumaSplitMarker[1]:
			err = h.parseThreadHandoffSection(s, int(tag[2]))
		case bytes.Equal(tag, CoalesceHeaderPadMarker[:]):
			err = h.parsePadBitSection(s)
		case bytes.Equal(tag, CoalesceHeaderGarbageMarker[:]):
			err = h.parseTrailingGarbageSection(s)
		case bytes.Equal(tag, CoalesceHeaderPrefixGarbageMarker[:]):
			err = h.parsePrefixGarbageSection(s)
		case bytes.Equal(tag, CoalesceHeaderJpgRestartsMarker[:]):
			err = h.parseRestartCountsSection(s)
		case bytes.Equal(tag, CoalesceHeaderJpgRestartErrorsMarker[:]):
			err = h.parseRestartErrorsSection(s)
		case bytes.Equal(tag, CoalesceHeaderEarlyEofMarker[:]):
			err = h.parseEarlyEofSection(s)
		default:
			err = ErrExitCode(ExitCodeBadCoalesceFile, fmt.Sprintf("unknown header marker: %v", tag))
		}
		if err != nil {
			return err
		}
	}

	if len(h.RecoveryInfo.GarbageData) == 0 {
		h.RecoveryInfo.GarbageData = EOI[:]
	}
	return nil
}

func (h *CoalesceHeader) parseJpegHeaderSection(s *sectionReader) error {
	raw, err := s.takeBlock("HDR")
	if err != nil {
		return err
	}
	h.RawJpegHeader = raw

	parsed, readIndex, err := ParseJpegHeader(raw)
	if err != nil {
		return err
	}
	h.RawJpegHeaderReadIndex = readIndex
	parsed.JpegType = h.JpegType
	parsed.Use16BitDCEstimate = h.Use16BitDCEstimate
	parsed.Use16BitAdvPredict = h.Use16BitAdvPredict
	h.JpegHeader = parsed
	return nil
}

func (h *CoalesceHeader) parseThreadHandoffSection(s *sectionReader, numThreads int) error {
	handoffs, consumed, err := parseThreadHandoffs(s.data[s.pos:], numThreads)
	if err != nil {
		return err
	}
	s.pos += consumed
	h.ThreadHandoffs = append(h.ThreadHandoffs, handoffs...)
	return nil
}

func (h *CoalesceHeader) parsePadBitSection(s *sectionReader) error {
	if s.pos >= len(s.data) {
		return ErrExitCode(ExitCodeBadCoalesceFile, "P0D section too short")
	}
	pad := s.data[s.pos]
	s.pos++
	h.RecoveryInfo.PadBit = &pad
	return nil
}

func (h *CoalesceHeader) parseTrailingGarbageSection(s *sectionReader) error {
	block, err := s.takeBlock("GRB")
	if err != nil {
		return err
	}
	h.RecoveryInfo.GarbageData = block
	return nil
}

func (h *CoalesceHeader) parsePrefixGarbageSection(s *sectionReader) error {
	block, err := s.takeBlock("PGR")
	if err != nil {
		return err
	}
	h.RecoveryInfo.PrefixGarbage = block
	return nil
}

func (h *CoalesceHeader) parseRestartCountsSection(s *sectionReader) error {
	if s.pos+4 > len(s.data) {
		return ErrExitCode(ExitCodeBadCoalesceFile, "CRS section too short")
	}
	count := binary.LittleEndian.Uint32(s.data[s.pos:])
	s.pos += 4

	h.RecoveryInfo.RestartCount = int(count)
	h.RecoveryInfo.RestartCountsSet = true
	h.RecoveryInfo.RestartCounts = make([]uint32, count)
	for i := uint32(0); i < count; i++ {
		if s.pos+4 > len(s.data) {
			return ErrExitCode(ExitCodeBadCoalesceFile, "CRS data beyond end")
		}
		h.RecoveryInfo.RestartCounts[i] = binary.LittleEndian.Uint32(s.data[s.pos:])
		s.pos += 4
	}
	return nil
}

func (h *CoalesceHeader) parseRestartErrorsSection(s *sectionReader) error {
	if s.pos+4 > len(s.data) {
		return ErrExitCode(ExitCodeBadCoalesceFile, "FRS section too short")
	}
	count := binary.LittleEndian.Uint32(s.data[s.pos:])
	s.pos += 4

	if s.pos+int(count) > len(s.data) {
		return ErrExitCode(ExitCodeBadCoalesceFile, "FRS data beyond end")
	}
	h.RecoveryInfo.RestartErrors = make([]int, count)
	for i := uint32(0); i < count; i++ {
		h.RecoveryInfo.RestartErrors[i] = int(s.data[s.pos])
		s.pos++
	}
	return nil
}

func (h *CoalesceHeader) parseEarlyEofSection(s *sectionReader) error {
	const size = 28 // 7 x uint32
	if s.pos+size > len(s.data) {
		return ErrExitCode(ExitCodeBadCoalesceFile, "EEE section too short")
	}
	read := func() uint32 {
		v := binary.LittleEndian.Uint32(s.data[s.pos:])
		s.pos += 4
		return v
	}
	h.RecoveryInfo.MaxCmp = read()
	h.RecoveryInfo.MaxBpos = read()
	h.RecoveryInfo.MaxSah = uint8(read())
	h.RecoveryInfo.MaxDpos[0] = read()
	h.RecoveryInfo.MaxDpos[1] = read()
	h.RecoveryInfo.MaxDpos[2] = read()
	h.RecoveryInfo.MaxDpos[3] = read()
	h.RecoveryInfo.EarlyEofEncountered = true
	return nil
}

// threadHandoffRecordSize is 2 (luma_y_start) + 4 (segment_size) +
// 1 (overhang byte) + 1 (overhang bit count) + 8 (4 x int16 last_dc).
const threadHandoffRecordSize = 16

// parseThreadHandoffs decodes numThreads fixed-size handoff records from
// the front of data, returning the handoffs and how many bytes were read.
func parseThreadHandoffs(data []byte, numThreads int) ([]ThreadHandoff, int, error) {
	if len(data) < numThreads*threadHandoffRecordSize {
		return nil, 0, ErrExitCode(ExitCodeBadCoalesceFile, "thread handoff data too short")
	}

	handoffs := make([]ThreadHandoff, numThreads)
	pos := 0
	for i := range handoffs {
		handoffs[i].LumaYStart = uint32(binary.LittleEndian.Uint16(data[pos:]))
		pos += 2

		handoffs[i].SegmentSize = binary.LittleEndian.Uint32(data[pos:])
		pos += 4

		handoffs[i].OverhangByte = data[pos]
		pos++
		handoffs[i].NumOverhangBits = data[pos]
		pos++

		for j := 0; j < 4; j++ {
			handoffs[i].LastDC[j] = int16(binary.LittleEndian.Uint16(data[pos:]))
			pos += 2
		}
	}

	// Each handoff's end row is simply the next one's start row; the very
	// last handoff is closed off by the caller once image height is known.
	for i := 1; i < numThreads; i++ {
		handoffs[i-1].LumaYEnd = handoffs[i].LumaYStart
	}

	return handoffs, pos, nil
}

// jpegScanner walks the marker segments of a raw JPEG header, feeding each
// one to the matching field parser until it reaches SOS.
type jpegScanner struct {
	header *JpegHeader
	data   []byte
	pos    int
}

// ParseJpegHeader decodes the marker segments preceding (and including)
// SOS from raw JPEG header bytes. It returns the parsed header and the
// byte offset immediately following the SOS segment.
func ParseJpegHeader(data []byte) (*JpegHeader, int, error) {
	js := &jpegScanner{header: NewJpegHeader(), data: data}
	js.header.RawHeader = data

	for js.pos < len(data) {
		if data[js.pos] != 0xFF {
			js.pos++
			continue
		}
		if js.pos+1 >= len(data) {
			break
		}

		marker := data[js.pos+1]
		js.pos += 2

		switch marker {
		case MarkerSOI:
			// no payload

		case MarkerSOF0, MarkerSOF1:
			js.header.JpegType = JpegTypeSequential
			if err := parseSOF(js.header, data[js.pos:]); err != nil {
				return nil, 0, err
			}
			js.pos += int(binary.BigEndian.Uint16(data[js.pos:]))

		case MarkerSOF2:
			js.header.JpegType = JpegTypeProgressive
			if err := parseSOF(js.header, data[js.pos:]); err != nil {
				return nil, 0, err
			}
			js.pos += int(binary.BigEndian.Uint16(data[js.pos:]))

		case MarkerDQT:
			length := int(binary.BigEndian.Uint16(data[js.pos:]))
			if err := parseDQT(js.header, data[js.pos+2:js.pos+length]); err != nil {
				return nil, 0, err
			}
			js.pos += length

		case MarkerDHT:
			length := int(binary.BigEndian.Uint16(data[js.pos:]))
			if err := parseDHT(js.header, data[js.pos+2:js.pos+length]); err != nil {
				return nil, 0, err
			}
			js.pos += length

		case MarkerDRI:
			js.header.RestartInterval = binary.BigEndian.Uint16(data[js.pos+2:])
			js.pos += int(binary.BigEndian.Uint16(data[js.pos:]))

		case MarkerSOS:
			if err := parseSOS(js.header, data[js.pos:]); err != nil {
				return nil, 0, err
			}
			sosLength := int(binary.BigEndian.Uint16(data[js.pos:]))
			js.pos += sosLength
			return js.header, js.pos, nil

		default:
			if js.pos+2 <= len(data) {
				js.pos += int(binary.BigEndian.Uint16(data[js.pos:]))
			}
		}
	}

	return js.header, js.pos, nil
}

// parseSOF parses a Start Of Frame segment: sample precision (unused),
// dimensions, and per-component sampling/table assignment, then derives
// every block-grid dimension the rest of the codec needs.
func parseSOF(header *JpegHeader, data []byte) error {
	if len(data) < 8 {
		return ErrExitCode(ExitCodeBadCoalesceFile, "SOF too short")
	}

	header.Height = uint32(binary.BigEndian.Uint16(data[3:5]))
	header.Width = uint32(binary.BigEndian.Uint16(data[5:7]))
	header.Cmpc = int(data[7])
	if header.Cmpc > MaxComponents {
		return ErrExitCode(ExitCodeUnsupported4Colors, "too many components")
	}

	pos := 8
	header.MaxSfh = 1
	header.MaxSfv = 1

	for i := 0; i < header.Cmpc; i++ {
		if pos+3 > len(data) {
			return ErrExitCode(ExitCodeBadCoalesceFile, "SOF component data too short")
		}

		ci := &header.CmpInfo[i]
		ci.Jid = data[pos]
		samplingFactor := data[pos+1]
		ci.QTableIndex = data[pos+2]
		ci.Sfh = uint32((samplingFactor >> 4) & 0x0F)
		ci.Sfv = uint32(samplingFactor & 0x0F)

		if ci.Sfh > header.MaxSfh {
			header.MaxSfh = ci.Sfh
		}
		if ci.Sfv > header.MaxSfv {
			header.MaxSfv = ci.Sfv
		}
		pos += 3
	}

	header.McuWidth = header.MaxSfh * 8
	header.McuHeight = header.MaxSfv * 8
	header.Mcuh = (header.Width + header.McuWidth - 1) / header.McuWidth
	header.Mcuv = (header.Height + header.McuHeight - 1) / header.McuHeight

	for i := 0; i < header.Cmpc; i++ {
		ci := &header.CmpInfo[i]
		ci.Mbs = ci.Sfh * ci.Sfv

		ci.Bch = header.Mcuh * ci.Sfh
		ci.Bcv = header.Mcuv * ci.Sfv
		ci.Bc = ci.Bch * ci.Bcv

		ci.Nch = (header.Width*ci.Sfh + header.MaxSfh*8 - 1) / (header.MaxSfh * 8)
		ci.Ncv = (header.Height*ci.Sfv + header.MaxSfv*8 - 1) / (header.MaxSfv * 8)
		ci.Nc = ci.Nch * ci.Ncv

		if i == 0 || (ci.Sfh == header.CmpInfo[0].Sfh && ci.Sfv == header.CmpInfo[0].Sfv) {
			ci.Sid = 0
		} else {
			ci.Sid = 1
		}
	}

	return nil
}

// parseDQT parses one or more quantization tables from a Define
// Quantization Table segment.
func parseDQT(header *JpegHeader, data []byte) error {
	pos := 0
	for pos < len(data) {
		info := data[pos]
		pos++

		tableIdx := int(info & 0x0F)
		precision := (info >> 4) & 0x0F
		if tableIdx >= 4 {
			return ErrExitCode(ExitCodeBadCoalesceFile, "invalid quantization table index")
		}

		if precision == 0 {
			if pos+64 > len(data) {
				return ErrExitCode(ExitCodeBadCoalesceFile, "DQT too short")
			}
			for i := 0; i < 64; i++ {
				value := data[pos+i]
				header.QTables[tableIdx][i] = uint16(value)
				if value == 0 {
					break
				}
			}
			pos += 64
		} else {
			if pos+128 > len(data) {
				return ErrExitCode(ExitCodeBadCoalesceFile, "DQT too short")
			}
			for i := 0; i < 64; i++ {
				value := binary.BigEndian.Uint16(data[pos+i*2:])
				header.QTables[tableIdx][i] = value
				if value == 0 {
					break
				}
			}
			pos += 128
		}
	}
	return nil
}

// parseDHT parses one or more Huffman tables from a Define Huffman Table
// segment and builds each one's derived decode tables.
func parseDHT(header *JpegHeader, data []byte) error {
	pos := 0
	for pos < len(data) {
		info := data[pos]
		pos++

		tableIdx := int(info & 0x0F)
		tableClass := (info >> 4) & 0x0F // 0 = DC, 1 = AC
		if tableIdx >= 4 {
			return ErrExitCode(ExitCodeBadCoalesceFile, "invalid Huffman table index")
		}

		table := NewHuffmanTable()
		if pos+16 > len(data) {
			return ErrExitCode(ExitCodeBadCoalesceFile, "DHT too short")
		}
		totalSymbols := 0
		for i := 1; i <= 16; i++ {
			table.NumCodes[i] = data[pos+i-1]
			totalSymbols += int(table.NumCodes[i])
		}
		pos += 16

		if pos+totalSymbols > len(data) {
			return ErrExitCode(ExitCodeBadCoalesceFile, "DHT symbols too short")
		}
		for i := 0; i < totalSymbols; i++ {
			table.Symbols[i] = data[pos+i]
		}
		table.SymbolCount = totalSymbols
		pos += totalSymbols

		table.BuildDerivedTable()
		if tableClass == 0 {
			header.HuffDC[tableIdx] = table
		} else {
			header.HuffAC[tableIdx] = table
		}
	}
	return nil
}

// parseSOS parses a Start Of Scan segment, mapping each scanned component
// to its assigned DC/AC Huffman tables and recording the scan order plus
// progressive spectral-selection parameters.
func parseSOS(header *JpegHeader, data []byte) error {
	if len(data) < 3 {
		return ErrExitCode(ExitCodeBadCoalesceFile, "SOS too short")
	}

	numComponents := int(data[2])
	expectedLen := 3 + numComponents*2 + 3
	if len(data) < expectedLen {
		return ErrExitCode(ExitCodeBadCoalesceFile, "SOS component data too short")
	}

	pos := 3
	header.ScanComponentOrder = make([]int, numComponents)
	for i := 0; i < numComponents; i++ {
		compID := data[pos]
		huffTable := data[pos+1]
		pos += 2

		dcTable := (huffTable >> 4) & 0x0F
		acTable := huffTable & 0x0F

		for j := 0; j < header.Cmpc; j++ {
			if header.CmpInfo[j].Jid == compID {
				header.CmpInfo[j].HuffDC = dcTable
				header.CmpInfo[j].HuffAC = acTable
				header.ScanComponentOrder[i] = j
				break
			}
		}
	}

	header.CsFrom = data[pos]         // spectral selection start (Ss)
	header.CsTo = data[pos+1]         // spectral selection end (Se)
	header.CsSah = data[pos+2] >> 4   // successive approximation high (Ah)
	header.CsSal = data[pos+2] & 0x0F // successive approximation low (Al)
	return nil
}

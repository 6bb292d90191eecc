package coalesce

// JPEG marker codes referenced while scanning a raw header.
const (
	MarkerSOI  = 0xD8 // Start Of Image
	MarkerEOI  = 0xD9 // End Of Image
	MarkerSOS  = 0xDA // Start Of Scan
	MarkerDQT  = 0xDB // Define Quantization Table
	MarkerDHT  = 0xC4 // Define Huffman Table
	MarkerDRI  = 0xDD // Define Restart Interval
	MarkerAPP0 = 0xE0 // Application Segment 0
	MarkerAPP1 = 0xE1 // Application Segment 1
	MarkerSOF0 = 0xC0 // Baseline DCT
	MarkerSOF1 = 0xC1 // Extended Sequential DCT
	MarkerSOF2 = 0xC2 // Progressive DCT
	MarkerRST0 = 0xD0 // Restart marker 0
	MarkerRST7 = 0xD7 // Restart marker 7
	MarkerCOM  = 0xFE // Comment
)

// JpegHeader is everything parsed out of a JPEG's marker segments up to
// and including SOS: geometry, tables, and the successive-approximation
// parameters a progressive scan needs (baseline scans carry the
// equivalent Ss=0, Se=63, Ah=0, Al=0 defaults).
type JpegHeader struct {
	JpegType JpegType
	CmpInfo  [MaxComponents]ComponentInfo
	Cmpc     int

	QTables [4][64]uint16
	HuffDC  [4]*HuffmanTable
	HuffAC  [4]*HuffmanTable

	Height, Width         uint32
	Mcuh, Mcuv            uint32 // MCU grid dimensions
	McuWidth, McuHeight   uint32 // MCU pixel dimensions
	MaxSfh, MaxSfv        uint32 // largest sampling factor across components
	RestartInterval       uint16

	PadBit             *uint8
	RawHeader          []byte
	ScanComponentOrder []int // component index (into CmpInfo) per scan position

	CsFrom, CsTo   uint8 // spectral selection start/end (Ss/Se), inclusive
	CsSah, CsSal   uint8 // successive approximation bit high/low (Ah/Al)

	Use16BitDCEstimate bool
	Use16BitAdvPredict bool
}

// NewJpegHeader returns a JpegHeader with every component slot initialized
// and the 16-bit compatibility flags defaulted on.
func NewJpegHeader() *JpegHeader {
	h := &JpegHeader{
		JpegType:           JpegTypeUnknown,
		Use16BitDCEstimate: true,
		Use16BitAdvPredict: true,
	}
	for i := range h.CmpInfo {
		h.CmpInfo[i] = NewComponentInfo()
	}
	return h
}

func (h *JpegHeader) GetMcuh() uint32 { return h.Mcuh }
func (h *JpegHeader) GetMcuv() uint32 { return h.Mcuv }

func (h *JpegHeader) ComponentCountBlocksPerMcu(cmp int) uint32 { return h.CmpInfo[cmp].Mbs }
func (h *JpegHeader) GetBlockWidth(cmp int) uint32              { return h.CmpInfo[cmp].Bch }
func (h *JpegHeader) GetBlockHeight(cmp int) uint32             { return h.CmpInfo[cmp].Bcv }

// HuffmanTable is a JPEG Huffman code table plus the lookup structures
// BuildDerivedTable computes from it for decoding.
type HuffmanTable struct {
	NumCodes [17]uint8  // count of codes of each bit length, 1-16
	Symbols  [256]uint8 // symbols, ordered by code length then code value
	SymbolCount int

	FastLookup [256]int16 // direct lookup for codes of 8 bits or fewer
	MinCode    [17]int32
	MaxCode    [18]int32
	ValPtr     [17]int32
}

// NewHuffmanTable returns an empty table, ready for NumCodes/Symbols to be
// filled in from a DHT segment before BuildDerivedTable runs.
func NewHuffmanTable() *HuffmanTable {
	return &HuffmanTable{}
}

const fastLookupBits = 8

// BuildDerivedTable computes SymbolCount, the short-code FastLookup table,
// and the canonical MinCode/MaxCode/ValPtr tables used to decode codes
// longer than fastLookupBits.
func (h *HuffmanTable) BuildDerivedTable() {
	h.SymbolCount = 0
	for length := 1; length <= 16; length++ {
		h.SymbolCount += int(h.NumCodes[length])
	}

	h.buildFastLookup()
	h.buildCanonicalRanges()
}

// buildFastLookup fills every entry whose top fastLookupBits bits match a
// short code with that code's symbol and length; codes exceeding
// fastLookupBits are left at -1 for buildCanonicalRanges' tables to handle.
func (h *HuffmanTable) buildFastLookup() {
	for i := range h.FastLookup {
		h.FastLookup[i] = -1
	}

	code, symbolIdx := 0, 0
	for length := 1; length <= fastLookupBits; length++ {
		for i := 0; i < int(h.NumCodes[length]); i++ {
			shift := fastLookupBits - length
			base := code << shift
			for j := 0; j < 1<<shift; j++ {
				h.FastLookup[base+j] = int16(h.Symbols[symbolIdx]) | int16(length<<8)
			}
			code++
			symbolIdx++
		}
		code <<= 1
	}
}

// buildCanonicalRanges computes the per-length [MinCode, MaxCode] ranges
// and ValPtr offsets a canonical Huffman decoder walks bit by bit once a
// code exceeds fastLookupBits.
func (h *HuffmanTable) buildCanonicalRanges() {
	code, symbolIdx := 0, 0
	for length := 1; length <= 16; length++ {
		h.MinCode[length] = int32(code)
		h.ValPtr[length] = int32(symbolIdx) - int32(code)

		if h.NumCodes[length] > 0 {
			h.MaxCode[length] = int32(code) + int32(h.NumCodes[length]) - 1
			symbolIdx += int(h.NumCodes[length])
		} else {
			h.MaxCode[length] = -1
		}

		code = (code + int(h.NumCodes[length])) << 1
	}
	h.MaxCode[17] = 0x7FFFFFFF
}

// ThreadHandoff is the per-thread partition info stored in the HH header
// section: where in the luma grid a thread's band starts and ends, where
// its encoded bits start byte-wise, and the DC state it must resume from.
type ThreadHandoff struct {
	LumaYStart, LumaYEnd uint32
	SegmentSize          uint32
	OverhangByte         uint8
	NumOverhangBits      uint8
	LastDC               [MaxComponents]int16
}

// NewThreadHandoff returns a zero-valued ThreadHandoff.
func NewThreadHandoff() ThreadHandoff {
	return ThreadHandoff{}
}

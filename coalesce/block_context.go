package coalesce

// RasterCursor walks a single row of blocks left to right, tracking both
// the block's index in the full image and its index into the two-row
// neighbor-summary cache (which ping-pongs between "this row" and "the row
// above" as decoding proceeds top to bottom).
type RasterCursor struct {
	rowStride  uint32
	blockIdx   uint32
	thisRowIdx uint32
	aboveIdx   uint32
}

// Neighbors bundles the up-to-three reconstructed blocks and two neighbor
// summaries a block's prediction can draw on. Any side lacking a real
// neighbor (top row, left column) points at a shared zero-valued stand-in.
type Neighbors struct {
	Above     *AlignedBlock
	Left      *AlignedBlock
	AboveLeft *AlignedBlock

	AboveSummary *NeighborSummary
	LeftSummary  *NeighborSummary
}

var (
	zeroBlock   = AlignedBlock{}
	zeroSummary = NeighborSummary{}
)

// NewBlockContextForRow positions a cursor at the start of image row y,
// selecting which half of the two-row summary cache is "current" vs.
// "above" based on the row's parity.
func NewBlockContextForRow(y uint32, image *BlockBasedImage) *RasterCursor {
	stride := image.GetBlockWidth()

	thisRowIdx, aboveIdx := uint32(0), stride
	if y&1 != 0 {
		thisRowIdx, aboveIdx = stride, 0
	}

	return &RasterCursor{
		rowStride:  stride,
		blockIdx:   stride * y,
		thisRowIdx: thisRowIdx,
		aboveIdx:   aboveIdx,
	}
}

// Next moves the cursor one block to the right and returns its new index.
func (c *RasterCursor) Next() uint32 {
	c.blockIdx++
	c.thisRowIdx++
	c.aboveIdx++
	return c.blockIdx
}

// GetNeighborData resolves the blocks and summaries available to the
// cursor's current position, consulting pt to know which sides actually
// exist for this block (edge/corner blocks have fewer than three).
func (c *RasterCursor) GetNeighborData(image *BlockBasedImage, cache []NeighborSummary, pt *ProbabilityTables) *Neighbors {
	n := &Neighbors{
		Above:        &zeroBlock,
		Left:         &zeroBlock,
		AboveLeft:    &zeroBlock,
		AboveSummary: &zeroSummary,
		LeftSummary:  &zeroSummary,
	}

	haveAbove := pt.IsAllPresent() || pt.IsAbovePresent()
	haveLeft := pt.IsAllPresent() || pt.IsLeftPresent()

	if haveAbove {
		n.Above = image.GetBlock(c.blockIdx - c.rowStride)
		n.AboveSummary = &cache[c.aboveIdx]
	}
	if haveLeft {
		n.Left = image.GetBlock(c.blockIdx - 1)
		n.LeftSummary = &cache[c.thisRowIdx-1]
	}
	if pt.IsAllPresent() {
		n.AboveLeft = image.GetBlock(c.blockIdx - c.rowStride - 1)
	}

	return n
}

// SetNeighborSummaryHere records the summary this cursor's block just
// produced, for its right and bottom neighbors to read later.
func (c *RasterCursor) SetNeighborSummaryHere(cache []NeighborSummary, ns NeighborSummary) {
	cache[c.thisRowIdx] = ns
}

// GetHereIndex returns the cursor's current image-wide block index.
func (c *RasterCursor) GetHereIndex() uint32 {
	return c.blockIdx
}

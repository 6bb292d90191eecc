package coalesce

// NeighborSummary is what a decoded block leaves behind for its
// not-yet-decoded right and bottom neighbors to condition their own
// predictions on: the reconstructed pixel values along its shared edges,
// the predictor's own edge-coefficient estimate, and how busy its 7x7
// interior was.
type NeighborSummary struct {
	edgePixelsBottom [8]int16
	edgePixelsRight  [8]int16
	edgeCoefsBottom  [8]int32
	edgeCoefsRight   [8]int32
	nonZeroCount7x7  uint8
}

// NewNeighborSummaryFromDecode builds a summary for a just-decoded block.
// edgePixelsH/edgePixelsV are the AC-only reconstructed edge pixels (DC not
// yet folded in); dcDeq is the block's dequantized DC value, added in here
// so downstream readers see the fully reconstructed edge.
func NewNeighborSummaryFromDecode(
	edgePixelsH, edgePixelsV [8]int16,
	dcDeq int32,
	numNonZeros7x7 uint8,
	horizPred, vertPred [8]int32,
) NeighborSummary {
	dc := int16(dcDeq)
	var ns NeighborSummary
	ns.edgeCoefsBottom = horizPred
	ns.edgeCoefsRight = vertPred
	ns.nonZeroCount7x7 = numNonZeros7x7
	for i := 0; i < 8; i++ {
		ns.edgePixelsBottom[i] = edgePixelsH[i] + dc
		ns.edgePixelsRight[i] = edgePixelsV[i] + dc
	}
	return ns
}

func (ns *NeighborSummary) GetNumNonZeros() uint8      { return ns.nonZeroCount7x7 }
func (ns *NeighborSummary) GetVerticalPix() [8]int16   { return ns.edgePixelsRight }
func (ns *NeighborSummary) GetHorizontalPix() [8]int16 { return ns.edgePixelsBottom }
func (ns *NeighborSummary) GetVerticalCoef() [8]int32  { return ns.edgeCoefsRight }
func (ns *NeighborSummary) GetHorizontalCoef() [8]int32 { return ns.edgeCoefsBottom }

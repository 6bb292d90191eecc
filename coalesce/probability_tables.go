package coalesce

// ProbabilityTables records which neighboring blocks of the current one
// have already been decoded, which determines which of several context
// formulas the predictor below uses. A block only has neighbors missing
// along the image's top row and left column.
type ProbabilityTables struct {
	leftPresent  bool
	abovePresent bool
}

// The four reachable neighbor configurations, shared by every block that
// falls into each case rather than allocated per block.
var (
	NoNeighbors  = &ProbabilityTables{leftPresent: false, abovePresent: false}
	TopOnly      = &ProbabilityTables{leftPresent: false, abovePresent: true}
	LeftOnly     = &ProbabilityTables{leftPresent: true, abovePresent: false}
	AllNeighbors = &ProbabilityTables{leftPresent: true, abovePresent: true}
)

func (pt *ProbabilityTables) IsAllPresent() bool   { return pt.leftPresent && pt.abovePresent }
func (pt *ProbabilityTables) IsLeftPresent() bool  { return pt.leftPresent }
func (pt *ProbabilityTables) IsAbovePresent() bool { return pt.abovePresent }

// CalcNumNonZeros7x7ContextBin buckets the non-zero coefficient counts of
// whichever neighbors exist into one of the bins in NonZeroToBin.
func (pt *ProbabilityTables) CalcNumNonZeros7x7ContextBin(neighbors *Neighbors) uint8 {
	var above, left uint8
	if pt.abovePresent {
		above = neighbors.AboveSummary.GetNumNonZeros()
	}
	if pt.leftPresent {
		left = neighbors.LeftSummary.GetNumNonZeros()
	}

	var bin int
	switch {
	case pt.leftPresent && pt.abovePresent:
		bin = (int(above) + int(left) + 2) / 4
	case pt.abovePresent:
		bin = (int(above) + 1) / 2
	case pt.leftPresent:
		bin = (int(left) + 1) / 2
	}

	if bin >= len(NonZeroToBin) {
		bin = len(NonZeroToBin) - 1
	}
	return NonZeroToBin[bin]
}

// CalcCoefficientContext7x7AavgBlock estimates each 7x7 coefficient from
// whichever of the left/above/above-left neighbor blocks are available,
// weighting all three when all three exist. Indices run in transposed
// (column-major) order to match how AlignedBlock stores coefficients.
func (pt *ProbabilityTables) CalcCoefficientContext7x7AavgBlock(neighbors *Neighbors) [64]uint16 {
	var prior [64]uint16

	visit7x7 := func(f func(idx int)) {
		for col := 1; col < 8; col++ {
			for row := 0; row < 8; row++ {
				f(col*8 + row)
			}
		}
	}

	switch {
	case pt.leftPresent && pt.abovePresent:
		visit7x7(func(idx int) {
			left := uint32(abs16(neighbors.Left.RawData[idx]))
			above := uint32(abs16(neighbors.Above.RawData[idx]))
			aboveLeft := uint32(abs16(neighbors.AboveLeft.RawData[idx]))
			prior[idx] = uint16(((left+above)*13 + aboveLeft*6) >> 5)
		})
	case pt.leftPresent:
		visit7x7(func(idx int) { prior[idx] = abs16(neighbors.Left.RawData[idx]) })
	case pt.abovePresent:
		visit7x7(func(idx int) { prior[idx] = abs16(neighbors.Above.RawData[idx]) })
	}

	return prior
}

// PredictCurrentEdges starts from the neighborhood's running edge predictor
// and removes this block's own contribution, leaving the predictor that
// should seed the block below/to the right.
func (pt *ProbabilityTables) PredictCurrentEdges(neighbors *Neighbors, raster *[8][8]int32) ([8]int32, [8]int32) {
	horizPred := neighbors.AboveSummary.GetHorizontalCoef()
	vertPred := neighbors.LeftSummary.GetVerticalCoef()

	for col := 1; col < 8; col++ {
		icos := IcosBased8192Scaled[col]

		var horizSum int32
		for row := 0; row < 8; row++ {
			vertPred[row] -= raster[col][row] * icos
			horizSum += raster[col][row] * IcosBased8192Scaled[row]
		}
		horizPred[col] -= horizSum
	}

	return horizPred, vertPred
}

// PredictNextEdges computes, from this block's own coefficients alone, the
// edge predictor contribution it hands forward to its right/bottom
// neighbor (alternating-sign variant of PredictCurrentEdges's weights).
func (pt *ProbabilityTables) PredictNextEdges(raster *[8][8]int32) ([8]int32, [8]int32) {
	var horizPred, vertPred [8]int32

	for row := 0; row < 8; row++ {
		vertPred[row] = IcosBased8192ScaledPM[0] * raster[0][row]
	}

	for col := 1; col < 8; col++ {
		sign := IcosBased8192ScaledPM[col]

		var horizSum int32
		for row := 0; row < 8; row++ {
			horizSum += IcosBased8192ScaledPM[row] * raster[col][row]
			vertPred[row] += sign * raster[col][row]
		}
		horizPred[col] = horizSum
	}

	return horizPred, vertPred
}

// CalcCoefficientContext8Lak divides a neighbor's edge-coefficient
// predictor by the quantization step scaled up for precision, giving the
// "LAK" (linear-prediction) context value used to pick the coding branch
// for one edge coefficient.
func (pt *ProbabilityTables) CalcCoefficientContext8Lak(qt *QuantizationTables, coefficientTR int, pred []int32, horizontal bool) (int32, error) {
	present := pt.IsAllPresent() || (horizontal && pt.abovePresent) || (!horizontal && pt.leftPresent)
	if !present {
		return 0, nil
	}

	idx := coefficientTR
	if horizontal {
		idx = coefficientTR >> 3
	}

	divisor := int32(qt.GetQTransposed(coefficientTR)) << 13
	if divisor == 0 {
		return 0, NewCoalesceError(ExitCodeUnsupportedJpegWithZeroIdct0, "division by zero in coefficient context calculation")
	}
	return pred[idx] / divisor, nil
}

// PredictDCResult carries the outcome of AdvPredictDCPix: the predicted DC
// value, two uncertainty measures the coder uses to pick its DC context
// bin, and the edge pixels to hand the next block.
type PredictDCResult struct {
	PredictedDC     int32
	Uncertainty     int16
	Uncertainty2    int16
	NextEdgePixelsH [8]int16
	NextEdgePixelsV [8]int16
}

// AdvPredictDCPix estimates a block's DC coefficient from the spatial-domain
// pixels its AC coefficients alone would produce (via IDCT with DC forced
// to zero), compared against the reconstructed edge of its neighbors.
func (pt *ProbabilityTables) AdvPredictDCPix(
	raster *[8][8]int32,
	qt *QuantizationTables,
	neighbors *Neighbors,
	use16bitAdvPredict bool,
	use16bitDCEstimate bool,
) PredictDCResult {
	pixelsSansDC := runIDCTForPrediction(raster)

	vPred := calcPred(pixelsSansDC[0][:], pixelsSansDC[1][:], use16bitAdvPredict)
	hPred := calcPredColumn(pixelsSansDC, 0, 1, use16bitAdvPredict)
	nextEdgePixelsV := calcPred(pixelsSansDC[7][:], pixelsSansDC[6][:], use16bitDCEstimate)
	nextEdgePixelsH := calcPredColumn(pixelsSansDC, 7, 6, use16bitDCEstimate)

	zeroResult := PredictDCResult{NextEdgePixelsH: nextEdgePixelsH, NextEdgePixelsV: nextEdgePixelsV}
	if !pt.leftPresent && !pt.abovePresent {
		return zeroResult
	}

	var horizDiff, vertDiff [8]int16
	haveHoriz, haveVert := pt.leftPresent, pt.abovePresent
	if haveHoriz {
		left := neighbors.LeftSummary.GetHorizontalPix()
		for i := range horizDiff {
			horizDiff[i] = left[i] - hPred[i]
		}
	}
	if haveVert {
		above := neighbors.AboveSummary.GetVerticalPix()
		for i := range vertDiff {
			vertDiff[i] = above[i] - vPred[i]
		}
	}

	var minDC, maxDC int16
	var avgHorizontal, avgVertical int32
	switch {
	case haveHoriz && haveVert:
		minDC = minSlice(horizDiff[:])
		if m := minSlice(vertDiff[:]); m < minDC {
			minDC = m
		}
		maxDC = maxSlice(horizDiff[:])
		if m := maxSlice(vertDiff[:]); m > maxDC {
			maxDC = m
		}
		avgHorizontal = sumSlice(horizDiff[:])
		avgVertical = sumSlice(vertDiff[:])
	case haveHoriz:
		minDC, maxDC = minSlice(horizDiff[:]), maxSlice(horizDiff[:])
		avgHorizontal = sumSlice(horizDiff[:])
		avgVertical = avgHorizontal
	case haveVert:
		minDC, maxDC = minSlice(vertDiff[:]), maxSlice(vertDiff[:])
		avgVertical = sumSlice(vertDiff[:])
		avgHorizontal = avgVertical
	}

	avgmed := (avgVertical + avgHorizontal) >> 1
	uncertainty := int16((int32(maxDC) - int32(minDC)) >> 3)
	avgHorizontal -= avgmed
	avgVertical -= avgmed

	farAfield := avgVertical
	if abs32(avgHorizontal) < abs32(avgVertical) {
		farAfield = avgHorizontal
	}
	uncertainty2 := int16(farAfield >> 3)

	var predictedDC int32
	if qt.GetQ(0) != 0 {
		// avgmed can be negative (it's a diff against a prediction).
		// DivideByQ takes its reciprocal-multiplication fast path only for
		// a non-negative avgmed on a normal table; a negative avgmed goes
		// through plain truncating division.
		predictedDC = (qt.DivideByQ(avgmed, 0) + 4) >> 3
	}

	return PredictDCResult{
		PredictedDC:     predictedDC,
		Uncertainty:     uncertainty,
		Uncertainty2:    uncertainty2,
		NextEdgePixelsH: nextEdgePixelsH,
		NextEdgePixelsV: nextEdgePixelsV,
	}
}

// runIDCTForPrediction runs the inverse DCT over a transposed coefficient
// raster to recover the spatial-domain pixels used for DC prediction.
func runIDCTForPrediction(raster *[8][8]int32) [8][8]int16 {
	var pixels [8][8]int16
	runIDCTInternal(raster, &pixels)
	return pixels
}

// AAN-style separable IDCT constants (scaled fixed-point cosine terms).
const (
	idctW1 = 2841 // 2048*sqrt(2)*cos(1*pi/16)
	idctW2 = 2676 // 2048*sqrt(2)*cos(2*pi/16)
	idctW3 = 2408 // 2048*sqrt(2)*cos(3*pi/16)
	idctW5 = 1609 // 2048*sqrt(2)*cos(5*pi/16)
	idctW6 = 1108 // 2048*sqrt(2)*cos(6*pi/16)
	idctW7 = 565  // 2048*sqrt(2)*cos(7*pi/16)
	idctR2 = 181  // 256/sqrt(2)
)

// runIDCTInternal performs a two-pass (rows then columns) 8x8 inverse DCT.
func runIDCTInternal(input *[8][8]int32, output *[8][8]int16) {
	const (
		w1pw7 = idctW1 + idctW7
		w1mw7 = idctW1 - idctW7
		w2pw6 = idctW2 + idctW6
		w2mw6 = idctW2 - idctW6
		w3pw5 = idctW3 + idctW5
		w3mw5 = idctW3 - idctW5
	)

	var intermed [8][8]int32

	for y := 0; y < 8; y++ {
		x0 := (input[0][y] << 11) + 128
		x1 := input[4][y] << 11
		x2 := input[6][y]
		x3 := input[2][y]
		x4 := input[1][y]
		x5 := input[7][y]
		x6 := input[5][y]
		x7 := input[3][y]

		x8 := idctW7 * (x4 + x5)
		x4 = x8 + w1mw7*x4
		x5 = x8 - w1pw7*x5
		x8 = idctW3 * (x6 + x7)
		x6 = x8 - w3mw5*x6
		x7 = x8 - w3pw5*x7

		x8 = x0 + x1
		x0 -= x1
		x1 = idctW6 * (x3 + x2)
		x2 = x1 - w2pw6*x2
		x3 = x1 + w2mw6*x3
		x1 = x4 + x6
		x4 -= x6
		x6 = x5 + x7
		x5 -= x7

		x7 = x8 + x3
		x8 -= x3
		x3 = x0 + x2
		x0 -= x2
		x2 = (idctR2*(x4+x5) + 128) >> 8
		x4 = (idctR2*(x4-x5) + 128) >> 8

		intermed[y][0] = (x7 + x1) >> 8
		intermed[y][1] = (x3 + x2) >> 8
		intermed[y][2] = (x0 + x4) >> 8
		intermed[y][3] = (x8 + x6) >> 8
		intermed[y][4] = (x8 - x6) >> 8
		intermed[y][5] = (x0 - x4) >> 8
		intermed[y][6] = (x3 - x2) >> 8
		intermed[y][7] = (x7 - x1) >> 8
	}

	for x := 0; x < 8; x++ {
		y0 := (intermed[0][x] << 8) + 8192
		y1 := intermed[4][x] << 8
		y2 := intermed[6][x]
		y3 := intermed[2][x]
		y4 := intermed[1][x]
		y5 := intermed[7][x]
		y6 := intermed[5][x]
		y7 := intermed[3][x]

		y8 := idctW7*(y4+y5) + 4
		y4 = (y8 + w1mw7*y4) >> 3
		y5 = (y8 - w1pw7*y5) >> 3
		y8 = idctW3*(y6+y7) + 4
		y6 = (y8 - w3mw5*y6) >> 3
		y7 = (y8 - w3pw5*y7) >> 3

		y8 = y0 + y1
		y0 -= y1
		y1 = idctW6*(y3+y2) + 4
		y2 = (y1 - w2pw6*y2) >> 3
		y3 = (y1 + w2mw6*y3) >> 3
		y1 = y4 + y6
		y4 -= y6
		y6 = y5 + y7
		y5 -= y7

		y7 = y8 + y3
		y8 -= y3
		y3 = y0 + y2
		y0 -= y2
		y2 = (idctR2*(y4+y5) + 128) >> 8
		y4 = (idctR2*(y4-y5) + 128) >> 8

		output[0][x] = int16((y7 + y1) >> 11)
		output[1][x] = int16((y3 + y2) >> 11)
		output[2][x] = int16((y0 + y4) >> 11)
		output[3][x] = int16((y8 + y6) >> 11)
		output[4][x] = int16((y8 - y6) >> 11)
		output[5][x] = int16((y0 - y4) >> 11)
		output[6][x] = int16((y3 - y2) >> 11)
		output[7][x] = int16((y7 - y1) >> 11)
	}
}

// calcPred extrapolates from row a away from row b: each output is
// a + (a-b)/2, with the halving rounded towards zero.
func calcPred(a, b []int16, use16bit bool) [8]int16 {
	var out [8]int16
	for i := range out {
		if use16bit {
			delta := a[i] - b[i]
			half := (delta - (delta >> 15)) >> 1
			out[i] = a[i] + half
		} else {
			delta := int32(a[i]) - int32(b[i])
			half := (delta - (delta >> 31)) >> 1
			out[i] = int16(int32(a[i]) + half)
		}
	}
	return out
}

// calcPredColumn extracts two columns from pixels and extrapolates from them via calcPred.
func calcPredColumn(pixels [8][8]int16, col1, col2 int, use16bit bool) [8]int16 {
	var a, b [8]int16
	for row := range a {
		a[row] = pixels[row][col1]
		b[row] = pixels[row][col2]
	}
	return calcPred(a[:], b[:], use16bit)
}

func minSlice(s []int16) int16 {
	m := s[0]
	for _, v := range s[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxSlice(s []int16) int16 {
	m := s[0]
	for _, v := range s[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func sumSlice(s []int16) int32 {
	var sum int32
	for _, v := range s {
		sum += int32(v)
	}
	return sum
}

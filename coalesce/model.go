package coalesce

import "math/bits"

const (
	numBlockTypes    = 2
	maxCoefBitLength = 12
	residualBits     = MaxExponent - 1

	nonZero7x7CountBits      = 6 // ilog2(49) + 1
	nonZeroEdgeCountBits     = 3 // ilog2(7) + 1
	numNonZero7x7Bins        = 9
	numNonZeroEdgeBins       = 7
	numNonZero7x7ContextBins = 9 // 1 + NonZeroToBin[25], where NonZeroToBin[25] == 8

	thresholdTableRows = 1 << (1 + ResidualNoiseFloor)
	thresholdTableCols = 1 + ResidualNoiseFloor - 2
	thresholdTableDepth = 1 << ResidualNoiseFloor
)

// Model is the full set of adaptive probabilities the coder conditions its
// arithmetic coding on, split by color plane for the 7x7/edge tables and
// shared across planes for DC.
type Model struct {
	PerColor [numBlockTypes]ColorModel
	DC       [maxCoefBitLength]dcTable
}

// NewModel builds a Model with every Branch at its initial 50/50 state.
func NewModel() *Model {
	m := &Model{}
	for i := range m.PerColor {
		m.PerColor[i] = newColorModel()
	}
	for i := range m.DC {
		m.DC[i] = newDCTable()
	}
	return m
}

// GetPerColor returns the ColorModel for the plane at colorIndex.
func (m *Model) GetPerColor(colorIndex int) *ColorModel {
	return &m.PerColor[colorIndex]
}

// ReadDC decodes a DC coefficient conditioned on two neighbor-derived
// uncertainty estimates.
func (m *Model) ReadDC(r *VPXBoolReader, colorIndex int, uncertainty, edgeOffset int16) (int16, error) {
	magnitude, sign, residual := m.dcBranches(uncertainty, edgeOffset, colorIndex)
	return decodeMagnitudeSignCoef(r, magnitude, sign, residual)
}

// WriteDC encodes a DC coefficient under the same conditioning as ReadDC.
func (m *Model) WriteDC(w *VPXBoolWriter, colorIndex int, coef int16, uncertainty, edgeOffset int16) error {
	magnitude, sign, residual := m.dcBranches(uncertainty, edgeOffset, colorIndex)
	return encodeMagnitudeSignCoef(w, coef, magnitude, sign, residual)
}

func (m *Model) dcBranches(uncertainty, edgeOffset int16, colorIndex int) ([]Branch, *Branch, []Branch) {
	magBucket := min(int(bitLength16(abs16(uncertainty))), len(m.DC)-1)
	edgeBucket := bitLength16(abs16(edgeOffset))

	table := &m.DC[magBucket]
	magnitude := table.ExponentCounts[edgeBucket][:]
	// +1 keeps the zero-offset sign bucket distinct from SignCounts[0][0].
	sign := &m.PerColor[colorIndex].SignCounts[0][signBucket(edgeOffset)+1]
	residual := table.ResidualNoiseCounts[:]
	return magnitude, sign, residual
}

// ColorModel holds every probability table for one color plane: interior
// 7x7 coefficients, the two edge strips, their nonzero counts, and signs.
type ColorModel struct {
	Interior7x7Population [numNonZero7x7ContextBins][1 << nonZero7x7CountBits]Branch
	Interior7x7           [numNonZero7x7Bins][49]interior7x7Table
	EdgeColPopulation     [8][8][1 << nonZeroEdgeCountBits]Branch
	EdgeRowPopulation     [8][8][1 << nonZeroEdgeCountBits]Branch
	Edge                  [numNonZeroEdgeBins][14]edgeTable
	ResidualThreshold     [thresholdTableRows][thresholdTableCols][thresholdTableDepth]Branch
	SignCounts            [3][maxCoefBitLength]Branch
}

func newColorModel() ColorModel {
	var c ColorModel
	for i := range c.Interior7x7Population {
		initBranches(c.Interior7x7Population[i][:])
	}
	for i := range c.Interior7x7 {
		for j := range c.Interior7x7[i] {
			c.Interior7x7[i][j] = newInterior7x7Table()
		}
	}
	for i := range c.EdgeColPopulation {
		for j := range c.EdgeColPopulation[i] {
			initBranches(c.EdgeColPopulation[i][j][:])
		}
	}
	for i := range c.EdgeRowPopulation {
		for j := range c.EdgeRowPopulation[i] {
			initBranches(c.EdgeRowPopulation[i][j][:])
		}
	}
	for i := range c.Edge {
		for j := range c.Edge[i] {
			c.Edge[i][j] = newEdgeTable()
		}
	}
	for i := range c.ResidualThreshold {
		for j := range c.ResidualThreshold[i] {
			initBranches(c.ResidualThreshold[i][j][:])
		}
	}
	for i := range c.SignCounts {
		initBranches(c.SignCounts[i][:])
	}
	return c
}

// ReadCoef decodes one interior (non-edge) coefficient.
func (c *ColorModel) ReadCoef(r *VPXBoolReader, zig49, populationBin, priorBitLen int) (int16, error) {
	magnitude, sign, residual := c.interiorBranches(populationBin, zig49, priorBitLen)
	return decodeMagnitudeSignCoef(r, magnitude, sign, residual)
}

// WriteCoef encodes one interior (non-edge) coefficient.
func (c *ColorModel) WriteCoef(w *VPXBoolWriter, coef int16, zig49, populationBin, priorBitLen int) error {
	magnitude, sign, residual := c.interiorBranches(populationBin, zig49, priorBitLen)
	return encodeMagnitudeSignCoef(w, coef, magnitude, sign, residual)
}

func (c *ColorModel) interiorBranches(populationBin, zig49, priorBitLen int) ([]Branch, *Branch, []Branch) {
	table := &c.Interior7x7[populationBin][zig49]
	return table.ExponentCounts[priorBitLen][:], &c.SignCounts[0][0], table.ResidualNoiseCounts[:]
}

// ReadNonZero7x7Count decodes how many of the 49 interior coefficients are
// nonzero, conditioned on the context bin derived from the neighbors.
func (c *ColorModel) ReadNonZero7x7Count(r *VPXBoolReader, contextBin uint8) (uint8, error) {
	v, err := r.GetGrid(c.Interior7x7Population[contextBin][:])
	return uint8(v), err
}

// WriteNonZero7x7Count encodes the interior nonzero coefficient count.
func (c *ColorModel) WriteNonZero7x7Count(w *VPXBoolWriter, contextBin uint8, count uint8) error {
	return w.PutGrid(count, c.Interior7x7Population[contextBin][:])
}

// ReadNonZeroEdgeCount decodes the nonzero count for one edge strip (the
// block's first row if horizontal, first column otherwise).
func (c *ColorModel) ReadNonZeroEdgeCount(r *VPXBoolReader, horizontal bool, estEob, populationBin uint8) (uint8, error) {
	v, err := r.GetGrid(c.edgePopulation(horizontal, estEob, populationBin))
	return uint8(v), err
}

// WriteNonZeroEdgeCount encodes the nonzero count for one edge strip.
func (c *ColorModel) WriteNonZeroEdgeCount(w *VPXBoolWriter, horizontal bool, estEob, populationBin, count uint8) error {
	return w.PutGrid(count, c.edgePopulation(horizontal, estEob, populationBin))
}

func (c *ColorModel) edgePopulation(horizontal bool, estEob, populationBin uint8) []Branch {
	if horizontal {
		return c.EdgeRowPopulation[estEob][populationBin][:]
	}
	return c.EdgeColPopulation[estEob][populationBin][:]
}

// ReadEdgeCoefficient decodes one coefficient from an edge strip (row 0 or
// column 0), which unlike interior coefficients codes its high bits against
// a noise-floor threshold table instead of a flat residual distribution.
func (c *ColorModel) ReadEdgeCoefficient(r *VPXBoolReader, qt *QuantizationTables, zig15offset int, nonZeroEdge uint8, bestPrior int32) (int16, error) {
	bin := int(nonZeroEdge) - 1
	priorAbs := abs32(bestPrior)
	priorBitLen := min(MaxExponent-1, int(bitLength32(uint32(priorAbs))))

	lengthBranches := c.Edge[bin][zig15offset].ExponentCounts[priorBitLen][:]
	length, err := r.GetUnaryEncoded(lengthBranches)
	if err != nil {
		return 0, err
	}
	if length == 0 {
		return 0, nil
	}

	signBit, err := r.GetBit(&c.SignCounts[signBucket(int16(bestPrior))][priorBitLen])
	if err != nil {
		return 0, err
	}
	negative := !signBit

	coef := int16(1)
	if length > 1 {
		minThreshold := int(qt.GetMinNoiseThreshold(zig15offset))
		remaining := length - 2

		if remaining >= minThreshold {
			thresholdProbs := c.thresholdBranches(uint32(priorAbs), minThreshold, length)
			decoded := 1
			for remaining >= minThreshold {
				bit, err := r.GetBit(&thresholdProbs[decoded])
				if err != nil {
					return 0, err
				}
				coef <<= 1
				if bit {
					coef |= 1
				}
				// Out-of-range coefficients just reuse the last bucket instead
				// of being rejected.
				decoded = min(int(coef), len(thresholdProbs)-1)
				remaining--
			}
		}

		if remaining >= 0 {
			residualProbs := c.Edge[bin][zig15offset].ResidualNoiseCounts[:]
			bits, err := r.GetNBits(remaining+1, residualProbs)
			if err != nil {
				return 0, err
			}
			coef <<= remaining + 1
			coef |= int16(bits)
		}
	}

	if negative {
		coef = -coef
	}
	return coef, nil
}

func (c *ColorModel) thresholdBranches(priorAbs uint32, minThreshold, length int) []Branch {
	// Masked to 16 bits to match the reference bitstream's fixed-width prior.
	row := min(int((priorAbs&0xffff)>>minThreshold), len(c.ResidualThreshold)-1)
	col := min(length-minThreshold-2, len(c.ResidualThreshold[0])-1)
	return c.ResidualThreshold[row][col][:]
}

// WriteEdgeCoefficient encodes one edge-strip coefficient, the write-side
// counterpart of ReadEdgeCoefficient.
func (c *ColorModel) WriteEdgeCoefficient(w *VPXBoolWriter, qt *QuantizationTables, coef int16, zig15offset int, nonZeroEdge uint8, bestPrior int32) error {
	bin := int(nonZeroEdge) - 1
	priorAbs := abs32(bestPrior)
	priorBitLen := min(MaxExponent-1, int(bitLength32(uint32(priorAbs))))

	magnitude := abs16(coef)
	length := int(bitLength16(magnitude))
	if length > MaxExponent {
		return NewCoalesceError(ExitCodeCoefficientOutOfRange, "coefficient out of range")
	}

	lengthBranches := c.Edge[bin][zig15offset].ExponentCounts[priorBitLen][:]
	if err := w.PutUnaryEncoded(length, lengthBranches); err != nil {
		return err
	}
	if coef == 0 {
		return nil
	}

	if err := w.PutBit(coef >= 0, &c.SignCounts[signBucket(int16(bestPrior))][priorBitLen]); err != nil {
		return err
	}

	if length <= 1 {
		return nil
	}

	minThreshold := int(qt.GetMinNoiseThreshold(zig15offset))
	remaining := length - 2

	if remaining >= minThreshold {
		thresholdProbs := c.thresholdBranches(uint32(priorAbs), minThreshold, length)
		encoded := 1
		for remaining >= minThreshold {
			bit := magnitude&(1<<remaining) != 0
			if err := w.PutBit(bit, &thresholdProbs[encoded]); err != nil {
				return err
			}
			encoded <<= 1
			if bit {
				encoded |= 1
			}
			encoded = min(encoded, len(thresholdProbs)-1)
			remaining--
		}
	}

	if remaining >= 0 {
		residualProbs := c.Edge[bin][zig15offset].ResidualNoiseCounts[:]
		return w.PutNBits(int(magnitude), remaining+1, residualProbs)
	}
	return nil
}

// interior7x7Table holds the exponent/residual branches for one (population
// bin, zigzag position) pair among the 49 interior coefficients.
type interior7x7Table struct {
	ExponentCounts      [maxCoefBitLength][MaxExponent]Branch
	ResidualNoiseCounts [residualBits]Branch
}

func newInterior7x7Table() interior7x7Table {
	var t interior7x7Table
	for i := range t.ExponentCounts {
		initBranches(t.ExponentCounts[i][:])
	}
	initBranches(t.ResidualNoiseCounts[:])
	return t
}

// edgeTable holds the exponent/residual branches for one edge-strip
// position.
type edgeTable struct {
	ExponentCounts      [MaxExponent][MaxExponent]Branch
	ResidualNoiseCounts [3]Branch
}

func newEdgeTable() edgeTable {
	var t edgeTable
	for i := range t.ExponentCounts {
		initBranches(t.ExponentCounts[i][:])
	}
	initBranches(t.ResidualNoiseCounts[:])
	return t
}

// dcTable holds the exponent/residual branches for one DC magnitude bucket.
type dcTable struct {
	ExponentCounts      [17][MaxExponent]Branch
	ResidualNoiseCounts [residualBits]Branch
}

func newDCTable() dcTable {
	var t dcTable
	for i := range t.ExponentCounts {
		initBranches(t.ExponentCounts[i][:])
	}
	initBranches(t.ResidualNoiseCounts[:])
	return t
}

func initBranches(branches []Branch) {
	for i := range branches {
		branches[i] = NewBranch()
	}
}

// decodeMagnitudeSignCoef decodes a coefficient stored as a unary-coded bit
// length, followed by a sign bit and the magnitude's low bits.
func decodeMagnitudeSignCoef(r *VPXBoolReader, magnitudeBranches []Branch, signBranch *Branch, residualBranches []Branch) (int16, error) {
	length, err := r.GetUnaryEncoded(magnitudeBranches)
	if err != nil {
		return 0, err
	}
	if length == 0 {
		return 0, nil
	}

	signBit, err := r.GetBit(signBranch)
	if err != nil {
		return 0, err
	}
	negative := !signBit

	var coef int16
	if length > 1 {
		low, err := r.GetNBits(length-1, residualBranches)
		if err != nil {
			return 0, err
		}
		coef = int16(low)
	}
	coef |= int16(1 << (length - 1))

	if negative {
		coef = -coef
	}
	return coef, nil
}

// encodeMagnitudeSignCoef is the write-side counterpart of
// decodeMagnitudeSignCoef.
func encodeMagnitudeSignCoef(w *VPXBoolWriter, coef int16, magnitudeBranches []Branch, signBranch *Branch, residualBranches []Branch) error {
	magnitude := abs16(coef)
	length := int(bitLength16(magnitude))
	if length > len(magnitudeBranches) {
		return NewCoalesceError(ExitCodeCoefficientOutOfRange, "coefficient > MAX_EXPONENT")
	}

	if err := w.PutUnaryEncoded(length, magnitudeBranches); err != nil {
		return err
	}

	if coef != 0 {
		if err := w.PutBit(coef > 0, signBranch); err != nil {
			return err
		}
	}

	if length > 1 {
		return w.PutNBits(int(magnitude), length-1, residualBranches)
	}
	return nil
}

func abs16(x int16) uint16 {
	if x < 0 {
		return uint16(-x)
	}
	return uint16(x)
}

func abs32(x int32) int32 {
	if x < 0 {
		return -x
	}
	return x
}

// bitLength16/bitLength32 report the position of the highest set bit plus
// one (0 for a zero input) — the number of bits needed to represent v.
func bitLength16(v uint16) uint8 { return uint8(bits.Len16(v)) }
func bitLength32(v uint32) uint8 { return uint8(bits.Len32(v)) }

// signBucket maps a signed value to one of three sign-context buckets:
// zero, positive, negative.
func signBucket(val int16) int {
	switch {
	case val == 0:
		return 0
	case val > 0:
		return 1
	default:
		return 2
	}
}

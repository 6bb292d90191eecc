package coalesce

// AlignedBlock is one 8x8 DCT coefficient block stored in transposed order:
// slot 0 is DC, slots 1-63 are laid out column-major rather than the JPEG
// bitstream's zigzag order, which is what lets the predictor treat a row of
// the block and a column of the block symmetrically.
type AlignedBlock struct {
	RawData [64]int16
}

// NewAlignedBlock returns an all-zero block.
func NewAlignedBlock() AlignedBlock {
	return AlignedBlock{}
}

// NewAlignedBlockFromData wraps an already-transposed coefficient array.
func NewAlignedBlockFromData(data [64]int16) AlignedBlock {
	return AlignedBlock{RawData: data}
}

func (blk *AlignedBlock) GetDC() int16           { return blk.RawData[0] }
func (blk *AlignedBlock) SetDC(value int16)      { blk.RawData[0] = value }
func (blk *AlignedBlock) GetCoefficient(i int) int16 { return blk.RawData[i] }
func (blk *AlignedBlock) SetCoefficient(i int, value int16) {
	blk.RawData[i] = value
}

// GetTransposedFromZigzag reads the coefficient stored at bitstream zigzag
// position idx.
func (blk *AlignedBlock) GetTransposedFromZigzag(idx int) int16 {
	return blk.RawData[ZigzagToTransposed[idx]]
}

// SetTransposedFromZigzag writes a coefficient addressed by its bitstream
// zigzag position idx.
func (blk *AlignedBlock) SetTransposedFromZigzag(idx int, value int16) {
	blk.RawData[ZigzagToTransposed[idx]] = value
}

// GetBlock exposes the underlying array for callers that need direct access.
func (blk *AlignedBlock) GetBlock() *[64]int16 {
	return &blk.RawData
}

// zigzagToTransposedPermutation is, for each transposed slot, which zigzag
// slot supplies its value. This is the fixed coefficient reordering the
// coding model is built around, not a stylistic choice, so it is carried as
// a literal permutation table rather than derived at runtime.
var zigzagToTransposedPermutation = [64]int{
	0, 2, 3, 9, 10, 20, 21, 35,
	1, 4, 8, 11, 19, 22, 34, 36,
	5, 7, 12, 18, 23, 33, 37, 48,
	6, 13, 17, 24, 32, 38, 47, 49,
	14, 16, 25, 31, 39, 46, 50, 57,
	15, 26, 30, 40, 45, 51, 56, 58,
	27, 29, 41, 44, 52, 55, 59, 62,
	28, 42, 43, 53, 54, 60, 61, 63,
}

// ZigzagToTransposedBlock reorders a zigzag-ordered coefficient array into
// transposed storage order.
func ZigzagToTransposedBlock(zigzag [64]int16) AlignedBlock {
	var out AlignedBlock
	for slot, src := range zigzagToTransposedPermutation {
		out.RawData[slot] = zigzag[src]
	}
	return out
}

// transposedToZigzagPermutation is the inverse of
// zigzagToTransposedPermutation: for each zigzag slot, which transposed slot
// supplies its value.
var transposedToZigzagPermutation = [64]int{
	0, 8, 1, 2, 9, 16, 24, 17,
	10, 3, 4, 11, 18, 25, 32, 40,
	33, 26, 19, 12, 5, 6, 13, 20,
	27, 34, 41, 48, 56, 49, 42, 35,
	28, 21, 14, 7, 15, 22, 29, 36,
	43, 50, 57, 58, 51, 44, 37, 30,
	23, 31, 38, 45, 52, 59, 60, 53,
	46, 39, 47, 54, 61, 62, 55, 63,
}

// ZigzagFromTransposed reorders this block's coefficients back into zigzag
// (bitstream) order.
func (blk *AlignedBlock) ZigzagFromTransposed() AlignedBlock {
	var out AlignedBlock
	for slot, src := range transposedToZigzagPermutation {
		out.RawData[slot] = blk.RawData[src]
	}
	return out
}

// GetCountOfNonZeros7x7 counts non-zero coefficients in the 7x7 interior
// (everything excluding the DC row and column).
func (blk *AlignedBlock) GetCountOfNonZeros7x7() uint8 {
	var count uint8
	for pos, v := range blk.RawData {
		row, col := pos/8, pos%8
		if row >= 1 && col >= 1 && v != 0 {
			count++
		}
	}
	return count
}

// Transpose swaps rows and columns.
func (blk *AlignedBlock) Transpose() AlignedBlock {
	var out AlignedBlock
	for pos, v := range blk.RawData {
		row, col := pos/8, pos%8
		out.RawData[col*8+row] = v
	}
	return out
}

// GetRow returns the 8 values in row r (0-7).
func (blk *AlignedBlock) GetRow(r int) [8]int16 {
	var out [8]int16
	copy(out[:], blk.RawData[r*8:r*8+8])
	return out
}

// GetCol returns the 8 values in column c (0-7).
func (blk *AlignedBlock) GetCol(c int) [8]int16 {
	var out [8]int16
	for row := range out {
		out[row] = blk.RawData[row*8+c]
	}
	return out
}

// EmptyBlock is a reusable zero-valued block for missing-neighbor cases.
var EmptyBlock = AlignedBlock{}

package coalesce

import (
	"io"
)

// CoalesceDecoder turns an arithmetic-coded bitstream back into the DCT
// coefficient blocks it was built from, one row-band at a time so several
// decoders can cover disjoint luma-row ranges of the same image
// concurrently.
type CoalesceDecoder struct {
	model      *Model
	boolReader *VPXBoolReader
	qt         []*QuantizationTables
	header     *JpegHeader
}

// NewCoalesceDecoder wraps reader in a decoder that interprets it against
// header's component and quantization layout.
func NewCoalesceDecoder(reader io.Reader, header *JpegHeader) (*CoalesceDecoder, error) {
	boolReader, err := NewVPXBoolReader(reader)
	if err != nil {
		return nil, err
	}

	decoder := &CoalesceDecoder{
		model:      NewModel(),
		boolReader: boolReader,
		qt:         make([]*QuantizationTables, header.Cmpc),
		header:     header,
	}

	for i := 0; i < header.Cmpc; i++ {
		qtIdx := header.CmpInfo[i].QTableIndex
		decoder.qt[i] = NewQuantizationTables(header.QTables[qtIdx])
	}

	return decoder, nil
}

// DecodeRowRange decodes every block whose luma row falls in
// [lumaYStart, lumaYEnd). When earlyEof is set the stream was truncated
// and maxDPos gives the last coded block per component; isLastThread lets
// the final band continue past its nominal end, only when earlyEof is also
// set, since no later thread will claim that data.
func (d *CoalesceDecoder) DecodeRowRange(
	images []*BlockBasedImage,
	lumaYStart, lumaYEnd uint32,
	lastDC [MaxComponents]int16,
	maxDPos [MaxComponents]uint32,
	earlyEof bool,
	isLastThread bool,
) error {
	tc := NewTruncateComponents()
	tc.Init(d.header)
	if earlyEof {
		tc.SetTruncationBounds(d.header, maxDPos)
	}
	maxCodedHeights := tc.GetMaxCodedHeights()
	componentSizesInBlocks := tc.GetComponentSizesInBlocks()

	sched := newRowScheduler(images, d.header.Mcuv, maxCodedHeights)

	return sched.run(
		func(spec blockRowSpec) (proceed, stop bool) {
			if spec.lumaY < lumaYStart {
				return false, false
			}
			if spec.lumaY >= lumaYEnd && !(isLastThread && earlyEof) {
				return false, true
			}
			return true, false
		},
		func(cmp int, componentRow uint32, cache []NeighborSummary, leftModel, middleModel *ProbabilityTables) error {
			return d.decodeRow(images[cmp], cache, componentRow, cmp, leftModel, middleModel, componentSizesInBlocks[cmp])
		},
	)
}

// decodeRow decodes every block across one row of a single component.
func (d *CoalesceDecoder) decodeRow(
	image *BlockBasedImage,
	neighborCache []NeighborSummary,
	rowY uint32,
	componentIdx int,
	leftModel, middleModel *ProbabilityTables,
	componentSizeInBlocks uint32,
) error {
	blockWidth := image.GetBlockWidth()
	colorIndex := colorPlaneIndex(componentIdx)
	modelColor := d.model.GetPerColor(colorIndex)
	qt := d.qt[componentIdx]

	cursor := NewBlockContextForRow(rowY, image)

	for blockX := uint32(0); blockX < blockWidth; blockX++ {
		pt := leftModel
		if blockX > 0 {
			pt = middleModel
		}

		neighbors := cursor.GetNeighborData(image, neighborCache, pt)

		block, ns, err := d.decodeBlock(modelColor, qt, pt, colorIndex, neighbors)
		if err != nil {
			return err
		}

		image.AppendBlock(block)
		cursor.SetNeighborSummaryHere(neighborCache, ns)

		if cursor.Next() >= componentSizeInBlocks {
			return nil
		}
	}

	return nil
}

// decodeBlock decodes one 8x8 coefficient block: the 7x7 interior region
// first, then its two edges, then the DC coefficient, in that order since
// each stage's context depends on coefficients the prior stage placed.
func (d *CoalesceDecoder) decodeBlock(
	modelColor *ColorModel,
	qt *QuantizationTables,
	pt *ProbabilityTables,
	colorIndex int,
	neighbors *Neighbors,
) (AlignedBlock, NeighborSummary, error) {
	var block AlignedBlock
	var raster [8][8]int32

	contextBin := pt.CalcNumNonZeros7x7ContextBin(neighbors)
	numNonZeros7x7, err := modelColor.ReadNonZero7x7Count(d.boolReader, contextBin)
	if err != nil {
		return block, NeighborSummary{}, err
	}
	if numNonZeros7x7 > 49 {
		return block, NeighborSummary{}, NewCoalesceError(ExitCodeStreamInconsistent, "numNonzeros7x7 > 49")
	}

	var eobX, eobY uint8
	remaining := int(numNonZeros7x7)

	if remaining > 0 {
		bestPriors := pt.CalcCoefficientContext7x7AavgBlock(neighbors)
		bin := nonZeroBin7x7(remaining)

		for zig49 := 0; zig49 < 49 && remaining > 0; zig49++ {
			coordTR := Unzigzag49TR[zig49]
			bestPriorBitLen := bitLength16(bestPriors[coordTR])

			coef, err := modelColor.ReadCoef(d.boolReader, zig49, bin, int(bestPriorBitLen))
			if err != nil {
				return block, NeighborSummary{}, err
			}
			if coef == 0 {
				continue
			}

			by, bx := coordTR&7, coordTR>>3
			if bx > eobX {
				eobX = bx
			}
			if by > eobY {
				eobY = by
			}

			block.RawData[coordTR] = coef
			raster[coordTR>>3][coordTR&7] = int32(coef) * int32(qt.GetQTransposed(int(coordTR)))

			remaining--
			if remaining > 0 {
				bin = nonZeroBin7x7(remaining)
			}
		}
	}
	if remaining > 0 {
		return block, NeighborSummary{}, NewCoalesceError(ExitCodeStreamInconsistent, "not enough nonzeros in 7x7 block")
	}

	edgeBin := (numNonZeros7x7 + 3) / 7
	horizPred, vertPred := pt.PredictCurrentEdges(neighbors, &raster)

	if err := d.decodeOneEdge(modelColor, qt, pt, &block, &raster, horizPred[:], true, edgeBin, eobX); err != nil {
		return block, NeighborSummary{}, err
	}
	if err := d.decodeOneEdge(modelColor, qt, pt, &block, &raster, vertPred[:], false, edgeBin, eobY); err != nil {
		return block, NeighborSummary{}, err
	}

	nextHorizFinal, nextVertFinal := pt.PredictNextEdges(&raster)

	dc := pt.AdvPredictDCPix(&raster, qt, neighbors, d.header.Use16BitAdvPredict, d.header.Use16BitDCEstimate)

	dcDiff, err := d.model.ReadDC(d.boolReader, colorIndex, dc.Uncertainty, dc.Uncertainty2)
	if err != nil {
		return block, NeighborSummary{}, err
	}

	finalDC := adjustDC(dcDiff, true, dc.PredictedDC)
	block.SetDC(int16(finalDC))

	ns := NewNeighborSummaryFromDecode(
		dc.NextEdgePixelsH,
		dc.NextEdgePixelsV,
		int32(block.GetDC())*int32(qt.GetQ(0)),
		numNonZeros7x7,
		nextHorizFinal,
		nextVertFinal,
	)

	return block, ns, nil
}

// decodeOneEdge decodes the seven non-DC coefficients of one edge: the
// top row if horizontal, the left column otherwise.
func (d *CoalesceDecoder) decodeOneEdge(
	modelColor *ColorModel,
	qt *QuantizationTables,
	pt *ProbabilityTables,
	block *AlignedBlock,
	raster *[8][8]int32,
	pred []int32,
	horizontal bool,
	numNonZerosBin uint8,
	estEob uint8,
) error {
	numNonZerosEdge, err := modelColor.ReadNonZeroEdgeCount(d.boolReader, horizontal, estEob, numNonZerosBin)
	if err != nil {
		return err
	}

	delta, zig15offset := 1, 7
	if horizontal {
		delta, zig15offset = 8, 0
	}

	coordTR := delta
	for lane := 0; lane < 7 && numNonZerosEdge > 0; lane++ {
		bestPrior, err := pt.CalcCoefficientContext8Lak(qt, coordTR, pred, horizontal)
		if err != nil {
			return err
		}

		coef, err := modelColor.ReadEdgeCoefficient(d.boolReader, qt, zig15offset, numNonZerosEdge, bestPrior)
		if err != nil {
			return err
		}

		if coef != 0 {
			numNonZerosEdge--
			block.RawData[coordTR] = coef
			raster[coordTR>>3][coordTR&7] = int32(coef) * int32(qt.GetQTransposed(coordTR))
		}

		coordTR += delta
		zig15offset++
	}

	if numNonZerosEdge != 0 {
		return NewCoalesceError(ExitCodeStreamInconsistent, "edge decode incomplete")
	}
	return nil
}

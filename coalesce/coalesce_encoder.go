package coalesce

import (
	"io"
)

// CoalesceEncoder turns DCT coefficient blocks into an arithmetic-coded
// bitstream, walking rows in the same interleaved order DecodeRowRange
// expects so a single stream can later be split and decoded band by band.
type CoalesceEncoder struct {
	boolWriter *VPXBoolWriter
	model      *Model
	header     *JpegHeader
}

// NewCoalesceEncoder wraps writer in an encoder targeting header's
// component layout.
func NewCoalesceEncoder(writer io.Writer, header *JpegHeader) (*CoalesceEncoder, error) {
	boolWriter, err := NewVPXBoolWriter(writer)
	if err != nil {
		return nil, err
	}

	return &CoalesceEncoder{
		boolWriter: boolWriter,
		model:      NewModel(),
		header:     header,
	}, nil
}

// EncodeRowRange encodes every block whose luma row falls in [minY, maxY).
func (e *CoalesceEncoder) EncodeRowRange(
	quantizationTables []*QuantizationTables,
	imageData []*BlockBasedImage,
	minY, maxY uint32,
) error {
	maxCodedHeights := make([]uint32, len(imageData))
	for i, img := range imageData {
		maxCodedHeights[i] = img.GetOriginalHeight()
	}

	sched := newRowScheduler(imageData, e.header.Mcuv, maxCodedHeights)

	return sched.run(
		func(spec blockRowSpec) (proceed, stop bool) {
			if spec.lumaY < minY {
				return false, false
			}
			if spec.lumaY >= maxY {
				return false, true
			}
			return true, false
		},
		func(cmp int, componentRow uint32, cache []NeighborSummary, leftModel, middleModel *ProbabilityTables) error {
			return e.encodeRow(cmp, quantizationTables[cmp], imageData[cmp], cache, componentRow, leftModel, middleModel)
		},
	)
}

// encodeRow encodes every block across one row of a single component.
func (e *CoalesceEncoder) encodeRow(
	cmp int,
	qt *QuantizationTables,
	image *BlockBasedImage,
	neighborCache []NeighborSummary,
	rowY uint32,
	leftModel, middleModel *ProbabilityTables,
) error {
	cursor := NewBlockContextForRow(rowY, image)
	blockWidth := image.GetBlockWidth()
	colorIndex := colorPlaneIndex(cmp)

	for x := uint32(0); x < blockWidth; x++ {
		pt := leftModel
		if x > 0 {
			pt = middleModel
		}

		block := image.GetBlock(cursor.blockIdx)
		neighbors := cursor.GetNeighborData(image, neighborCache, pt)

		ns, err := e.encodeBlock(qt, pt, colorIndex, neighbors, block)
		if err != nil {
			return err
		}

		cursor.SetNeighborSummaryHere(neighborCache, ns)
		cursor.Next()
	}

	return nil
}

// encodeBlock encodes one 8x8 coefficient block in the same three stages
// decodeBlock decodes them in: 7x7 interior, then edges, then DC.
func (e *CoalesceEncoder) encodeBlock(
	qt *QuantizationTables,
	pt *ProbabilityTables,
	colorIndex int,
	neighbors *Neighbors,
	block *AlignedBlock,
) (NeighborSummary, error) {
	modelColor := e.model.GetPerColor(colorIndex)

	numNonZeros7x7 := block.GetCountOfNonZeros7x7()
	contextBin := pt.CalcNumNonZeros7x7ContextBin(neighbors)
	if err := modelColor.WriteNonZero7x7Count(e.boolWriter, contextBin, numNonZeros7x7); err != nil {
		return NeighborSummary{}, err
	}

	var raster [8][8]int32
	var eobX, eobY uint8
	remaining := int(numNonZeros7x7)

	if remaining > 0 {
		bestPriors := pt.CalcCoefficientContext7x7AavgBlock(neighbors)
		bin := nonZeroBin7x7(remaining)

		for zig49 := 0; zig49 < 49; zig49++ {
			coordTR := Unzigzag49TR[zig49]
			bestPriorBitLen := bitLength16(bestPriors[coordTR])
			coef := block.RawData[coordTR]

			if err := modelColor.WriteCoef(e.boolWriter, coef, zig49, bin, int(bestPriorBitLen)); err != nil {
				return NeighborSummary{}, err
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
			raster[coordTR>>3][coordTR&7] = int32(coef) * int32(qt.GetQTransposed(int(coordTR)))

			remaining--
			if remaining == 0 {
				break
			}
			bin = nonZeroBin7x7(remaining)
		}
	}

	edgeBin := (numNonZeros7x7 + 3) / 7
	horizPred, vertPred := pt.PredictCurrentEdges(neighbors, &raster)

	if err := e.encodeOneEdge(modelColor, qt, pt, block, &raster, horizPred[:], true, edgeBin, eobX); err != nil {
		return NeighborSummary{}, err
	}
	if err := e.encodeOneEdge(modelColor, qt, pt, block, &raster, vertPred[:], false, edgeBin, eobY); err != nil {
		return NeighborSummary{}, err
	}

	nextHorizPred, nextVertPred := pt.PredictNextEdges(&raster)

	q0 := int32(qt.GetQ(0))
	dc := pt.AdvPredictDCPix(&raster, qt, neighbors, e.header.Use16BitAdvPredict, e.header.Use16BitDCEstimate)

	actualDC := block.GetDC()
	encodedDC := adjustDC(actualDC, false, dc.PredictedDC)
	if err := e.model.WriteDC(e.boolWriter, colorIndex, int16(encodedDC), dc.Uncertainty, dc.Uncertainty2); err != nil {
		return NeighborSummary{}, err
	}

	ns := NewNeighborSummaryFromDecode(
		dc.NextEdgePixelsH,
		dc.NextEdgePixelsV,
		int32(actualDC)*q0,
		numNonZeros7x7,
		nextHorizPred,
		nextVertPred,
	)

	return ns, nil
}

// encodeOneEdge encodes the seven non-DC coefficients of one edge: the
// top row if horizontal, the left column otherwise.
func (e *CoalesceEncoder) encodeOneEdge(
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
	var numNonZerosEdge uint8
	delta, zig15offset := 1, 7

	if horizontal {
		delta, zig15offset = 8, 0
		for col := 1; col < 8; col++ {
			if block.RawData[col*8] != 0 {
				numNonZerosEdge++
			}
		}
	} else {
		for row := 1; row < 8; row++ {
			if block.RawData[row] != 0 {
				numNonZerosEdge++
			}
		}
	}

	if err := modelColor.WriteNonZeroEdgeCount(e.boolWriter, horizontal, estEob, numNonZerosBin, numNonZerosEdge); err != nil {
		return err
	}

	coordTR := delta
	for lane := 0; lane < 7; lane++ {
		if numNonZerosEdge == 0 {
			break
		}

		bestPrior, err := pt.CalcCoefficientContext8Lak(qt, coordTR, pred, horizontal)
		if err != nil {
			return err
		}

		coef := block.RawData[coordTR]
		if err := modelColor.WriteEdgeCoefficient(e.boolWriter, qt, coef, zig15offset, numNonZerosEdge, bestPrior); err != nil {
			return err
		}
		if coef != 0 {
			numNonZerosEdge--
		}

		raster[coordTR>>3][coordTR&7] = int32(coef) * int32(qt.GetQTransposed(coordTR))
		coordTR += delta
		zig15offset++
	}

	return nil
}

// Finish flushes the arithmetic coder's remaining state to the
// underlying writer.
func (e *CoalesceEncoder) Finish() error {
	return e.boolWriter.Finish()
}

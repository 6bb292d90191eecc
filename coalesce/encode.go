package coalesce

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Encode compresses a JPEG image to Coalesce format, splitting the coding
// work across a number of bands matching the host's CPU count (capped at
// MaxThreadsSupportedByCoalesceFormat, since the multiplexer tags each
// chunk with a 4-bit band ID).
func Encode(reader io.Reader, writer io.Writer) error {
	numThreads := runtime.NumCPU()
	if numThreads < 1 {
		numThreads = 1
	}
	if numThreads > MaxThreadsSupportedByCoalesceFormat {
		numThreads = MaxThreadsSupportedByCoalesceFormat
	}
	return EncodeWithThreads(reader, writer, numThreads)
}

// Metrics reports basic compression statistics for one Encode call.
type Metrics struct {
	OriginalBytes   int
	CompressedBytes int
	BandCount       int
	BandSizes       []int
}

// EncodeWithThreads compresses a JPEG image to Coalesce format using
// up to numThreads bands (fewer when the image has too few MCU rows, and
// never more than MaxThreadsSupportedByCoalesceFormat). Each band is encoded independently by its own
// goroutine, its own Model and its own VPXBoolWriter; the encoded streams
// are then multiplexed in band order.
func EncodeWithThreads(reader io.Reader, writer io.Writer, numThreads int) error {
	_, err := EncodeWithMetrics(reader, writer, numThreads)
	return err
}

// EncodeWithMetrics behaves like EncodeWithThreads but also returns
// compression statistics, for CLI reporting.
func EncodeWithMetrics(reader io.Reader, writer io.Writer, numThreads int) (Metrics, error) {
	if numThreads < 1 {
		numThreads = 1
	}
	if numThreads > MaxThreadsSupportedByCoalesceFormat {
		numThreads = MaxThreadsSupportedByCoalesceFormat
	}

	// Read all JPEG data (needed for header size)
	jpegData, err := io.ReadAll(reader)
	if err != nil {
		return Metrics{}, err
	}

	// Parse the JPEG
	jpegResult, err := ReadJpegFile(bytes.NewReader(jpegData))
	if err != nil {
		return Metrics{}, err
	}

	// Create quantization tables
	quantizationTables := make([]*QuantizationTables, jpegResult.Header.Cmpc)
	for i := 0; i < jpegResult.Header.Cmpc; i++ {
		qtIdx := jpegResult.Header.CmpInfo[i].QTableIndex
		quantizationTables[i] = NewQuantizationTables(jpegResult.Header.QTables[qtIdx])
	}

	// Set up header flags
	jpegResult.Header.Use16BitDCEstimate = true
	jpegResult.Header.Use16BitAdvPredict = true

	handoffs := splitIntoBands(jpegResult.Header, numThreads)

	// Encode each band concurrently into its own buffer; bands only read
	// the already-fully-populated ImageData (never mutate it), so sharing
	// it read-only across goroutines is safe.
	encodedBands := make([][]byte, len(handoffs))
	group := new(errgroup.Group)
	for i, h := range handoffs {
		i, h := i, h
		group.Go(func() error {
			var buf bytes.Buffer
			encoder, err := NewCoalesceEncoder(&buf, jpegResult.Header)
			if err != nil {
				return err
			}
			if err := encoder.EncodeRowRange(quantizationTables, jpegResult.ImageData, h.LumaYStart, h.LumaYEnd); err != nil {
				return err
			}
			if err := encoder.Finish(); err != nil {
				return err
			}
			encodedBands[i] = buf.Bytes()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Metrics{}, err
	}

	// Multiplex the per-band streams in band order
	var multiplexedData bytes.Buffer
	bandSizes := make([]int, len(encodedBands))
	for i, data := range encodedBands {
		handoffs[i].SegmentSize = uint32(len(data))
		bandSizes[i] = len(data)
		multiplexBand(&multiplexedData, byte(i), data)
	}

	// Write Coalesce header (includes CMP marker)
	headerSize, compressedHeaderSize, err := writeCoalesceHeader(writer, jpegResult, handoffs, len(jpegData))
	if err != nil {
		return Metrics{}, err
	}

	// Write the multiplexed data
	if _, err := writer.Write(multiplexedData.Bytes()); err != nil {
		return Metrics{}, err
	}

	// Write final file size
	// Total size = 28 (fixed header) + compressed header + 3 (CMP) + multiplexed data + 4 (footer)
	finalSize := uint32(28 + compressedHeaderSize + 3 + multiplexedData.Len() + 4)
	_ = headerSize // unused but kept for clarity
	if err := binary.Write(writer, binary.LittleEndian, finalSize); err != nil {
		return Metrics{}, err
	}

	metrics := Metrics{
		OriginalBytes:   len(jpegData),
		CompressedBytes: int(finalSize),
		BandCount:       len(handoffs),
		BandSizes:       bandSizes,
	}

	return metrics, nil
}

// splitIntoBands partitions the image's luma rows into up to numThreads
// horizontal bands, aligned to whole MCU rows so that every component's
// subsampled row range also falls on an integer boundary.
func splitIntoBands(header *JpegHeader, numThreads int) []ThreadHandoff {
	mcuRows := header.Mcuv
	if mcuRows == 0 {
		mcuRows = 1
	}
	rowsPerMcuRow := header.CmpInfo[0].Bcv / mcuRows
	if rowsPerMcuRow == 0 {
		rowsPerMcuRow = 1
	}

	if uint32(numThreads) > mcuRows {
		numThreads = int(mcuRows)
	}
	if numThreads < 1 {
		numThreads = 1
	}

	handoffs := make([]ThreadHandoff, 0, numThreads)
	mcuRowsPerBand := (mcuRows + uint32(numThreads) - 1) / uint32(numThreads)
	if mcuRowsPerBand == 0 {
		mcuRowsPerBand = 1
	}

	for start := uint32(0); start < mcuRows; start += mcuRowsPerBand {
		end := start + mcuRowsPerBand
		if end > mcuRows {
			end = mcuRows
		}
		handoffs = append(handoffs, ThreadHandoff{
			LumaYStart: start * rowsPerMcuRow,
			LumaYEnd:   end * rowsPerMcuRow,
		})
	}

	return handoffs
}

// multiplexBand appends one band's encoded bytes to the multiplexed stream,
// tagging each chunk with the band's thread ID in the low 4 bits of the
// header byte, matching the format the demultiplexer reads.
func multiplexBand(out *bytes.Buffer, threadID byte, data []byte) {
	pos := 0
	for pos < len(data) || (pos == 0 && len(data) == 0) {
		blockSize := len(data) - pos
		if blockSize > 65536 {
			blockSize = 65536
		}

		out.WriteByte(threadID & 0x0f)

		lenMinus1 := uint16(blockSize - 1)
		out.WriteByte(byte(lenMinus1 & 0xff))
		out.WriteByte(byte(lenMinus1 >> 8))

		out.Write(data[pos : pos+blockSize])

		pos += blockSize
		if len(data) == 0 {
			break
		}
	}
}

// writeCoalesceHeader writes the Coalesce file header
// Returns the header size and compressed header size
func writeCoalesceHeader(writer io.Writer, result *JpegReadResult, handoffs []ThreadHandoff, originalJpegSize int) (int, int, error) {
	// Build the uncompressed header data
	var headerData bytes.Buffer

	// HDR marker + raw JPEG header (without SOI - decoder adds it)
	// The RawHeader from parsing the JPEG includes SOI (ff d8), but the
	// Coalesce format expects the header WITHOUT SOI since the decoder writes SOI separately
	rawHeaderWithoutSOI := result.RawHeader
	if len(rawHeaderWithoutSOI) >= 2 && rawHeaderWithoutSOI[0] == 0xff && rawHeaderWithoutSOI[1] == 0xd8 {
		rawHeaderWithoutSOI = rawHeaderWithoutSOI[2:]
	}
	headerData.Write(CoalesceHeaderMarker[:])
	binary.Write(&headerData, binary.LittleEndian, uint32(len(rawHeaderWithoutSOI)))
	headerData.Write(rawHeaderWithoutSOI)

	// P0D marker + pad bit
	headerData.Write(CoalesceHeaderPadMarker[:])
	padBit := uint8(0)
	if result.PadBit != nil {
		padBit = *result.PadBit
	}
	headerData.WriteByte(padBit)

	// HH marker + thread handoffs
	headerData.Write(CoalesceHeaderLumaSplitMarker[:])
	headerData.WriteByte(byte(len(handoffs)))
	for _, h := range handoffs {
		// LumaYStart is stored as uint16 in the file format
		binary.Write(&headerData, binary.LittleEndian, uint16(h.LumaYStart))
		binary.Write(&headerData, binary.LittleEndian, h.SegmentSize)
		headerData.WriteByte(h.OverhangByte)
		headerData.WriteByte(h.NumOverhangBits)
		// LastDC array: 4 values stored as int16
		for i := 0; i < 4; i++ {
			binary.Write(&headerData, binary.LittleEndian, h.LastDC[i])
		}
	}

	// GRB marker + garbage data (always include EOI if no garbage)
	garbage := result.GarbageData
	if len(garbage) == 0 {
		garbage = []byte{0xFF, 0xD9} // EOI marker
	}
	headerData.Write(CoalesceHeaderGarbageMarker[:])
	binary.Write(&headerData, binary.LittleEndian, uint32(len(garbage)))
	headerData.Write(garbage)

	// Compress the header
	var compressedHeader bytes.Buffer
	zlibWriter := zlib.NewWriter(&compressedHeader)
	zlibWriter.Write(headerData.Bytes())
	zlibWriter.Close()

	// Write fixed header (28 bytes)
	fixedHeader := make([]byte, 28)

	// Bytes 0-1: Magic number
	fixedHeader[0] = CoalesceFileHeader[0]
	fixedHeader[1] = CoalesceFileHeader[1]

	// Byte 2: Version
	fixedHeader[2] = CoalesceVersion

	// Byte 3: JPEG type
	if result.Header.JpegType == JpegTypeProgressive {
		fixedHeader[3] = CoalesceHeaderProgressiveJpegType[0]
	} else {
		fixedHeader[3] = CoalesceHeaderBaselineJpegType[0]
	}

	// Byte 4: Number of threads
	fixedHeader[4] = byte(len(handoffs))

	// Bytes 5-7: Reserved (zeros)

	// Bytes 8-9: 'MS' marker for extended info
	fixedHeader[8] = 'M'
	fixedHeader[9] = 'S'

	// Bytes 10-13: Uncompressed header size
	binary.LittleEndian.PutUint32(fixedHeader[10:14], uint32(headerData.Len()))

	// Byte 14: Flags (0x83 = 0x80 | 0x01 | 0x02 for both 16-bit options)
	fixedHeader[14] = 0x83

	// Byte 15: Encoder version
	fixedHeader[15] = 0x01

	// Bytes 16-19: Git revision (zeros)

	// Bytes 20-23: Original JPEG file size
	binary.LittleEndian.PutUint32(fixedHeader[20:24], uint32(originalJpegSize))

	// Bytes 24-27: Compressed header size
	binary.LittleEndian.PutUint32(fixedHeader[24:28], uint32(compressedHeader.Len()))

	// Write fixed header
	if _, err := writer.Write(fixedHeader); err != nil {
		return 0, 0, err
	}

	// Write compressed header
	if _, err := writer.Write(compressedHeader.Bytes()); err != nil {
		return 0, 0, err
	}

	// Write completion marker (CMP)
	if _, err := writer.Write(CoalesceHeaderCompletionMarker[:]); err != nil {
		return 0, 0, err
	}

	return 28 + compressedHeader.Len(), compressedHeader.Len(), nil
}

// countingWriter wraps a writer and counts bytes written
type countingWriter struct {
	writer io.Writer
	count  int
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.writer.Write(p)
	w.count += n
	return n, err
}

// EncodeVerify encodes JPEG to Coalesce and verifies by decoding back
func EncodeVerify(jpegData []byte) ([]byte, error) {
	var coalesceData bytes.Buffer

	if err := Encode(bytes.NewReader(jpegData), &coalesceData); err != nil {
		return nil, err
	}

	// Verify by decoding
	decoded, err := DecodeCoalesceBytes(coalesceData.Bytes())
	if err != nil {
		return nil, err
	}

	// Compare
	if !bytes.Equal(jpegData, decoded) {
		return nil, NewCoalesceError(ExitCodeVerificationContentMismatch, "verification failed")
	}

	return coalesceData.Bytes(), nil
}

package coalesce

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"
)

// limitedWriter wraps a writer and limits output to a maximum size
type limitedWriter struct {
	inner     io.Writer
	remaining int64
	written   int64
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if w.remaining <= 0 {
		// Silently discard excess data
		return len(p), nil
	}
	toWrite := p
	if int64(len(p)) > w.remaining {
		toWrite = p[:w.remaining]
	}
	n, err := w.inner.Write(toWrite)
	w.remaining -= int64(n)
	w.written += int64(n)
	if err != nil {
		return n, err
	}
	// Report full length written (even if truncated)
	return len(p), nil
}

// DecodeCoalesce decodes a Coalesce file and writes the reconstructed JPEG to output
func DecodeCoalesce(input io.Reader, output io.Writer) error {
	// Read and parse the Coalesce header
	header, err := ReadCoalesceHeader(input)
	if err != nil {
		return fmt.Errorf("failed to read Coalesce header: %w", err)
	}

	// Read the completion marker before the multiplexed band payloads
	completionMarker := make([]byte, 3)
	if _, err := io.ReadFull(input, completionMarker); err != nil {
		return fmt.Errorf("failed to read completion marker: %w", err)
	}

	if !bytes.Equal(completionMarker, CoalesceHeaderCompletionMarker[:]) {
		return ErrExitCode(ExitCodeBadCoalesceFile,
			fmt.Sprintf("invalid completion marker: %v", completionMarker))
	}

	// Read all remaining data (multiplexed segment data + 4-byte footer)
	remainingData, err := io.ReadAll(input)
	if err != nil {
		return fmt.Errorf("failed to read segment data: %w", err)
	}

	// The last 4 bytes are the file size footer
	if len(remainingData) < 4 {
		return ErrExitCode(ExitCodeBadCoalesceFile, "missing file size footer")
	}
	multiplexedData := remainingData[:len(remainingData)-4]

	// Demultiplex the data for each thread
	numThreads := len(header.ThreadHandoffs)
	demuxer := newDemultiplexer(multiplexedData, numThreads)

	// Each band is decoded by its own goroutine against its own Model,
	// VPXBoolReader and a set of per-component partial BlockBasedImages
	// sized to that band alone; there is no shared mutable state between
	// them. Bands are merged back into full-component images afterward, in
	// band order, once every goroutine has finished.
	numComponents := header.JpegHeader.Cmpc
	bandImages := make([][]*BlockBasedImage, numThreads)

	group, _ := errgroup.WithContext(context.Background())
	for threadIdx := 0; threadIdx < numThreads; threadIdx++ {
		threadIdx := threadIdx
		handoff := &header.ThreadHandoffs[threadIdx]

		images := make([]*BlockBasedImage, numComponents)
		for c := 0; c < numComponents; c++ {
			ci := &header.JpegHeader.CmpInfo[c]
			luma := &header.JpegHeader.CmpInfo[0]
			images[c] = NewBlockBasedImageBand(ci, luma, handoff.LumaYStart, handoff.LumaYEnd)
		}
		bandImages[threadIdx] = images

		segmentData := demuxer.getPartitionData(threadIdx)
		isLastThread := threadIdx == numThreads-1

		group.Go(func() error {
			segmentReader := bytes.NewReader(segmentData)
			decoder, err := NewCoalesceDecoder(segmentReader, header.JpegHeader)
			if err != nil {
				return fmt.Errorf("failed to create decoder for band %d: %w", threadIdx, err)
			}

			if err := decoder.DecodeRowRange(images, handoff.LumaYStart, handoff.LumaYEnd, handoff.LastDC,
				header.RecoveryInfo.MaxDpos, header.RecoveryInfo.EarlyEofEncountered, isLastThread); err != nil {
				return fmt.Errorf("failed to decode band %d: %w", threadIdx, err)
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}

	images := make([]*BlockBasedImage, numComponents)
	for c := 0; c < numComponents; c++ {
		bands := make([]*BlockBasedImage, numThreads)
		for t := 0; t < numThreads; t++ {
			bands[t] = bandImages[t][c]
		}
		merged, err := MergeBlockBasedImages(bands)
		if err != nil {
			return fmt.Errorf("failed to merge component %d bands: %w", c, err)
		}
		images[c] = merged
	}

	// Wrap output with size limiter to match original file size exactly
	limitedOutput := &limitedWriter{
		inner:     output,
		remaining: int64(header.OriginalFileSize),
	}

	// Reconstruct the JPEG
	jpegWriter, err := NewJpegWriter(header, limitedOutput)
	if err != nil {
		return fmt.Errorf("failed to create JPEG writer: %w", err)
	}

	if err := jpegWriter.WriteJpeg(images); err != nil {
		return fmt.Errorf("failed to write JPEG: %w", err)
	}

	return nil
}

// demultiplexer reads multiplexed segment data and provides demultiplexed data per partition
type demultiplexer struct {
	partitionData [][]byte
}

// newDemultiplexer creates a demultiplexer from multiplexed data
func newDemultiplexer(data []byte, numPartitions int) *demultiplexer {
	d := &demultiplexer{
		partitionData: make([][]byte, numPartitions),
	}

	for i := range d.partitionData {
		d.partitionData[i] = make([]byte, 0)
	}

	pos := 0
	for pos < len(data) {
		// Read header byte
		header := data[pos]
		pos++

		partitionID := int(header & 0x0f)
		var blockLen int

		if header < 16 {
			// Variable length: next 2 bytes are length - 1
			if pos+2 > len(data) {
				break
			}
			b0 := int(data[pos])
			b1 := int(data[pos+1])
			pos += 2
			blockLen = (b1 << 8) + b0 + 1
		} else {
			// Fixed length encoded in header
			flags := (header >> 4) & 3
			blockLen = 1024 << (2 * flags)
		}

		// Read block data
		if pos+blockLen > len(data) {
			blockLen = len(data) - pos
		}

		if partitionID < numPartitions {
			d.partitionData[partitionID] = append(d.partitionData[partitionID], data[pos:pos+blockLen]...)
		}
		pos += blockLen
	}

	return d
}

// getPartitionData returns the demultiplexed data for a given partition
func (d *demultiplexer) getPartitionData(partitionID int) []byte {
	if partitionID < len(d.partitionData) {
		return d.partitionData[partitionID]
	}
	return nil
}

// DecodeCoalesceBytes is a convenience function that takes byte slices
func DecodeCoalesceBytes(input []byte) ([]byte, error) {
	var output bytes.Buffer
	err := DecodeCoalesce(bytes.NewReader(input), &output)
	if err != nil {
		return nil, err
	}
	return output.Bytes(), nil
}

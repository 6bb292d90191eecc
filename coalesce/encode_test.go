package coalesce

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestEncodeBasicImages tests roundtrip encoding: JPEG -> Coalesce -> JPEG
func TestEncodeBasicImages(t *testing.T) {
	testCases := []struct {
		name          string
		width, height int
		quality       int
		gray          bool
	}{
		{"tiny", 8, 8, 90, false},
		{"android", 64, 48, 85, false},
		{"iphone", 37, 29, 80, false},
		{"grayscale", 32, 32, 90, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			originalJpeg := synthesizeJPEG(t, tc.width, tc.height, tc.quality, tc.gray)

			var coalesceData bytes.Buffer
			require.NoError(t, Encode(bytes.NewReader(originalJpeg), &coalesceData))

			decodedJpeg, err := DecodeCoalesceBytes(coalesceData.Bytes())
			require.NoError(t, err)
			require.Equal(t, originalJpeg, decodedJpeg)
		})
	}
}

// TestEncodeBaselineImages covers a spread of dimensions and qualities,
// all still baseline (non-progressive) since that's what the synthetic
// fixtures (and the core coding engine) target.
func TestEncodeBaselineImages(t *testing.T) {
	testCases := []struct {
		name          string
		width, height int
		quality       int
	}{
		{"square_small", 16, 16, 95},
		{"narrow", 9, 64, 75},
		{"wide", 200, 11, 75},
		{"odd_dims", 33, 47, 88},
		{"single_mcu", 8, 8, 100},
		{"multi_band", 256, 128, 70},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			originalJpeg := synthesizeJPEG(t, tc.width, tc.height, tc.quality, false)

			var coalesceData bytes.Buffer
			require.NoError(t, Encode(bytes.NewReader(originalJpeg), &coalesceData))

			decodedJpeg, err := DecodeCoalesceBytes(coalesceData.Bytes())
			require.NoError(t, err)
			require.Equal(t, originalJpeg, decodedJpeg)
		})
	}
}

// TestEncodeProgressiveImages is skipped for the same reason as
// TestDecodeProgressiveImages: Go's stdlib jpeg encoder cannot emit
// progressive scans, so there is no synthetic fixture to exercise here.
func TestEncodeProgressiveImages(t *testing.T) {
	t.Skip("no progressive JPEG fixtures available: Go's stdlib jpeg encoder is baseline-only")
}

// TestEncodeVerify tests the EncodeVerify function
func TestEncodeVerify(t *testing.T) {
	testCases := []struct {
		name          string
		width, height int
	}{
		{"tiny", 8, 8},
		{"android", 64, 48},
		{"iphone", 37, 29},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			originalJpeg := synthesizeJPEG(t, tc.width, tc.height, 85, false)

			coalesceData, err := EncodeVerify(originalJpeg)
			require.NoError(t, err)
			require.NotEmpty(t, coalesceData)
		})
	}
}

// TestEncodeThreadCountInvariance exercises spec property P8's
// "across single-thread and multi-thread configurations" clause: encoding
// the same image with different band counts must still decode back to the
// exact original bytes, and single- vs multi-thread encodes of the same
// image must decode to identical JPEGs even though the compressed bytes
// themselves may differ (different band boundaries, same content).
func TestEncodeThreadCountInvariance(t *testing.T) {
	originalJpeg := synthesizeJPEG(t, 256, 128, 80, false)

	for _, threads := range []int{1, 2, 4, 8} {
		t.Run(string(rune('0'+threads)), func(t *testing.T) {
			var coalesceData bytes.Buffer
			require.NoError(t, EncodeWithThreads(bytes.NewReader(originalJpeg), &coalesceData, threads))

			decodedJpeg, err := DecodeCoalesceBytes(coalesceData.Bytes())
			require.NoError(t, err)
			require.Equal(t, originalJpeg, decodedJpeg)
		})
	}
}

// TestVPXBoolWriterRoundtrip tests that VPXBoolWriter produces data
// that VPXBoolReader can decode correctly
func TestVPXBoolWriterRoundtrip(t *testing.T) {
	var buf bytes.Buffer

	// Write some bits
	writer, err := NewVPXBoolWriter(&buf)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}

	// Create a branch and write some bits
	branch := NewBranch()
	if err := writer.PutBit(true, &branch); err != nil {
		t.Fatalf("Failed to write bit: %v", err)
	}
	if err := writer.PutBit(false, &branch); err != nil {
		t.Fatalf("Failed to write bit: %v", err)
	}
	if err := writer.PutBit(true, &branch); err != nil {
		t.Fatalf("Failed to write bit: %v", err)
	}

	if err := writer.Finish(); err != nil {
		t.Fatalf("Failed to finish writer: %v", err)
	}

	// Read back
	reader, err := NewVPXBoolReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Failed to create reader: %v", err)
	}

	branch2 := NewBranch()

	bit1, err := reader.GetBit(&branch2)
	if err != nil {
		t.Fatalf("Failed to read bit: %v", err)
	}
	if !bit1 {
		t.Error("Expected true, got false")
	}

	bit2, err := reader.GetBit(&branch2)
	if err != nil {
		t.Fatalf("Failed to read bit: %v", err)
	}
	if bit2 {
		t.Error("Expected false, got true")
	}

	bit3, err := reader.GetBit(&branch2)
	if err != nil {
		t.Fatalf("Failed to read bit: %v", err)
	}
	if !bit3 {
		t.Error("Expected true, got false")
	}
}

// TestVPXBoolWriterGridRoundtrip tests grid encoding/decoding
func TestVPXBoolWriterGridRoundtrip(t *testing.T) {
	testValues := []uint8{0, 1, 7, 15}

	for _, val := range testValues {
		t.Run(string(rune('0'+val)), func(t *testing.T) {
			var buf bytes.Buffer

			writer, err := NewVPXBoolWriter(&buf)
			if err != nil {
				t.Fatalf("Failed to create writer: %v", err)
			}

			branches := make([]Branch, 16)
			for i := range branches {
				branches[i] = NewBranch()
			}

			if err := writer.PutGrid(val, branches); err != nil {
				t.Fatalf("Failed to write grid: %v", err)
			}

			if err := writer.Finish(); err != nil {
				t.Fatalf("Failed to finish writer: %v", err)
			}

			// Read back
			reader, err := NewVPXBoolReader(bytes.NewReader(buf.Bytes()))
			if err != nil {
				t.Fatalf("Failed to create reader: %v", err)
			}

			branches2 := make([]Branch, 16)
			for i := range branches2 {
				branches2[i] = NewBranch()
			}

			readVal, err := reader.GetGrid(branches2)
			if err != nil {
				t.Fatalf("Failed to read grid: %v", err)
			}

			if readVal != int(val) {
				t.Errorf("Expected %d, got %d", val, readVal)
			}
		})
	}
}

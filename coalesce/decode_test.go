package coalesce

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/require"
)

// synthesizeJPEG renders a small deterministic gradient/checkerboard image
// and encodes it with the standard library's baseline JPEG encoder, giving
// self-contained round-trip fixtures without depending on an external
// corpus of pre-built .clj/.jpg pairs.
func synthesizeJPEG(t *testing.T, width, height, quality int, gray bool) []byte {
	t.Helper()

	var img image.Image
	if gray {
		g := image.NewGray(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				g.SetGray(x, y, color.Gray{Y: uint8((x*7 + y*13) % 256)})
			}
		}
		img = g
	} else {
		rgba := image.NewRGBA(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				rgba.SetRGBA(x, y, color.RGBA{
					R: uint8((x * 3) % 256),
					G: uint8((y * 5) % 256),
					B: uint8((x + y) % 256),
					A: 255,
				})
			}
		}
		img = rgba
	}

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}))
	return buf.Bytes()
}

func roundTrip(t *testing.T, jpegData []byte) []byte {
	t.Helper()

	var coalesceData bytes.Buffer
	require.NoError(t, Encode(bytes.NewReader(jpegData), &coalesceData))

	decoded, err := DecodeCoalesceBytes(coalesceData.Bytes())
	require.NoError(t, err)
	return decoded
}

// TestDecodeBasicImages exercises decode(encode(J)) == J (spec property P8)
// across a handful of small synthetic baseline JPEGs.
func TestDecodeBasicImages(t *testing.T) {
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
			original := synthesizeJPEG(t, tc.width, tc.height, tc.quality, tc.gray)
			decoded := roundTrip(t, original)
			require.Equal(t, original, decoded)
		})
	}
}

// TestDecodeBaselineImages covers a wider spread of dimensions (odd sizes
// that don't land on an 8- or 16-pixel MCU boundary, single-block images,
// and multi-band-worthy larger ones) still restricted to baseline JPEG,
// the format the core coding engine targets.
func TestDecodeBaselineImages(t *testing.T) {
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
			original := synthesizeJPEG(t, tc.width, tc.height, tc.quality, false)
			decoded := roundTrip(t, original)
			require.Equal(t, original, decoded)
		})
	}
}

// TestDecodeProgressiveImages is skipped: the standard library's jpeg
// encoder cannot emit progressive scans, so there is no way to synthesize
// a progressive fixture without an external tool or corpus. Progressive
// decode/encode support is still implemented (see jpeg_read.go/
// jpeg_writer.go), but no test in this package runs a progressive scan.
func TestDecodeProgressiveImages(t *testing.T) {
	t.Skip("no progressive JPEG fixtures available: Go's stdlib jpeg encoder is baseline-only")
}

// TestDecodeCoalesceHeader checks the parsed Coalesce header against a
// freshly encoded synthetic image.
func TestDecodeCoalesceHeader(t *testing.T) {
	original := synthesizeJPEG(t, 64, 48, 85, false)

	var coalesceData bytes.Buffer
	require.NoError(t, Encode(bytes.NewReader(original), &coalesceData))

	header, err := ReadCoalesceHeader(bytes.NewReader(coalesceData.Bytes()))
	require.NoError(t, err)

	require.Equal(t, CoalesceVersion, header.Version)
	require.NotNil(t, header.JpegHeader)
	require.GreaterOrEqual(t, header.JpegHeader.Cmpc, 1)
	require.LessOrEqual(t, header.JpegHeader.Cmpc, 4)

	t.Logf("Image size: %dx%d", header.JpegHeader.Width, header.JpegHeader.Height)
	t.Logf("Components: %d", header.JpegHeader.Cmpc)
	t.Logf("Thread count: %d", header.ThreadCount)
}

// TestBranch tests the Branch probability tracking
func TestBranch(t *testing.T) {
	b := NewBranch()

	// Initial probability should be 128 (50/50)
	initialProb := b.GetProbability()
	if initialProb != 128 {
		t.Errorf("Expected initial probability 128, got %d", initialProb)
	}

	// Record some false bits and check probability increases
	for i := 0; i < 10; i++ {
		b.RecordAndUpdateBit(false)
	}
	probAfterFalse := b.GetProbability()
	if probAfterFalse <= initialProb {
		t.Errorf("Probability should increase after false bits, got %d", probAfterFalse)
	}

	// Reset and record true bits
	b = NewBranch()
	for i := 0; i < 10; i++ {
		b.RecordAndUpdateBit(true)
	}
	probAfterTrue := b.GetProbability()
	if probAfterTrue >= initialProb {
		t.Errorf("Probability should decrease after true bits, got %d", probAfterTrue)
	}
}

// TestBranchUpdateFalse tests branch updates from reference test cases
func TestBranchUpdateFalse(t *testing.T) {
	testCases := []struct {
		initial  uint16
		expected uint16
	}{
		{0x0101, 0x0201},
		{0x80ff, 0x81ff},
		{0xff01, 0xff01},
		{0xff02, 0x8101},
		{0xffff, 0x8180},
	}

	for _, tc := range testCases {
		b := Branch{}
		b.SetCounts(tc.initial)
		b.RecordAndUpdateBit(false)
		if b.GetCounts() != tc.expected {
			t.Errorf("For initial 0x%04x + false, expected 0x%04x, got 0x%04x",
				tc.initial, tc.expected, b.GetCounts())
		}
	}
}

// TestBranchUpdateTrue tests branch updates from reference test cases
func TestBranchUpdateTrue(t *testing.T) {
	testCases := []struct {
		initial  uint16
		expected uint16
	}{
		{0x0101, 0x0102},
		{0xff80, 0xff81},
		{0x01ff, 0x00ff},
		{0x02ff, 0x0181},
		{0xffff, 0x8081},
	}

	for _, tc := range testCases {
		b := Branch{}
		b.SetCounts(tc.initial)
		b.RecordAndUpdateBit(true)
		if b.GetCounts() != tc.expected {
			t.Errorf("For initial 0x%04x + true, expected 0x%04x, got 0x%04x",
				tc.initial, tc.expected, b.GetCounts())
		}
	}
}

// TestAlignedBlock tests the AlignedBlock operations
func TestAlignedBlock(t *testing.T) {
	block := NewAlignedBlock()

	// Test DC coefficient
	block.SetDC(100)
	if block.GetDC() != 100 {
		t.Errorf("Expected DC 100, got %d", block.GetDC())
	}

	// Test coefficient access
	block.SetCoefficient(10, 50)
	if block.GetCoefficient(10) != 50 {
		t.Errorf("Expected coefficient 50, got %d", block.GetCoefficient(10))
	}

	// Test non-zero count in 7x7 interior (rows 1-7, cols 1-7)
	block2 := NewAlignedBlock()
	block2.RawData[9] = 1  // row 1, col 1 - 7x7 interior
	block2.RawData[17] = 2 // row 2, col 1 - 7x7 interior
	block2.RawData[25] = 3 // row 3, col 1 - 7x7 interior
	count := block2.GetCountOfNonZeros7x7()
	if count != 3 {
		t.Errorf("Expected 3 non-zeros, got %d", count)
	}
}

// TestBitWriter tests the BitWriter functionality
func TestBitWriter(t *testing.T) {
	w := NewBitWriter(1024)

	// Write some bits
	w.Write(0x1, 4) // 0001
	w.Write(0x2, 4) // 0010
	w.Write(0x3, 4) // 0011
	w.Write(0x4, 4) // 0100

	// Pad and get result
	w.Pad(0xFF)
	result := w.DetachBuffer()

	// Should be 0x12 0x34
	if len(result) != 2 {
		t.Errorf("Expected 2 bytes, got %d", len(result))
	}
	if result[0] != 0x12 || result[1] != 0x34 {
		t.Errorf("Expected 0x12 0x34, got %02x %02x", result[0], result[1])
	}
}

// TestQuantizationTables tests quantization table creation
func TestQuantizationTables(t *testing.T) {
	// Standard luminance quantization table
	table := [64]uint16{
		16, 11, 10, 16, 24, 40, 51, 61,
		12, 12, 14, 19, 26, 58, 60, 55,
		14, 13, 16, 24, 40, 57, 69, 56,
		14, 17, 22, 29, 51, 87, 80, 62,
		18, 22, 37, 56, 68, 109, 103, 77,
		24, 35, 55, 64, 81, 104, 113, 92,
		49, 64, 78, 87, 103, 121, 120, 101,
		72, 92, 95, 98, 112, 100, 103, 99,
	}

	qt := NewQuantizationTables(table)

	// Verify table was stored (converted to transposed order)
	if qt.GetQ(0) != 16 {
		t.Errorf("Expected Q[0] = 16, got %d", qt.GetQ(0))
	}
}

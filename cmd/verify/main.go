// Command verify batch-checks a directory of .clj (Coalesce) files: each
// filename is expected to be the lowercase hex SHA-256 of the JPEG it
// decodes to. With -compress it additionally re-encodes the decoded JPEG
// and checks that the round trip still reproduces the same bytes.
package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/coalescejpeg/coalesce/coalesce"
)

var log zerolog.Logger

type testResult struct {
	decompressOK     bool
	compressOK       bool
	roundtripOK      bool
	errMsg           string
	originalCljSize  int // size of original .clj file
	recompressedSize int // size of recompressed .clj data
}

func main() {
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	dirPath := flag.String("dir", "/opt/coalesce_dump", "Directory containing .clj files")
	limit := flag.Int("limit", 0, "Limit number of files to test (0 = no limit)")
	workers := flag.Int("workers", 16, "Number of parallel workers")
	verbose := flag.Bool("v", false, "Verbose output")
	testCompress := flag.Bool("compress", false, "Test compressor (decompress -> compress -> decompress)")
	flag.Parse()

	files, err := os.ReadDir(*dirPath)
	if err != nil {
		log.Fatal().Err(err).Str("dir", *dirPath).Msg("reading directory")
	}

	var cljFiles []string
	for _, f := range files {
		if strings.HasSuffix(f.Name(), ".clj") {
			cljFiles = append(cljFiles, f.Name())
		}
	}

	if *limit > 0 && len(cljFiles) > *limit {
		cljFiles = cljFiles[:*limit]
	}

	if *testCompress {
		fmt.Printf("Testing %d files with %d workers (compress mode)...\n", len(cljFiles), *workers)
	} else {
		fmt.Printf("Testing %d files with %d workers...\n", len(cljFiles), *workers)
	}

	var decompressPass, decompressFail int64
	var compressPass, compressFail int64
	var roundtripPass, roundtripFail int64
	var skipped int64
	var mu sync.Mutex
	var failedFiles []string
	var compressFailedFiles []string
	var processed int64
	var totalOriginalCljBytes int64  // sum of original .clj sizes for ratio calculation
	var totalRecompressedBytes int64 // sum of recompressed sizes for ratio calculation

	jobs := make(chan string, len(cljFiles))
	var wg sync.WaitGroup

	done := make(chan struct{})
	var statusWg sync.WaitGroup
	statusWg.Add(1)
	go func() {
		defer statusWg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n := atomic.LoadInt64(&processed)
				dp := atomic.LoadInt64(&decompressPass)
				df := atomic.LoadInt64(&decompressFail)
				s := atomic.LoadInt64(&skipped)
				if *testCompress {
					cp := atomic.LoadInt64(&compressPass)
					rp := atomic.LoadInt64(&roundtripPass)
					origBytes := atomic.LoadInt64(&totalOriginalCljBytes)
					recompBytes := atomic.LoadInt64(&totalRecompressedBytes)
					ratioStr := "N/A"
					if origBytes > 0 {
						ratioStr = fmt.Sprintf("%.4f", float64(recompBytes)/float64(origBytes))
					}
					fmt.Printf("Progress: %d/%d (decompress: %d/%d, compress: %d, roundtrip: %d, skip: %d, recomp ratio: %s)\n",
						n, len(cljFiles), dp, dp+df, cp, rp, s, ratioStr)
				} else {
					fmt.Printf("Progress: %d/%d processed (%d passed, %d failed, %d skipped)\n",
						n, len(cljFiles), dp, df, s)
				}
			case <-done:
				return
			}
		}
	}()

	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for filename := range jobs {
				result := testFile(*dirPath, filename, *verbose, *testCompress)
				atomic.AddInt64(&processed, 1)

				if result.errMsg == "skip" {
					atomic.AddInt64(&skipped, 1)
					continue
				}

				if result.decompressOK {
					atomic.AddInt64(&decompressPass, 1)
				} else {
					atomic.AddInt64(&decompressFail, 1)
					if result.errMsg != "" {
						mu.Lock()
						failedFiles = append(failedFiles, result.errMsg)
						mu.Unlock()
					}
				}

				if *testCompress && result.decompressOK {
					if result.compressOK {
						atomic.AddInt64(&compressPass, 1)
						if result.roundtripOK {
							atomic.AddInt64(&roundtripPass, 1)
							atomic.AddInt64(&totalOriginalCljBytes, int64(result.originalCljSize))
							atomic.AddInt64(&totalRecompressedBytes, int64(result.recompressedSize))
						} else {
							atomic.AddInt64(&roundtripFail, 1)
							if result.errMsg != "" {
								mu.Lock()
								compressFailedFiles = append(compressFailedFiles, result.errMsg)
								mu.Unlock()
							}
						}
					} else {
						atomic.AddInt64(&compressFail, 1)
						if result.errMsg != "" {
							mu.Lock()
							compressFailedFiles = append(compressFailedFiles, result.errMsg)
							mu.Unlock()
						}
					}
				}
			}
		}()
	}

	for _, f := range cljFiles {
		jobs <- f
	}
	close(jobs)
	wg.Wait()
	close(done)
	statusWg.Wait()

	fmt.Println()
	if *testCompress {
		total := decompressPass + decompressFail
		fmt.Printf("Decompress: %d/%d passed (%.1f%%)\n",
			decompressPass, total, 100*float64(decompressPass)/float64(total))

		if decompressPass > 0 {
			fmt.Printf("Compress:   %d/%d passed (%.1f%%)\n",
				compressPass, decompressPass, 100*float64(compressPass)/float64(decompressPass))
			fmt.Printf("Roundtrip:  %d/%d passed (%.1f%%)\n",
				roundtripPass, decompressPass, 100*float64(roundtripPass)/float64(decompressPass))

			if totalOriginalCljBytes > 0 {
				ratio := float64(totalRecompressedBytes) / float64(totalOriginalCljBytes)
				fmt.Printf("Recompression ratio: %.4f (recompressed %d bytes / original %d bytes)\n",
					ratio, totalRecompressedBytes, totalOriginalCljBytes)
			}
		}

		if skipped > 0 {
			fmt.Printf("\nSkipped: %d\n", skipped)
		}
	} else {
		fmt.Printf("Results: %d passed, %d failed, %d skipped\n", decompressPass, decompressFail, skipped)
	}

	if len(failedFiles) > 0 && len(failedFiles) <= 20 {
		fmt.Println("\nDecompress failed files:")
		for _, f := range failedFiles {
			fmt.Println("  " + f)
		}
	}

	if *testCompress && len(compressFailedFiles) > 0 && len(compressFailedFiles) <= 50 {
		fmt.Println("\nAll compress/roundtrip failed files:")
		for _, f := range compressFailedFiles {
			fmt.Println("  " + f)
		}
	}
}

func testFile(dirPath, filename string, verbose, testCompress bool) testResult {
	result := testResult{}

	// Extract expected SHA256 from filename
	expectedHash := strings.TrimSuffix(filename, ".clj")
	if len(expectedHash) != 64 {
		result.errMsg = "skip"
		return result
	}

	// Read coalesce file
	cljPath := filepath.Join(dirPath, filename)
	cljData, err := os.ReadFile(cljPath)
	if err != nil {
		result.errMsg = fmt.Sprintf("%s: read error: %v", filename, err)
		return result
	}

	// Step 1: Decode coalesce -> JPEG
	decoded, err := coalesce.DecodeCoalesceBytes(cljData)
	if err != nil {
		result.errMsg = fmt.Sprintf("%s: decode error: %v", filename, err)
		return result
	}

	// Verify SHA256
	hash := sha256.Sum256(decoded)
	actualHash := hex.EncodeToString(hash[:])

	if actualHash != expectedHash {
		result.errMsg = fmt.Sprintf("%s: hash mismatch (got %s)", filename, actualHash[:16]+"...")
		return result
	}

	result.decompressOK = true

	if verbose {
		log.Debug().Str("file", filename).Msg("decompress pass")
	}

	if !testCompress {
		return result
	}

	// Step 2: Compress JPEG -> Coalesce
	var recompressed bytes.Buffer
	if err := coalesce.Encode(bytes.NewReader(decoded), &recompressed); err != nil {
		result.errMsg = fmt.Sprintf("%s: compress error: %v", filename, err)
		return result
	}

	result.compressOK = true

	if verbose {
		log.Debug().Str("file", filename).Int("original", len(cljData)).
			Int("recompressed", recompressed.Len()).Msg("compress pass")
	}

	// Step 3: Decode recompressed coalesce -> JPEG
	redecoded, err := coalesce.DecodeCoalesceBytes(recompressed.Bytes())
	if err != nil {
		result.errMsg = fmt.Sprintf("%s: roundtrip decode error: %v", filename, err)
		return result
	}

	// Verify SHA256 of roundtripped JPEG
	hash2 := sha256.Sum256(redecoded)
	actualHash2 := hex.EncodeToString(hash2[:])

	if actualHash2 != expectedHash {
		result.errMsg = fmt.Sprintf("%s: roundtrip hash mismatch (got %s)", filename, actualHash2[:16]+"...")
		return result
	}

	result.roundtripOK = true
	result.originalCljSize = len(cljData)
	result.recompressedSize = recompressed.Len()

	if verbose {
		log.Debug().Str("file", filename).Msg("roundtrip pass")
	}

	return result
}

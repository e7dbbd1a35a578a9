// Package entropy provides the randomness mixed into the per-period
// obfuscation multiplier.
package entropy

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"

	"github.com/drand/tally/common/log"
)

// Size is the number of bytes a Source returns.
const Size = 32

// Source returns fresh entropy, Size bytes long.
type Source interface {
	Entropy(ctx context.Context) ([]byte, error)
}

// GetRandom reads n bytes of randomness from whatever Reader is passed in, and returns
// those bytes as the requested randomness.
func GetRandom(source io.Reader, n uint32) ([]byte, error) {
	if source == nil {
		source = rand.Reader
	}

	randomBytes := make([]byte, n)
	bytesRead, err := io.ReadFull(source, randomBytes)
	if err != nil || uint32(bytesRead) != n {
		// If the custom source fails, fallback to the crypto/rand generator.
		_, err := rand.Read(randomBytes)
		return randomBytes, err
	}
	return randomBytes, nil
}

// ReaderSource draws entropy from an io.Reader, crypto/rand when nil.
type ReaderSource struct {
	r io.Reader
}

// NewReaderSource returns a Source reading from r.
func NewReaderSource(r io.Reader) *ReaderSource {
	return &ReaderSource{r: r}
}

// Entropy implements Source.
func (s *ReaderSource) Entropy(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return GetRandom(s.r, Size)
}

// NewFileReader creates a reader that reads random bytes directly from a file
func NewFileReader(filePath string) io.Reader {
	return &fileReader{
		path: filePath,
	}
}

type fileReader struct {
	path string
}

func (r *fileReader) Read(p []byte) (n int, err error) {
	file, err := os.Open(r.path)
	if err != nil {
		return 0, fmt.Errorf("entropy: cannot open file: %w", err)
	}
	defer file.Close()

	n, err = file.Read(p)
	if err != nil {
		return 0, fmt.Errorf("entropy: error reading from file: %w", err)
	}

	return n, nil
}

// GetReaderFromSource creates a reader for the provided file path
func GetReaderFromSource(sourcePath string, logger log.Logger) (io.Reader, error) {
	fileInfo, err := os.Stat(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("entropy: cannot access source: %w", err)
	}

	if fileInfo.IsDir() {
		return nil, fmt.Errorf("entropy: source path is a directory, not a file")
	}

	logger.Infow("Using file for entropy source", "source", sourcePath)
	return NewFileReader(sourcePath), nil
}

// fallback tries each source in turn.
type fallback struct {
	l       log.Logger
	sources []Source
}

// Fallback returns a Source trying every source in order until one succeeds.
func Fallback(l log.Logger, sources ...Source) Source {
	return &fallback{l: l, sources: sources}
}

func (f *fallback) Entropy(ctx context.Context) ([]byte, error) {
	var err error
	for i, s := range f.sources {
		var b []byte
		b, err = s.Entropy(ctx)
		if err == nil {
			return b, nil
		}
		f.l.Warnw("entropy source failed", "index", i, "err", err)
	}
	if err == nil {
		err = fmt.Errorf("entropy: no source configured")
	}
	return nil, err
}

// Package archive reads and writes header archives and serves them to the
// sync loop as a peer.
//
// An archive is a text file with one header per line: the decimal height, a
// single space, and the hex encoded header. Blank lines and lines starting
// with '#' are ignored. Heights must be strictly increasing.
package archive

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/blockberries/headerberry/sync"
	"github.com/blockberries/headerberry/types"
)

// maxLineSize fits a maximal header encoding with room to spare.
const maxLineSize = 16 * 1024

// Read parses an archive.
func Read(r io.Reader) ([]sync.HeightedHeader, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)

	var (
		headers []sync.HeightedHeader
		lineNo  int
	)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		heightField, hexField, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("%w: line %d: expected \"<height> <header>\"", types.ErrInvalidArchive, lineNo)
		}

		height, err := types.ParseHeight(heightField)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", types.ErrInvalidArchive, lineNo, err)
		}
		if n := len(headers); n > 0 && height <= headers[n-1].Height {
			return nil, fmt.Errorf("%w: line %d: height %d does not follow %d",
				types.ErrInvalidArchive, lineNo, height, headers[n-1].Height)
		}

		header, err := types.NewHeaderFromHex(strings.TrimSpace(hexField))
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", types.ErrInvalidArchive, lineNo, err)
		}

		headers = append(headers, sync.HeightedHeader{Header: header, Height: height})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: line %d: %w", types.ErrInvalidArchive, lineNo+1, err)
	}
	return headers, nil
}

// ReadFile parses the archive at path.
func ReadFile(path string) ([]sync.HeightedHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening header archive: %w", err)
	}
	defer f.Close()

	return Read(f)
}

// Writer writes an archive.
type Writer struct {
	w    *bufio.Writer
	last types.Height
	any  bool
}

// NewWriter creates a Writer on w. Call Flush when done.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write appends one header. Heights must be strictly increasing.
func (w *Writer) Write(height types.Height, header *types.Header) error {
	if w.any && height <= w.last {
		return fmt.Errorf("%w: height %d does not follow %d", types.ErrInvalidArchive, height, w.last)
	}
	if _, err := fmt.Fprintf(w.w, "%d %s\n", height, header.Hex()); err != nil {
		return err
	}
	w.last = height
	w.any = true
	return nil
}

// Flush writes any buffered data.
func (w *Writer) Flush() error {
	return w.w.Flush()
}

// WriteFile writes headers to a new archive at path.
func WriteFile(path string, headers []sync.HeightedHeader) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating header archive: %w", err)
	}

	w := NewWriter(f)
	for _, hh := range headers {
		if err := w.Write(hh.Height, hh.Header); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

package symbolizer

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// DataLoader reads a text file line by line. Files ending in .zst are
// decompressed on the fly.
type DataLoader struct {
	Path string
}

func NewDataLoader(path string) *DataLoader {
	return &DataLoader{Path: path}
}

func (d *DataLoader) ReadLines() ([]string, error) {
	slog.Debug("Loading lines from file", "path", d.Path)
	f, err := os.Open(d.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(d.Path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		r = dec
	}

	var lines []string
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for s.Scan() {
		lines = append(lines, s.Text())
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

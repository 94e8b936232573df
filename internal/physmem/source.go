package physmem

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sys/unix"
)

var errSourceClosed = errors.New("physmem: source closed")

// Source is the byte provider behind one or more segments.
type Source interface {
	io.ReaderAt
	Name() string
	Size() uint64
	Close() error
}

// slicer is implemented by sources that can hand out views of their
// backing memory without copying.
type slicer interface {
	slice(off, n uint64) ([]byte, bool)
}

// BytesSource is an in-memory Source. Decompressed dump files and
// synthetic test images use it.
type BytesSource struct {
	name string
	data []byte
}

func NewBytesSource(name string, data []byte) *BytesSource {
	return &BytesSource{name: name, data: data}
}

func (b *BytesSource) Name() string { return b.name }
func (b *BytesSource) Size() uint64 { return uint64(len(b.data)) }
func (b *BytesSource) Close() error { return nil }

func (b *BytesSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("physmem: negative offset %d", off)
	}
	if uint64(off) >= b.Size() {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *BytesSource) slice(off, n uint64) ([]byte, bool) {
	if off > b.Size() || n > b.Size()-off {
		return nil, false
	}
	return b.data[off : off+n : off+n], true
}

// mmapSource is a read-only memory-mapped dump file.
type mmapSource struct {
	name string
	data []byte
}

func openMmap(path string) (*mmapSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	size := st.Size()
	if size == 0 {
		return &mmapSource{name: path, data: []byte{}}, nil
	}
	if size != int64(int(size)) {
		return nil, fmt.Errorf("physmem: file %q is too large to map", path)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("physmem: mmap %s: %w", path, err)
	}
	return &mmapSource{name: path, data: data}, nil
}

func (m *mmapSource) Name() string { return m.name }
func (m *mmapSource) Size() uint64 { return uint64(len(m.data)) }

func (m *mmapSource) ReadAt(p []byte, off int64) (int, error) {
	if m.data == nil {
		return 0, errSourceClosed
	}
	if off < 0 {
		return 0, fmt.Errorf("physmem: negative offset %d", off)
	}
	if uint64(off) >= m.Size() {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *mmapSource) slice(off, n uint64) ([]byte, bool) {
	if m.data == nil || off > m.Size() || n > m.Size()-off {
		return nil, false
	}
	return m.data[off : off+n : off+n], true
}

func (m *mmapSource) Close() error {
	if m.data == nil {
		return nil
	}
	var err error
	if len(m.data) > 0 {
		err = unix.Munmap(m.data)
	}
	m.data = nil
	return err
}

// OpenSource opens a dump file. Files ending in .zst are decompressed
// into memory; everything else is mapped read-only.
func OpenSource(path string) (Source, error) {
	if !strings.HasSuffix(path, ".zst") {
		return openMmap(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("physmem: zstd %s: %w", path, err)
	}
	defer dec.Close()
	data, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("physmem: decompress %s: %w", path, err)
	}
	return NewBytesSource(strings.TrimSuffix(path, ".zst"), data), nil
}

package epd

import (
	"errors"
	"io"
)

// Bitmap is a packed 1 bit per pixel, row-major image source. Rows are
// padded to whole bytes and the most significant bit is the leftmost pixel.
type Bitmap interface {
	io.ReaderAt
	// Len returns the number of bytes in the bitmap.
	Len() int
}

// Bytes is a Bitmap held in memory.
type Bytes []byte

// Len implements Bitmap.
func (b Bytes) Len() int { return len(b) }

// ReadAt implements io.ReaderAt.
func (b Bytes) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("epd: negative offset")
	}
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// PageSize is the read granularity of Paged.
const PageSize = 512

// Paged is a Bitmap read through an io.ReaderAt one page at a time, for
// images kept in a file, flash or any other storage that is not directly
// addressable.
type Paged struct {
	r    io.ReaderAt
	size int

	page  []byte
	base  int64
	valid int
}

// NewPaged returns a Bitmap of size bytes backed by r.
func NewPaged(r io.ReaderAt, size int) *Paged {
	return &Paged{r: r, size: size, base: -1}
}

// Len implements Bitmap.
func (p *Paged) Len() int { return p.size }

// ReadAt implements io.ReaderAt.
func (p *Paged) ReadAt(dst []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("epd: negative offset")
	}
	n := 0
	for n < len(dst) {
		pos := off + int64(n)
		if pos >= int64(p.size) {
			return n, io.EOF
		}
		if err := p.load(pos - pos%PageSize); err != nil {
			return n, err
		}
		i := int(pos - p.base)
		if i >= p.valid {
			return n, io.EOF
		}
		n += copy(dst[n:], p.page[i:p.valid])
	}
	return n, nil
}

func (p *Paged) load(base int64) error {
	if p.base == base {
		return nil
	}
	if p.page == nil {
		p.page = make([]byte, PageSize)
	}
	want := PageSize
	if rem := int64(p.size) - base; rem < int64(want) {
		want = int(rem)
	}
	m, err := p.r.ReadAt(p.page[:want], base)
	if err != nil && !(errors.Is(err, io.EOF) && m > 0) {
		p.base = -1
		return err
	}
	p.base = base
	p.valid = m
	return nil
}

// readRow fills dst from b at off. Bytes past the end of b read as zero.
func readRow(b Bitmap, dst []byte, off int) error {
	n, err := b.ReadAt(dst, int64(off))
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	clear(dst[n:])
	return nil
}

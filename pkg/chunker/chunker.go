package chunker

import (
	"fmt"
	"io"

	boxochunker "github.com/ipfs/boxo/chunker"
	"github.com/pkg/errors"
)

const (
	// DefaultChunkSize is the maximum number of bytes per leaf block.
	DefaultChunkSize int64 = 1 << 20

	// MaxChunkSize keeps every leaf record well under the largest
	// section a CAR reader accepts.
	MaxChunkSize int64 = 16 << 20
)

var (
	ErrInvalidSize    = errors.New("chunk size must be between 1 byte and 16MiB")
	ErrNotRestartable = errors.New("source cannot be restarted")
)

// IOError reports a failure reading the underlying stream.
type IOError struct {
	Stage  string
	Offset int64
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: read failed at offset %d: %v", e.Stage, e.Offset, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Chunker splits a stream into fixed size chunks. Every chunk is at most
// the configured size; only the final chunk may be shorter.
//
// An empty stream yields a single empty chunk so that every input maps
// to at least one leaf.
type Chunker struct {
	src  io.Reader
	size int64

	split   boxochunker.Splitter
	offset  int64
	emitted bool
	done    bool
}

func New(r io.Reader, size int64) (*Chunker, error) {
	if size <= 0 || size > MaxChunkSize {
		return nil, ErrInvalidSize
	}

	return &Chunker{
		src:   r,
		size:  size,
		split: boxochunker.NewSizeSplitter(r, size),
	}, nil
}

// Next returns the next chunk, or io.EOF once the stream is exhausted.
func (c *Chunker) Next() ([]byte, error) {
	if c.done {
		return nil, io.EOF
	}

	b, err := c.split.NextBytes()
	if err == io.EOF {
		c.done = true
		if !c.emitted {
			c.emitted = true
			return []byte{}, nil
		}
		return nil, io.EOF
	}
	if err != nil {
		c.done = true
		return nil, &IOError{Stage: "chunker", Offset: c.offset, Err: err}
	}

	c.emitted = true
	c.offset += int64(len(b))

	return b, nil
}

// Offset is the number of bytes consumed so far.
func (c *Chunker) Offset() int64 {
	return c.offset
}

// Size is the configured maximum chunk size.
func (c *Chunker) Size() int64 {
	return c.size
}

// Reset rewinds the chunker to the start of the stream. Only seekable
// sources can be restarted.
func (c *Chunker) Reset() error {
	s, ok := c.src.(io.Seeker)
	if !ok {
		return ErrNotRestartable
	}

	if _, err := s.Seek(0, io.SeekStart); err != nil {
		return &IOError{Stage: "chunker", Offset: c.offset, Err: errors.Wrap(err, "rewinding source")}
	}

	c.split = boxochunker.NewSizeSplitter(c.src, c.size)
	c.offset = 0
	c.emitted = false
	c.done = false

	return nil
}

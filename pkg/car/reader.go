package car

import (
	"bufio"
	"io"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"
	"github.com/pkg/errors"
)

const (
	// maxSectionSize bounds a single header or block record. It stays
	// above the largest leaf chunker.MaxChunkSize allows.
	maxSectionSize = 32 << 20
)

// Reader decodes a CARv1 stream one block at a time.
type Reader struct {
	r      *bufio.Reader
	header *Header
}

// NewReader reads and validates the CAR header from r.
func NewReader(r io.Reader) (*Reader, error) {
	cr := &Reader{r: bufio.NewReader(r)}

	b, err := cr.readSection()
	if err == io.EOF {
		return nil, errors.Wrap(io.ErrUnexpectedEOF, "reading car header")
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading car header")
	}

	h, err := UnmarshalHeader(b)
	if err != nil {
		return nil, err
	}
	cr.header = h

	return cr, nil
}

func (r *Reader) Roots() []cid.Cid {
	return r.header.Roots
}

func (r *Reader) Header() *Header {
	return r.header
}

// Next returns the next block, or io.EOF when the stream is exhausted.
// The block data is checked against its CID.
func (r *Reader) Next() (blocks.Block, error) {
	b, err := r.readSection()
	if err != nil {
		return nil, err
	}

	n, c, err := cid.CidFromBytes(b)
	if err != nil {
		return nil, errors.Wrap(err, "reading block cid")
	}
	data := b[n:]

	sum, err := c.Prefix().Sum(data)
	if err != nil {
		return nil, errors.Wrapf(err, "hashing %s", c)
	}
	if !sum.Equals(c) {
		return nil, &EncodingError{Stage: "car", Cid: c, Err: ErrBlockMismatch}
	}

	return blocks.NewBlockWithCid(data, c)
}

func (r *Reader) readSection() ([]byte, error) {
	l, err := varint.ReadUvarint(r.r)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "reading section length")
	}

	if l == 0 {
		return nil, errors.New("zero length section")
	}
	if l > maxSectionSize {
		return nil, errors.Errorf("section of %d bytes exceeds limit", l)
	}

	b := make([]byte, l)
	if _, err := io.ReadFull(r.r, b); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.Wrap(err, "reading section")
	}

	return b, nil
}

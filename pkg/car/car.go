package car

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"
	"github.com/pkg/errors"

	"github.com/tcfw/w3s/pkg/storage"
)

const (
	Version1 uint64 = 1

	// cidTag is the CBOR tag for IPLD links.
	cidTag = 42

	ContentType = "application/vnd.ipld.car"
)

var (
	ErrNoRoots       = errors.New("car has no roots")
	ErrRootMissing   = errors.New("root not among blocks")
	ErrBadVersion    = errors.New("unsupported car version")
	ErrBlockMismatch = errors.New("block data does not match cid")
)

var encMode cbor.EncMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("car: CBOR encoder initialization failed: " + err.Error())
	}
}

// EncodingError reports a violation of the CAR or DAG invariants.
type EncodingError struct {
	Stage string
	Cid   cid.Cid
	Err   error
}

func (e *EncodingError) Error() string {
	if e.Cid.Defined() {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Cid, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// Header is the CARv1 header. Field order matches the canonical
// DAG-CBOR key order.
type Header struct {
	Roots   []cid.Cid
	Version uint64
}

type cborHeader struct {
	Roots   []cborLink `cbor:"roots"`
	Version uint64     `cbor:"version"`
}

type cborLink cid.Cid

func (l cborLink) MarshalCBOR() ([]byte, error) {
	b := cid.Cid(l).Bytes()
	content := make([]byte, 0, len(b)+1)
	//multibase identity prefix
	content = append(content, 0)
	content = append(content, b...)

	return encMode.Marshal(cbor.Tag{Number: cidTag, Content: content})
}

func (l *cborLink) UnmarshalCBOR(b []byte) error {
	var t cbor.Tag
	if err := cbor.Unmarshal(b, &t); err != nil {
		return errors.Wrap(err, "decoding link tag")
	}
	if t.Number != cidTag {
		return errors.Errorf("unexpected cbor tag %d", t.Number)
	}

	content, ok := t.Content.([]byte)
	if !ok || len(content) < 1 || content[0] != 0 {
		return errors.New("malformed cid link")
	}

	c, err := cid.Cast(content[1:])
	if err != nil {
		return errors.Wrap(err, "casting link cid")
	}
	*l = cborLink(c)

	return nil
}

func (h *Header) Marshal() ([]byte, error) {
	if len(h.Roots) == 0 {
		return nil, ErrNoRoots
	}

	ch := cborHeader{Version: h.Version, Roots: make([]cborLink, len(h.Roots))}
	for i, r := range h.Roots {
		ch.Roots[i] = cborLink(r)
	}

	return encMode.Marshal(ch)
}

func UnmarshalHeader(b []byte) (*Header, error) {
	ch := cborHeader{}
	if err := cbor.Unmarshal(b, &ch); err != nil {
		return nil, errors.Wrap(err, "decoding car header")
	}

	if ch.Version != Version1 {
		return nil, errors.Wrapf(ErrBadVersion, "version %d", ch.Version)
	}

	h := &Header{Version: ch.Version, Roots: make([]cid.Cid, len(ch.Roots))}
	for i, r := range ch.Roots {
		h.Roots[i] = cid.Cid(r)
	}

	if len(h.Roots) == 0 {
		return nil, ErrNoRoots
	}

	return h, nil
}

// HeaderSize is the number of bytes the length prefixed header for
// roots occupies.
func HeaderSize(roots []cid.Cid) (int64, error) {
	h := &Header{Roots: roots, Version: Version1}
	b, err := h.Marshal()
	if err != nil {
		return 0, err
	}

	return int64(varint.UvarintSize(uint64(len(b))) + len(b)), nil
}

// BlockSize is the number of bytes the length prefixed record for b
// occupies.
func BlockSize(b blocks.Block) int64 {
	n := b.Cid().ByteLen() + len(b.RawData())
	return int64(varint.UvarintSize(uint64(n)) + n)
}

func WriteHeader(w io.Writer, roots []cid.Cid) (int64, error) {
	h := &Header{Roots: roots, Version: Version1}
	b, err := h.Marshal()
	if err != nil {
		return 0, err
	}

	return writeSection(w, b)
}

func WriteBlock(w io.Writer, b blocks.Block) (int64, error) {
	return writeSection(w, b.Cid().Bytes(), b.RawData())
}

func writeSection(w io.Writer, parts ...[]byte) (int64, error) {
	var l int
	for _, p := range parts {
		l += len(p)
	}

	n, err := w.Write(varint.ToUvarint(uint64(l)))
	total := int64(n)
	if err != nil {
		return total, err
	}

	for _, p := range parts {
		n, err := w.Write(p)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// Encode writes a CARv1 archive holding every block of src, in source
// order. Each root must be present in src.
func Encode(ctx context.Context, w io.Writer, roots []cid.Cid, src storage.BlockSource) (int64, error) {
	if err := checkRoots(ctx, roots, src); err != nil {
		return 0, err
	}

	bw := bufio.NewWriter(w)

	total, err := WriteHeader(bw, roots)
	if err != nil {
		return total, errors.Wrap(err, "writing car header")
	}

	err = src.ForEach(ctx, func(b blocks.Block) error {
		n, err := WriteBlock(bw, b)
		total += n
		return err
	})
	if err != nil {
		return total, errors.Wrap(err, "writing car block")
	}

	return total, bw.Flush()
}

func checkRoots(ctx context.Context, roots []cid.Cid, src storage.Getter) error {
	if len(roots) == 0 {
		return &EncodingError{Stage: "car", Err: ErrNoRoots}
	}

	for _, r := range roots {
		has, err := src.Has(ctx, r)
		if err != nil {
			return errors.Wrap(err, "looking up root")
		}
		if !has {
			return &EncodingError{Stage: "car", Cid: r, Err: ErrRootMissing}
		}
	}

	return nil
}

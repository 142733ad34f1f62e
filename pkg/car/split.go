package car

import (
	"bufio"
	"context"
	"io"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"

	"github.com/tcfw/w3s/pkg/storage"
)

var (
	ErrBlockTooLarge = errors.New("block does not fit in a car part")

	errPartDone = errors.New("part done")
)

// Part is a contiguous run of blocks, by position in the source, that
// encodes to a CAR of exactly Size bytes.
type Part struct {
	Index int
	First int
	Count int
	Size  int64
}

// Split plans the parts needed to send every block of src in CARs no
// larger than maxSize. Every part carries the same roots in its header.
func Split(ctx context.Context, roots []cid.Cid, src storage.BlockSource, maxSize int64) ([]Part, error) {
	if err := checkRoots(ctx, roots, src); err != nil {
		return nil, err
	}

	hs, err := HeaderSize(roots)
	if err != nil {
		return nil, err
	}

	var (
		parts []Part
		cur   = Part{Size: hs}
		pos   int
	)

	err = src.ForEach(ctx, func(b blocks.Block) error {
		bs := BlockSize(b)
		if hs+bs > maxSize {
			return &EncodingError{Stage: "split", Cid: b.Cid(), Err: ErrBlockTooLarge}
		}

		if cur.Count > 0 && cur.Size+bs > maxSize {
			parts = append(parts, cur)
			cur = Part{Index: len(parts), First: pos, Size: hs}
		}

		cur.Count++
		cur.Size += bs
		pos++

		return nil
	})
	if err != nil {
		return nil, err
	}

	if cur.Count > 0 {
		parts = append(parts, cur)
	}

	return parts, nil
}

// EncodePart writes the CAR for p. src must yield the same blocks in the
// same order as when p was planned.
func EncodePart(ctx context.Context, w io.Writer, roots []cid.Cid, src storage.BlockSource, p Part) (int64, error) {
	bw := bufio.NewWriter(w)

	total, err := WriteHeader(bw, roots)
	if err != nil {
		return total, errors.Wrap(err, "writing car header")
	}

	var pos int
	end := p.First + p.Count

	err = src.ForEach(ctx, func(b blocks.Block) error {
		if pos >= end {
			return errPartDone
		}
		pos++

		if pos <= p.First {
			return nil
		}

		n, err := WriteBlock(bw, b)
		total += n
		return err
	})
	if err != nil && err != errPartDone {
		return total, errors.Wrap(err, "writing car block")
	}

	if pos < end {
		return total, &EncodingError{Stage: "split", Err: errors.Errorf("source has %d blocks, part needs %d", pos, end)}
	}

	return total, bw.Flush()
}

package dag

import (
	"context"
	"io"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"

	"github.com/tcfw/w3s/pkg/storage"
)

var (
	ErrMissingBlock     = errors.New("block missing from dag")
	ErrUnsupportedCodec = errors.New("unsupported codec")
	ErrSizeMismatch     = errors.New("file size does not match content")
)

// Links decodes the child links of a block. Raw blocks have none.
func Links(b blocks.Block) ([]Link, error) {
	switch b.Cid().Type() {
	case cid.Raw:
		return nil, nil
	case cid.DagProtobuf:
		n, err := UnmarshalNode(b.RawData())
		if err != nil {
			return nil, errors.Wrapf(err, "decoding %s", b.Cid())
		}
		return n.Links, nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedCodec, "codec 0x%x", b.Cid().Type())
	}
}

// Walk calls fn once for every distinct block reachable from root,
// parents before children.
func Walk(ctx context.Context, g storage.Getter, root cid.Cid, fn func(blocks.Block) error) error {
	visited := cid.NewSet()
	stack := []cid.Cid{root}

	for len(stack) != 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		//pop
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if !visited.Visit(c) {
			continue
		}

		b, err := g.Get(ctx, c)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return errors.Wrapf(ErrMissingBlock, "%s", c)
			}
			return errors.Wrapf(err, "getting %s", c)
		}

		if fn != nil {
			if err := fn(b); err != nil {
				return err
			}
		}

		links, err := Links(b)
		if err != nil {
			return err
		}

		//push in reverse so children are visited in link order
		for i := len(links) - 1; i >= 0; i-- {
			stack = append(stack, links[i].Cid)
		}
	}

	return nil
}

// Validate checks that every block reachable from root is present.
func Validate(ctx context.Context, g storage.Getter, root cid.Cid) error {
	return Walk(ctx, g, root, nil)
}

// WriteTo reassembles the file rooted at root into w.
func WriteTo(ctx context.Context, g storage.Getter, root cid.Cid, w io.Writer) (int64, error) {
	return writeNode(ctx, g, root, w)
}

func writeNode(ctx context.Context, g storage.Getter, c cid.Cid, w io.Writer) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b, err := g.Get(ctx, c)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, errors.Wrapf(ErrMissingBlock, "%s", c)
		}
		return 0, errors.Wrapf(err, "getting %s", c)
	}

	switch c.Type() {
	case cid.Raw:
		n, err := w.Write(b.RawData())
		return int64(n), err
	case cid.DagProtobuf:
	default:
		return 0, errors.Wrapf(ErrUnsupportedCodec, "codec 0x%x", c.Type())
	}

	node, err := UnmarshalNode(b.RawData())
	if err != nil {
		return 0, errors.Wrapf(err, "decoding %s", c)
	}

	fd, err := UnmarshalFileData(node.Data)
	if err != nil {
		return 0, errors.Wrapf(err, "decoding unixfs data of %s", c)
	}

	if fd.Type != DataTypeFile && fd.Type != DataTypeRaw {
		return 0, errors.Errorf("%s is not a file (type %d)", c, fd.Type)
	}

	var total int64

	if len(fd.Data) > 0 {
		n, err := w.Write(fd.Data)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}

	for _, l := range node.Links {
		n, err := writeNode(ctx, g, l.Cid, w)
		total += n
		if err != nil {
			return total, err
		}
	}

	if uint64(total) != fd.FileSize {
		return total, errors.Wrapf(ErrSizeMismatch, "%s: wrote %d bytes, expected %d", c, total, fd.FileSize)
	}

	return total, nil
}

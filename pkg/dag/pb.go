package dag

import (
	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// dag-pb field numbers. Links are always written before Data, which is
// the canonical dag-pb byte order.
const (
	pbNodeData  protowire.Number = 1
	pbNodeLinks protowire.Number = 2

	pbLinkHash  protowire.Number = 1
	pbLinkName  protowire.Number = 2
	pbLinkTsize protowire.Number = 3
)

// UnixFS Data message field numbers.
const (
	ufsType       protowire.Number = 1
	ufsData       protowire.Number = 2
	ufsFileSize   protowire.Number = 3
	ufsBlockSizes protowire.Number = 4
)

type DataType uint64

const (
	DataTypeRaw       DataType = 0
	DataTypeDirectory DataType = 1
	DataTypeFile      DataType = 2
)

var (
	ErrMalformedNode = errors.New("malformed dag-pb node")
)

// Link points at a child block. Size is the number of file bytes below
// the link, Tsize the encoded size of the whole linked subgraph.
type Link struct {
	Cid   cid.Cid
	Name  string
	Size  uint64
	Tsize uint64
}

// Node is a decoded dag-pb node.
type Node struct {
	Links []Link
	Data  []byte
}

func (n *Node) Marshal() []byte {
	var b []byte

	for _, l := range n.Links {
		var lb []byte
		lb = protowire.AppendTag(lb, pbLinkHash, protowire.BytesType)
		lb = protowire.AppendBytes(lb, l.Cid.Bytes())
		lb = protowire.AppendTag(lb, pbLinkName, protowire.BytesType)
		lb = protowire.AppendString(lb, l.Name)
		lb = protowire.AppendTag(lb, pbLinkTsize, protowire.VarintType)
		lb = protowire.AppendVarint(lb, l.Tsize)

		b = protowire.AppendTag(b, pbNodeLinks, protowire.BytesType)
		b = protowire.AppendBytes(b, lb)
	}

	if n.Data != nil {
		b = protowire.AppendTag(b, pbNodeData, protowire.BytesType)
		b = protowire.AppendBytes(b, n.Data)
	}

	return b
}

func UnmarshalNode(b []byte) (*Node, error) {
	n := &Node{}

	for len(b) > 0 {
		num, typ, l := protowire.ConsumeTag(b)
		if l < 0 {
			return nil, errors.Wrap(protowire.ParseError(l), "reading node tag")
		}
		b = b[l:]

		switch {
		case num == pbNodeData && typ == protowire.BytesType:
			v, l := protowire.ConsumeBytes(b)
			if l < 0 {
				return nil, errors.Wrap(protowire.ParseError(l), "reading node data")
			}
			n.Data = append([]byte{}, v...)
			b = b[l:]
		case num == pbNodeLinks && typ == protowire.BytesType:
			v, l := protowire.ConsumeBytes(b)
			if l < 0 {
				return nil, errors.Wrap(protowire.ParseError(l), "reading node link")
			}
			link, err := unmarshalLink(v)
			if err != nil {
				return nil, err
			}
			n.Links = append(n.Links, link)
			b = b[l:]
		default:
			return nil, errors.Wrapf(ErrMalformedNode, "unexpected field %d", num)
		}
	}

	return n, nil
}

func unmarshalLink(b []byte) (Link, error) {
	var link Link

	for len(b) > 0 {
		num, typ, l := protowire.ConsumeTag(b)
		if l < 0 {
			return link, errors.Wrap(protowire.ParseError(l), "reading link tag")
		}
		b = b[l:]

		switch {
		case num == pbLinkHash && typ == protowire.BytesType:
			v, l := protowire.ConsumeBytes(b)
			if l < 0 {
				return link, errors.Wrap(protowire.ParseError(l), "reading link hash")
			}
			c, err := cid.Cast(v)
			if err != nil {
				return link, errors.Wrap(err, "casting link cid")
			}
			link.Cid = c
			b = b[l:]
		case num == pbLinkName && typ == protowire.BytesType:
			v, l := protowire.ConsumeBytes(b)
			if l < 0 {
				return link, errors.Wrap(protowire.ParseError(l), "reading link name")
			}
			link.Name = string(v)
			b = b[l:]
		case num == pbLinkTsize && typ == protowire.VarintType:
			v, l := protowire.ConsumeVarint(b)
			if l < 0 {
				return link, errors.Wrap(protowire.ParseError(l), "reading link tsize")
			}
			link.Tsize = v
			b = b[l:]
		default:
			return link, errors.Wrapf(ErrMalformedNode, "unexpected link field %d", num)
		}
	}

	if !link.Cid.Defined() {
		return link, errors.Wrap(ErrMalformedNode, "link without hash")
	}

	return link, nil
}

// FileData is the UnixFS payload carried in a dag-pb node's Data.
type FileData struct {
	Type       DataType
	Data       []byte
	FileSize   uint64
	BlockSizes []uint64
}

func (f *FileData) Marshal() []byte {
	var b []byte

	b = protowire.AppendTag(b, ufsType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Type))

	if len(f.Data) > 0 {
		b = protowire.AppendTag(b, ufsData, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Data)
	}

	if f.Type == DataTypeFile || f.Type == DataTypeRaw {
		b = protowire.AppendTag(b, ufsFileSize, protowire.VarintType)
		b = protowire.AppendVarint(b, f.FileSize)
	}

	for _, s := range f.BlockSizes {
		b = protowire.AppendTag(b, ufsBlockSizes, protowire.VarintType)
		b = protowire.AppendVarint(b, s)
	}

	return b
}

func UnmarshalFileData(b []byte) (*FileData, error) {
	f := &FileData{}

	for len(b) > 0 {
		num, typ, l := protowire.ConsumeTag(b)
		if l < 0 {
			return nil, errors.Wrap(protowire.ParseError(l), "reading unixfs tag")
		}
		b = b[l:]

		switch {
		case num == ufsType && typ == protowire.VarintType:
			v, l := protowire.ConsumeVarint(b)
			if l < 0 {
				return nil, errors.Wrap(protowire.ParseError(l), "reading unixfs type")
			}
			f.Type = DataType(v)
			b = b[l:]
		case num == ufsData && typ == protowire.BytesType:
			v, l := protowire.ConsumeBytes(b)
			if l < 0 {
				return nil, errors.Wrap(protowire.ParseError(l), "reading unixfs data")
			}
			f.Data = append([]byte{}, v...)
			b = b[l:]
		case num == ufsFileSize && typ == protowire.VarintType:
			v, l := protowire.ConsumeVarint(b)
			if l < 0 {
				return nil, errors.Wrap(protowire.ParseError(l), "reading unixfs filesize")
			}
			f.FileSize = v
			b = b[l:]
		case num == ufsBlockSizes && typ == protowire.VarintType:
			v, l := protowire.ConsumeVarint(b)
			if l < 0 {
				return nil, errors.Wrap(protowire.ParseError(l), "reading unixfs blocksize")
			}
			f.BlockSizes = append(f.BlockSizes, v)
			b = b[l:]
		case num == ufsBlockSizes && typ == protowire.BytesType:
			//packed encoding
			v, l := protowire.ConsumeBytes(b)
			if l < 0 {
				return nil, errors.Wrap(protowire.ParseError(l), "reading packed unixfs blocksizes")
			}
			for len(v) > 0 {
				s, sl := protowire.ConsumeVarint(v)
				if sl < 0 {
					return nil, errors.Wrap(protowire.ParseError(sl), "reading packed unixfs blocksize")
				}
				f.BlockSizes = append(f.BlockSizes, s)
				v = v[sl:]
			}
			b = b[l:]
		default:
			//mode, mtime, hash type etc. carry nothing needed for file reads
			l := protowire.ConsumeFieldValue(num, typ, b)
			if l < 0 {
				return nil, errors.Wrap(protowire.ParseError(l), "skipping unixfs field")
			}
			b = b[l:]
		}
	}

	return f, nil
}

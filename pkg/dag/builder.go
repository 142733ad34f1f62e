package dag

import (
	"context"
	"io"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/pkg/errors"

	"github.com/tcfw/w3s/pkg/storage"
)

const (
	// DefaultFanOut is the maximum number of links per node.
	DefaultFanOut = 174
)

var (
	ErrInvalidFanOut     = errors.New("fan out must be at least 2")
	ErrInvalidCIDVersion = errors.New("cid version must be 0 or 1")
	ErrV0Hash            = errors.New("cid version 0 requires sha2-256")
)

// ChunkSource produces the file bytes one chunk at a time, returning
// io.EOF once done.
type ChunkSource interface {
	Next() ([]byte, error)
}

type Options struct {
	FanOut     int
	CIDVersion uint64
	HashFunc   uint64
	RawLeaves  bool
}

type Option func(*Options) error

func WithFanOut(n int) Option {
	return func(o *Options) error {
		o.FanOut = n
		return nil
	}
}

func WithCIDVersion(v uint64) Option {
	return func(o *Options) error {
		o.CIDVersion = v
		return nil
	}
}

func WithHashFunc(code uint64) Option {
	return func(o *Options) error {
		if _, ok := multihash.Codes[code]; !ok {
			return errors.Errorf("unknown multihash code 0x%x", code)
		}
		o.HashFunc = code
		return nil
	}
}

// WithHashName selects the hash function by its multihash name, e.g.
// "sha2-256" or "sha2-512".
func WithHashName(name string) Option {
	return func(o *Options) error {
		code, ok := multihash.Names[name]
		if !ok {
			return errors.Errorf("unknown multihash %q", name)
		}
		o.HashFunc = code
		return nil
	}
}

func WithRawLeaves(raw bool) Option {
	return func(o *Options) error {
		o.RawLeaves = raw
		return nil
	}
}

func DefaultOptions() Options {
	return Options{
		FanOut:     DefaultFanOut,
		CIDVersion: 1,
		HashFunc:   multihash.SHA2_256,
		RawLeaves:  true,
	}
}

// Root describes a built DAG.
type Root struct {
	Cid cid.Cid
	// Size is the number of file bytes.
	Size uint64
	// DagSize is the encoded size of every block in the DAG.
	DagSize uint64
	Leaves  int
	// Blocks is the number of distinct blocks added to the store.
	Blocks int
	Depth  int
}

// Builder lays chunks out as a balanced UnixFS file DAG.
//
// Leaves are grouped in order into parents of at most FanOut links,
// and each level of parents is grouped the same way until a single
// node is left. A file with one chunk is rooted at that leaf. Levels
// are reduced as chunks arrive, so only FanOut pending links per level
// are held in memory.
type Builder struct {
	store storage.BlockStore
	opts  Options

	leafPrefix cid.Prefix
	nodePrefix cid.Prefix

	levels [][]Link
	counts []int
	leaves int
	start  int
}

func NewBuilder(store storage.BlockStore, opts ...Option) (*Builder, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}

	if o.FanOut < 2 {
		return nil, ErrInvalidFanOut
	}

	switch o.CIDVersion {
	case 0:
		if o.HashFunc != multihash.SHA2_256 {
			return nil, ErrV0Hash
		}
		//raw blocks cannot be addressed with v0 cids
		o.RawLeaves = false
	case 1:
	default:
		return nil, ErrInvalidCIDVersion
	}

	b := &Builder{
		store: store,
		opts:  o,
		nodePrefix: cid.Prefix{
			Version:  o.CIDVersion,
			Codec:    cid.DagProtobuf,
			MhType:   o.HashFunc,
			MhLength: -1,
		},
	}

	b.leafPrefix = b.nodePrefix
	if o.RawLeaves {
		b.leafPrefix.Codec = cid.Raw
	}

	return b, nil
}

func (b *Builder) Options() Options {
	return b.opts
}

// Build consumes src and stores every block of the resulting DAG.
func (b *Builder) Build(ctx context.Context, src ChunkSource) (*Root, error) {
	b.levels = nil
	b.counts = nil
	b.leaves = 0
	b.start = b.store.Len()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		chunk, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		if err := b.addLeaf(ctx, chunk); err != nil {
			return nil, err
		}
	}

	if b.leaves == 0 {
		if err := b.addLeaf(ctx, []byte{}); err != nil {
			return nil, err
		}
	}

	return b.finish(ctx)
}

func (b *Builder) addLeaf(ctx context.Context, chunk []byte) error {
	var (
		raw []byte
		l   Link
	)

	if b.opts.RawLeaves {
		raw = chunk
	} else {
		fd := &FileData{Type: DataTypeFile, Data: chunk, FileSize: uint64(len(chunk))}
		raw = (&Node{Data: fd.Marshal()}).Marshal()
	}

	c, err := b.put(ctx, b.leafPrefix, raw)
	if err != nil {
		return errors.Wrap(err, "storing leaf")
	}

	l.Cid = c
	l.Size = uint64(len(chunk))
	l.Tsize = uint64(len(raw))
	b.leaves++

	return b.push(ctx, 0, l)
}

func (b *Builder) push(ctx context.Context, level int, l Link) error {
	for len(b.levels) <= level {
		b.levels = append(b.levels, make([]Link, 0, b.opts.FanOut))
		b.counts = append(b.counts, 0)
	}

	b.levels[level] = append(b.levels[level], l)
	b.counts[level]++

	if len(b.levels[level]) < b.opts.FanOut {
		return nil
	}

	return b.flush(ctx, level)
}

func (b *Builder) flush(ctx context.Context, level int) error {
	parent, err := b.addNode(ctx, b.levels[level])
	if err != nil {
		return err
	}

	b.levels[level] = make([]Link, 0, b.opts.FanOut)

	return b.push(ctx, level+1, parent)
}

func (b *Builder) finish(ctx context.Context) (*Root, error) {
	for level := 0; level < len(b.levels); level++ {
		// a level that only ever saw one link is the top of the tree
		if b.counts[level] == 1 {
			root := b.levels[level][0]
			return &Root{
				Cid:     root.Cid,
				Size:    root.Size,
				DagSize: root.Tsize,
				Leaves:  b.leaves,
				Blocks:  b.store.Len() - b.start,
				Depth:   level,
			}, nil
		}

		if len(b.levels[level]) > 0 {
			if err := b.flush(ctx, level); err != nil {
				return nil, err
			}
		}
	}

	return nil, errors.New("dag has no root")
}

func (b *Builder) addNode(ctx context.Context, links []Link) (Link, error) {
	fd := &FileData{
		Type:       DataTypeFile,
		BlockSizes: make([]uint64, 0, len(links)),
	}

	var tsize uint64
	for _, l := range links {
		fd.FileSize += l.Size
		fd.BlockSizes = append(fd.BlockSizes, l.Size)
		tsize += l.Tsize
	}

	n := &Node{Links: links, Data: fd.Marshal()}
	raw := n.Marshal()

	c, err := b.put(ctx, b.nodePrefix, raw)
	if err != nil {
		return Link{}, errors.Wrap(err, "storing node")
	}

	return Link{
		Cid:   c,
		Size:  fd.FileSize,
		Tsize: tsize + uint64(len(raw)),
	}, nil
}

func (b *Builder) put(ctx context.Context, p cid.Prefix, raw []byte) (cid.Cid, error) {
	c, err := p.Sum(raw)
	if err != nil {
		return cid.Undef, errors.Wrap(err, "hashing block")
	}

	blk, err := blocks.NewBlockWithCid(raw, c)
	if err != nil {
		return cid.Undef, err
	}

	if err := b.store.Put(ctx, blk); err != nil {
		return cid.Undef, err
	}

	return c, nil
}

// Build is a convenience wrapper building src into store with opts.
func Build(ctx context.Context, store storage.BlockStore, src ChunkSource, opts ...Option) (*Root, error) {
	b, err := NewBuilder(store, opts...)
	if err != nil {
		return nil, err
	}

	return b.Build(ctx, src)
}

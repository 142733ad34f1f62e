package storage

import (
	"context"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// Getter reads blocks by CID.
type Getter interface {
	Get(context.Context, cid.Cid) (blocks.Block, error)
	Has(context.Context, cid.Cid) (bool, error)
}

// BlockSource iterates blocks in the order they were first stored.
type BlockSource interface {
	Getter

	ForEach(context.Context, func(blocks.Block) error) error
	Len() int
}

// BlockStore is scratch storage for the blocks of a single DAG. Putting
// a block that is already present is a no-op, so every CID appears once.
type BlockStore interface {
	BlockSource

	Put(context.Context, blocks.Block) error
	Close() error
}

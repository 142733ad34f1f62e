package storage

import (
	"github.com/pkg/errors"

	"github.com/tcfw/w3s/pkg/storage"
)

const (
	// MaxExpectedBlocks caps the dedup filter sizing of scratch stores.
	MaxExpectedBlocks = 1 << 20
)

// Sizing decides where the blocks of a payload are kept while its DAG
// is built.
type Sizing struct {
	MemoryLimit int64
	ChunkSize   int64
	// MaxSize stands in for the payload size when it is unknown.
	MaxSize    int64
	ScratchDir string
}

// OpenBlockStore returns an in memory store for payloads of at most
// MemoryLimit bytes, otherwise a scratch store on disk sized for the
// expected number of blocks. A negative size is unknown.
func OpenBlockStore(size int64, s Sizing) (storage.BlockStore, error) {
	if size >= 0 && size <= s.MemoryLimit {
		return storage.NewMemStore(), nil
	}

	if size < 0 {
		size = s.MaxSize
	}

	st, err := NewScratchStore(s.ScratchDir, ExpectedBlocks(size, s.ChunkSize))
	if err != nil {
		return nil, errors.Wrap(err, "opening scratch store")
	}

	return st, nil
}

// ExpectedBlocks estimates the leaves of a size byte payload, capped at
// MaxExpectedBlocks.
func ExpectedBlocks(size, chunkSize int64) uint {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}

	n := size/chunkSize + 1
	if n > MaxExpectedBlocks {
		return MaxExpectedBlocks
	}

	return uint(n)
}

package storage

import (
	"context"
	"encoding/binary"
	"os"
	"sync"

	"github.com/cockroachdb/pebble"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"

	"github.com/tcfw/w3s/internal/utils/logging"
	"github.com/tcfw/w3s/pkg/storage"
)

var (
	_ storage.BlockStore = (*PebbleStore)(nil)
)

const (
	cacheSize = 1 << 20 * 32
)

type keyType byte

const (
	blockTPrefix keyType = iota + 1
	indexTPrefix
)

// PebbleStore keeps DAG blocks on disk so that payloads larger than
// memory can be turned into CARs. Blocks are iterated in insertion
// order.
type PebbleStore struct {
	db   *pebble.DB
	dir  string
	temp bool

	seen *storage.SeenFilter

	mu     sync.Mutex
	seq    uint64
	closed bool
}

// NewScratchStore opens a pebble store in a fresh temporary directory
// under parent (os.TempDir() if empty). The directory is removed on
// Close.
func NewScratchStore(parent string, expectedBlocks uint) (*PebbleStore, error) {
	dir, err := os.MkdirTemp(parent, "w3s-scratch-")
	if err != nil {
		return nil, errors.Wrap(err, "creating scratch dir")
	}

	s, err := NewPebbleStore(dir, expectedBlocks)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	s.temp = true

	return s, nil
}

func NewPebbleStore(dir string, expectedBlocks uint) (*PebbleStore, error) {
	c := pebble.NewCache(cacheSize)
	tc := pebble.NewTableCache(c, 16, 100)
	defer tc.Unref()
	defer c.Unref()

	db, err := pebble.Open(dir, &pebble.Options{Cache: c, TableCache: tc})
	if err != nil {
		return nil, errors.Wrap(err, "opening block store")
	}

	return &PebbleStore{
		db:   db,
		dir:  dir,
		seen: storage.NewSeenFilter(expectedBlocks),
	}, nil
}

func (s *PebbleStore) Put(_ context.Context, b blocks.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}

	id := b.Cid()
	if s.seen.MaybeHas(id) {
		has, err := s.has(id)
		if err != nil {
			return err
		}
		if has {
			return nil
		}
	}

	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, s.seq)

	idb := id.Bytes()
	v := make([]byte, 0, len(idb)+len(b.RawData()))
	v = append(v, idb...)
	v = append(v, b.RawData()...)

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(typedKey(blockTPrefix, seq), v, nil); err != nil {
		return errors.Wrap(err, "staging block")
	}
	if err := batch.Set(typedKey(indexTPrefix, idb), seq, nil); err != nil {
		return errors.Wrap(err, "staging block index")
	}
	if err := batch.Commit(pebble.NoSync); err != nil {
		return errors.Wrap(err, "storing block")
	}

	s.seen.Add(id)
	s.seq++

	return nil
}

func (s *PebbleStore) has(id cid.Cid) (bool, error) {
	_, done, err := s.db.Get(typedKey(indexTPrefix, id.Bytes()))
	if err != nil {
		if err == pebble.ErrNotFound {
			return false, nil
		}
		return false, errors.Wrap(err, "looking up block index")
	}
	done.Close()

	return true, nil
}

func (s *PebbleStore) Has(_ context.Context, id cid.Cid) (bool, error) {
	if !s.seen.MaybeHas(id) {
		return false, nil
	}

	return s.has(id)
}

func (s *PebbleStore) Get(_ context.Context, id cid.Cid) (blocks.Block, error) {
	seq, done, err := s.db.Get(typedKey(indexTPrefix, id.Bytes()))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, errors.Wrap(err, "looking up block index")
	}
	k := typedKey(blockTPrefix, seq)
	done.Close()

	v, done, err := s.db.Get(k)
	if err != nil {
		return nil, errors.Wrap(err, "reading block")
	}
	defer done.Close()

	return decodeBlock(v)
}

func (s *PebbleStore) ForEach(ctx context.Context, fn func(blocks.Block) error) error {
	iter := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{byte(blockTPrefix)},
		UpperBound: []byte{byte(blockTPrefix) + 1},
	})
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}

		b, err := decodeBlock(iter.Value())
		if err != nil {
			return err
		}

		if err := fn(b); err != nil {
			return err
		}
	}

	return iter.Error()
}

func (s *PebbleStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return int(s.seq)
}

func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	err := s.db.Close()

	if s.temp {
		if rerr := os.RemoveAll(s.dir); rerr != nil {
			logging.WithError(rerr).WithField("dir", s.dir).Warn("removing scratch dir")
		}
	}

	return err
}

// decodeBlock copies v since pebble owns the value buffer.
func decodeBlock(v []byte) (blocks.Block, error) {
	n, id, err := cid.CidFromBytes(v)
	if err != nil {
		return nil, errors.Wrap(err, "decoding stored cid")
	}

	data := make([]byte, len(v)-n)
	copy(data, v[n:])

	return blocks.NewBlockWithCid(data, id)
}

func typedKey(kType keyType, part []byte) []byte {
	k := make([]byte, 0, 1+len(part))
	k = append(k, byte(kType))
	return append(k, part...)
}

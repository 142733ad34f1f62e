package storage

import (
	"context"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

var (
	_ BlockStore = (*MemStore)(nil)
)

type MemStore struct {
	mu sync.RWMutex

	objects map[cid.Cid]blocks.Block
	order   []cid.Cid
	closed  bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		objects: make(map[cid.Cid]blocks.Block),
	}
}

func (m *MemStore) Put(_ context.Context, b blocks.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	if _, ok := m.objects[b.Cid()]; ok {
		return nil
	}

	m.objects[b.Cid()] = b
	m.order = append(m.order, b.Cid())

	return nil
}

func (m *MemStore) Get(_ context.Context, id cid.Cid) (blocks.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.objects[id]
	if !ok {
		return nil, ErrNotFound
	}

	return b, nil
}

func (m *MemStore) Has(_ context.Context, id cid.Cid) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.objects[id]
	return ok, nil
}

func (m *MemStore) ForEach(ctx context.Context, fn func(blocks.Block) error) error {
	m.mu.RLock()
	order := m.order
	m.mu.RUnlock()

	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return err
		}

		b, err := m.Get(ctx, id)
		if err != nil {
			return err
		}

		if err := fn(b); err != nil {
			return err
		}
	}

	return nil
}

func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.order)
}

func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.objects = map[cid.Cid]blocks.Block{}
	m.order = nil

	return nil
}

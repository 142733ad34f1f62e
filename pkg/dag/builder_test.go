package dag

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"

	"github.com/tcfw/w3s/pkg/chunker"
	"github.com/tcfw/w3s/pkg/storage"
)

const emptyRawCID = "bafkreihdwdcefgh4dqkjv67uzcmw7ojee6xedzdetojuzjevtenxquvyku"

func randBytes(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func build(t *testing.T, data []byte, chunkSize int64, opts ...Option) (*Root, *storage.MemStore) {
	t.Helper()

	c, err := chunker.New(bytes.NewReader(data), chunkSize)
	if err != nil {
		t.Fatal(err)
	}

	s := storage.NewMemStore()
	root, err := Build(context.Background(), s, c, opts...)
	if err != nil {
		t.Fatal(err)
	}

	return root, s
}

func TestBuildEmpty(t *testing.T) {
	root, s := build(t, nil, 1024)

	assert.Equal(t, emptyRawCID, root.Cid.String())
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 1, root.Leaves)
	assert.Equal(t, 0, root.Depth)
	assert.Equal(t, uint64(0), root.Size)

	//stable across runs
	again, _ := build(t, []byte{}, 4096)
	assert.Equal(t, root.Cid, again.Cid)
}

func TestBuildSingleLeaf(t *testing.T) {
	data := []byte("0123456789")
	root, s := build(t, data, 1024)

	want, err := cid.Prefix{Version: 1, Codec: cid.Raw, MhType: multihash.SHA2_256, MhLength: -1}.Sum(data)
	if err != nil {
		t.Fatal(err)
	}

	assert.Equal(t, want, root.Cid)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, uint64(10), root.Size)
	assert.Equal(t, uint64(10), root.DagSize)
}

func TestBuildBalancedShape(t *testing.T) {
	const mib = 1 << 20
	data := randBytes(3*mib, 3)

	root, s := build(t, data, mib, WithFanOut(2))

	assert.Equal(t, 3, root.Leaves)
	assert.Equal(t, 2, root.Depth)
	assert.Equal(t, uint64(3*mib), root.Size)
	// 3 leaves, 2 intermediate parents, 1 root
	assert.Equal(t, 6, s.Len())
	assert.Equal(t, 6, root.Blocks)
	assert.Equal(t, uint64(cid.DagProtobuf), root.Cid.Type())

	rootNode := getNode(t, s, root.Cid)
	if !assert.Len(t, rootNode.Links, 2) {
		return
	}

	p1 := getNode(t, s, rootNode.Links[0].Cid)
	p2 := getNode(t, s, rootNode.Links[1].Cid)
	assert.Len(t, p1.Links, 2)
	assert.Len(t, p2.Links, 1)

	for _, l := range append(p1.Links, p2.Links...) {
		assert.Equal(t, uint64(cid.Raw), l.Cid.Type())
		assert.Equal(t, uint64(mib), l.Tsize)
	}

	fd, err := UnmarshalFileData(rootNode.Data)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, DataTypeFile, fd.Type)
	assert.Equal(t, uint64(3*mib), fd.FileSize)
	assert.Equal(t, []uint64{2 * mib, mib}, fd.BlockSizes)
}

func TestBuildKnownRoots(t *testing.T) {
	tests := map[string]struct {
		n     int
		chunk int64
		opts  []Option
		root  string
	}{
		"empty": {
			n:     0,
			chunk: 1 << 20,
			root:  emptyRawCID,
		},
		"three leaves fan out 2": {
			n:     3 << 20,
			chunk: 1 << 20,
			opts:  []Option{WithFanOut(2)},
			root:  "bafybeifhfsrhnvcnyrrthnm4stmqy7ys7le2csva5ac7nqvhlwnb6p3jvy",
		},
		"two levels default fan out": {
			n:     100000,
			chunk: 100,
			root:  "bafybeicksut6e7m74lquf3p3e777jbpv5eoy2e2hxdbg6hj77dnp5qp3ni",
		},
		"cid v0": {
			n:     5000,
			chunk: 100,
			opts:  []Option{WithFanOut(5), WithCIDVersion(0)},
			root:  "QmSraSv9dipgL75T1hUdwYGUNrMe3x4DUX4hQ6BMVMukB2",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			root, _ := build(t, randBytes(test.n, int64(test.n)), test.chunk, test.opts...)
			assert.Equal(t, test.root, root.Cid.String())
		})
	}
}

func TestBuildDeterministic(t *testing.T) {
	data := randBytes(100_000, 42)

	a, _ := build(t, data, 1000, WithFanOut(3))
	b, _ := build(t, data, 1000, WithFanOut(3))
	assert.Equal(t, a.Cid, b.Cid)

	c, _ := build(t, data, 1000, WithFanOut(4))
	assert.NotEqual(t, a.Cid, c.Cid)

	d, _ := build(t, data, 999, WithFanOut(3))
	assert.NotEqual(t, a.Cid, d.Cid)
}

func TestBuildCoverage(t *testing.T) {
	tests := map[string]struct {
		n         int
		chunkSize int64
		opts      []Option
	}{
		"empty":             {n: 0, chunkSize: 16},
		"one chunk":         {n: 16, chunkSize: 16},
		"full fan out":      {n: 16 * 4, chunkSize: 16, opts: []Option{WithFanOut(4)}},
		"deep":              {n: 10_000, chunkSize: 7, opts: []Option{WithFanOut(3)}},
		"default fan out":   {n: 200 * 64, chunkSize: 64},
		"dag-pb leaves":     {n: 5000, chunkSize: 100, opts: []Option{WithRawLeaves(false), WithFanOut(5)}},
		"cid v0":            {n: 5000, chunkSize: 100, opts: []Option{WithCIDVersion(0), WithFanOut(5)}},
		"sha2-512":          {n: 5000, chunkSize: 100, opts: []Option{WithHashName("sha2-512")}},
		"empty dag-pb leaf": {n: 0, chunkSize: 100, opts: []Option{WithRawLeaves(false)}},
	}

	for k, test := range tests {
		t.Run(k, func(t *testing.T) {
			data := randBytes(test.n, int64(test.n))
			root, s := build(t, data, test.chunkSize, test.opts...)

			assert.NoError(t, Validate(context.Background(), s, root.Cid))

			var out bytes.Buffer
			n, err := WriteTo(context.Background(), s, root.Cid, &out)
			if err != nil {
				t.Fatal(err)
			}

			assert.Equal(t, int64(test.n), n)
			assert.True(t, bytes.Equal(data, out.Bytes()))
			assert.Equal(t, uint64(test.n), root.Size)
		})
	}
}

func TestBuildCIDv0(t *testing.T) {
	root, s := build(t, randBytes(1000, 1), 100, WithCIDVersion(0))

	assert.Equal(t, uint64(0), root.Cid.Version())

	err := s.ForEach(context.Background(), func(b blocks.Block) error {
		assert.Equal(t, uint64(cid.DagProtobuf), b.Cid().Type())
		return nil
	})
	assert.NoError(t, err)
}

func TestBuildDagSize(t *testing.T) {
	root, s := build(t, randBytes(50_000, 9), 512, WithFanOut(7))

	var total uint64
	err := s.ForEach(context.Background(), func(b blocks.Block) error {
		total += uint64(len(b.RawData()))
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, total, root.DagSize)
}

func TestBuildDuplicateChunks(t *testing.T) {
	data := make([]byte, 5*64)
	root, s := build(t, data, 64, WithFanOut(10))

	// five identical leaves stored once, plus the root
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 2, root.Blocks)
	assert.Equal(t, 5, root.Leaves)

	var out bytes.Buffer
	if _, err := WriteTo(context.Background(), s, root.Cid, &out); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, data, out.Bytes())
}

func TestLinksPresent(t *testing.T) {
	_, s := build(t, randBytes(20_000, 5), 100, WithFanOut(4))
	ctx := context.Background()

	err := s.ForEach(ctx, func(b blocks.Block) error {
		links, err := Links(b)
		if err != nil {
			return err
		}
		for _, l := range links {
			has, err := s.Has(ctx, l.Cid)
			assert.NoError(t, err)
			assert.True(t, has, "missing %s", l.Cid)
		}
		return nil
	})
	assert.NoError(t, err)
}

func TestValidateMissingBlock(t *testing.T) {
	ctx := context.Background()
	root, s := build(t, randBytes(1000, 2), 100, WithFanOut(3))

	partial := storage.NewMemStore()
	var skipped bool
	err := s.ForEach(ctx, func(b blocks.Block) error {
		if !skipped && b.Cid().Type() == cid.Raw {
			skipped = true
			return nil
		}
		return partial.Put(ctx, b)
	})
	if err != nil {
		t.Fatal(err)
	}

	err = Validate(ctx, partial, root.Cid)
	assert.ErrorIs(t, err, ErrMissingBlock)

	_, err = WriteTo(ctx, partial, root.Cid, &bytes.Buffer{})
	assert.ErrorIs(t, err, ErrMissingBlock)
}

func TestBuilderOptions(t *testing.T) {
	s := storage.NewMemStore()

	_, err := NewBuilder(s, WithFanOut(1))
	assert.Equal(t, ErrInvalidFanOut, err)

	_, err = NewBuilder(s, WithCIDVersion(2))
	assert.Equal(t, ErrInvalidCIDVersion, err)

	_, err = NewBuilder(s, WithCIDVersion(0), WithHashName("sha2-512"))
	assert.Equal(t, ErrV0Hash, err)

	_, err = NewBuilder(s, WithHashName("nope"))
	assert.Error(t, err)

	b, err := NewBuilder(s, WithCIDVersion(0))
	if assert.NoError(t, err) {
		assert.False(t, b.Options().RawLeaves)
	}
}

func getNode(t *testing.T, s storage.Getter, c cid.Cid) *Node {
	t.Helper()

	b, err := s.Get(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}

	n, err := UnmarshalNode(b.RawData())
	if err != nil {
		t.Fatal(err)
	}

	return n
}

package w3s

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/tcfw/w3s/pkg/car"
	"github.com/tcfw/w3s/pkg/chunker"
	"github.com/tcfw/w3s/pkg/dag"
	"github.com/tcfw/w3s/pkg/storage"
)

const testToken = "secret"

// fakeService records requests and stores CAR blocks like the real API.
type fakeService struct {
	t *testing.T

	mu      sync.Mutex
	blocks  *storage.MemStore
	uploads [][]byte
	names   []string
	cars    int
	carRoot string
}

func newFakeService(t *testing.T) (*fakeService, *httptest.Server) {
	f := &fakeService{t: t, blocks: storage.NewMemStore()}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	return f, srv
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(errorResponse{Name: "Unauthorized", Message: "bad token"})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	name, _ := url.PathUnescape(r.Header.Get(nameHeader))
	f.names = append(f.names, name)

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/upload":
		b, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.uploads = append(f.uploads, b)

		c, _ := cid.Prefix{Version: 1, Codec: cid.Raw, MhType: multihash.SHA2_256, MhLength: -1}.Sum(b)
		json.NewEncoder(w).Encode(cidResponse{Cid: c.String()})

	case r.Method == http.MethodPost && r.URL.Path == "/car":
		f.cars++
		assert.Equal(f.t, car.ContentType, r.Header.Get("Content-Type"))

		cr, err := car.NewReader(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(errorResponse{Name: "InvalidCar", Message: err.Error()})
			return
		}

		for {
			b, err := cr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.blocks.Put(r.Context(), b)
		}

		root := cr.Roots()[0].String()
		if f.carRoot != "" {
			root = f.carRoot
		}
		json.NewEncoder(w).Encode(cidResponse{Cid: root})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func randBytes(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

// opaqueReader hides Len, Size and Seek.
type opaqueReader struct {
	r io.Reader
}

func (o *opaqueReader) Read(p []byte) (int, error) {
	return o.r.Read(p)
}

func TestNewOptions(t *testing.T) {
	_, err := New(testToken, WithFanOut(1))
	assert.ErrorIs(t, err, dag.ErrInvalidFanOut)

	_, err = New(testToken, WithEndpoint("ftp://example.com"))
	assert.Error(t, err)

	_, err = New(testToken, WithChunkSize(chunker.MaxChunkSize+1))
	assert.ErrorIs(t, err, chunker.ErrInvalidSize)

	_, err = New(testToken, WithChunkSize(0))
	assert.ErrorIs(t, err, chunker.ErrInvalidSize)

	c, err := New(testToken)
	if assert.NoError(t, err) {
		assert.Equal(t, DefaultInlineThreshold, c.Options().InlineThreshold)
		assert.Equal(t, int64(1<<20), c.Options().ChunkSize)
	}
}

func TestNewWithoutToken(t *testing.T) {
	id, err := cid.Decode("bafkreihdwdcefgh4dqkjv67uzcmw7ojee6xedzdetojuzjevtenxquvyku")
	if err != nil {
		t.Fatal(err)
	}

	var auth []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Values("Authorization")
		json.NewEncoder(w).Encode(Upload{Cid: id.String(), Name: "public"})
	}))
	defer srv.Close()

	c, err := New("", WithEndpoint(srv.URL))
	if err != nil {
		t.Fatal(err)
	}

	u, err := c.Status(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}

	assert.Equal(t, "public", u.Name)
	assert.Empty(t, auth)
}

func TestUploadInline(t *testing.T) {
	f, srv := newFakeService(t)

	c, err := New(testToken, WithEndpoint(srv.URL))
	if err != nil {
		t.Fatal(err)
	}

	data := []byte("hello web3")
	id, err := c.Upload(context.Background(), "hello world.txt", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}

	if assert.Len(t, f.uploads, 1) {
		assert.Equal(t, data, f.uploads[0])
	}
	assert.Equal(t, 0, f.cars)
	assert.Equal(t, []string{"hello world.txt"}, f.names)
	assert.Equal(t, uint64(cid.Raw), id.Type())
}

func TestUploadInlineUnknownSize(t *testing.T) {
	f, srv := newFakeService(t)

	c, err := New(testToken, WithEndpoint(srv.URL), WithInlineThreshold(1024))
	if err != nil {
		t.Fatal(err)
	}

	data := randBytes(1024, 1)
	_, err = c.Upload(context.Background(), "", &opaqueReader{bytes.NewReader(data)})
	if err != nil {
		t.Fatal(err)
	}

	if assert.Len(t, f.uploads, 1) {
		assert.Equal(t, data, f.uploads[0])
	}
}

func TestUploadCar(t *testing.T) {
	tests := map[string]struct {
		reader func([]byte) io.Reader
		opts   []Option
	}{
		"known size": {
			reader: func(b []byte) io.Reader { return bytes.NewReader(b) },
		},
		"unknown size": {
			reader: func(b []byte) io.Reader { return &opaqueReader{bytes.NewReader(b)} },
		},
		"disk store": {
			reader: func(b []byte) io.Reader { return bytes.NewReader(b) },
			opts:   []Option{WithMemoryLimit(0)},
		},
		"cid v0": {
			reader: func(b []byte) io.Reader { return bytes.NewReader(b) },
			opts:   []Option{WithCIDVersion(0)},
		},
	}

	for k, test := range tests {
		t.Run(k, func(t *testing.T) {
			f, srv := newFakeService(t)
			ctx := context.Background()

			// a scaled down 200MB payload against a 100MB threshold
			data := randBytes(200_000, 7)
			opts := append([]Option{
				WithEndpoint(srv.URL),
				WithInlineThreshold(100_000),
				WithChunkSize(4096),
				WithFanOut(8),
				WithMaxCarSize(30_000),
				WithScratchDir(t.TempDir()),
			}, test.opts...)

			c, err := New(testToken, opts...)
			if err != nil {
				t.Fatal(err)
			}

			id, err := c.Upload(ctx, "big.bin", test.reader(data))
			if err != nil {
				t.Fatal(err)
			}

			assert.Empty(t, f.uploads)
			assert.Greater(t, f.cars, 1)
			for _, n := range f.names {
				assert.Equal(t, "big.bin", n)
			}

			var out bytes.Buffer
			if _, err := dag.WriteTo(ctx, f.blocks, id, &out); err != nil {
				t.Fatal(err)
			}
			assert.True(t, bytes.Equal(data, out.Bytes()))

			scratch, err := os.ReadDir(c.Options().ScratchDir)
			assert.NoError(t, err)
			assert.Empty(t, scratch)
		})
	}
}

func TestUploadCarMatchesLocalBuild(t *testing.T) {
	_, srv := newFakeService(t)

	data := randBytes(50_000, 3)
	c, err := New(testToken, WithEndpoint(srv.URL), WithInlineThreshold(0), WithChunkSize(1000))
	if err != nil {
		t.Fatal(err)
	}

	id, err := c.Upload(context.Background(), "", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}

	want := buildRoot(t, data, 1000)
	assert.Equal(t, want, id)
}

func TestUploadRootMismatch(t *testing.T) {
	f, srv := newFakeService(t)
	f.carRoot = "bafkreihdwdcefgh4dqkjv67uzcmw7ojee6xedzdetojuzjevtenxquvyku"

	c, err := New(testToken, WithEndpoint(srv.URL), WithInlineThreshold(10))
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.Upload(context.Background(), "", strings.NewReader("more than ten bytes"))

	var encErr *EncodingError
	if assert.ErrorAs(t, err, &encErr) {
		assert.Equal(t, "verify", encErr.Stage)
	}
	assert.ErrorIs(t, err, ErrCIDMismatch)
}

func TestUploadTooLarge(t *testing.T) {
	f, srv := newFakeService(t)

	c, err := New(testToken,
		WithEndpoint(srv.URL),
		WithInlineThreshold(10),
		WithMaxUploadSize(100),
	)
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.Upload(context.Background(), "", bytes.NewReader(make([]byte, 101)))

	var sizeErr *SizeLimitError
	if assert.ErrorAs(t, err, &sizeErr) {
		assert.Equal(t, int64(101), sizeErr.Size)
		assert.Equal(t, int64(100), sizeErr.Limit)
	}

	//size only discovered while reading
	_, err = c.Upload(context.Background(), "", &opaqueReader{bytes.NewReader(make([]byte, 500))})
	assert.ErrorAs(t, err, &sizeErr)

	assert.Equal(t, 0, f.cars)
	assert.Empty(t, f.uploads)
}

func TestServiceTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		fmt.Fprint(w, `{"name":"PayloadTooLarge","message":"max 100MB"}`)
	}))
	defer srv.Close()

	c, err := New(testToken, WithEndpoint(srv.URL))
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.PostCar(context.Background(), "", bytes.NewReader([]byte("car")), 3)

	var sizeErr *SizeLimitError
	if assert.ErrorAs(t, err, &sizeErr) {
		assert.Equal(t, int64(3), sizeErr.Size)
	}

	var te *TransportError
	if assert.ErrorAs(t, err, &te) {
		assert.Equal(t, "PayloadTooLarge", te.Name)
		assert.Equal(t, "max 100MB", te.Message)
	}
}

// sizedReader claims size bytes but fails once data runs out.
type sizedReader struct {
	data []byte
	size int64
	err  error
}

func (s *sizedReader) Size() int64 {
	return s.size
}

func (s *sizedReader) Read(p []byte) (int, error) {
	if len(s.data) == 0 {
		return 0, s.err
	}

	n := copy(p, s.data)
	s.data = s.data[n:]
	return n, nil
}

func TestUploadSourceFails(t *testing.T) {
	errDiskGone := errors.New("disk gone")

	tests := map[string]struct {
		size      int64
		threshold int64
	}{
		"inline": {size: 20, threshold: DefaultInlineThreshold},
		"car":    {size: 20_000, threshold: 10},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			f, srv := newFakeService(t)

			c, err := New(testToken,
				WithEndpoint(srv.URL),
				WithInlineThreshold(test.threshold),
				WithChunkSize(100),
				WithRetries(0),
			)
			if err != nil {
				t.Fatal(err)
			}

			r := &sizedReader{data: randBytes(int(test.size/2), 5), size: test.size, err: errDiskGone}
			_, err = c.Upload(context.Background(), "", r)

			var ioErr *IOError
			if assert.ErrorAs(t, err, &ioErr) {
				assert.Equal(t, test.size/2, ioErr.Offset)
			}
			assert.ErrorIs(t, err, errDiskGone)

			var te *TransportError
			assert.False(t, errors.As(err, &te), "reported as a transport error: %v", err)
			assert.Equal(t, 0, f.cars)
		})
	}
}

func TestUploadServiceTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		fmt.Fprint(w, `{"name":"PayloadTooLarge","message":"too big"}`)
	}))
	defer srv.Close()

	tests := map[string]struct {
		data      []byte
		threshold int64
		wantSize  func(n int64) bool
	}{
		"inline": {
			data:      randBytes(100, 1),
			threshold: DefaultInlineThreshold,
			wantSize:  func(n int64) bool { return n == 100 },
		},
		"car": {
			data:      randBytes(5000, 2),
			threshold: 10,
			wantSize:  func(n int64) bool { return n > 5000 },
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			c, err := New(testToken,
				WithEndpoint(srv.URL),
				WithInlineThreshold(test.threshold),
				WithChunkSize(1000),
			)
			if err != nil {
				t.Fatal(err)
			}

			_, err = c.Upload(context.Background(), "", bytes.NewReader(test.data))

			var sizeErr *SizeLimitError
			if !assert.ErrorAs(t, err, &sizeErr) {
				t.Fatal(err)
			}
			assert.True(t, test.wantSize(sizeErr.Size), "size %d", sizeErr.Size)

			var te *TransportError
			if assert.ErrorAs(t, err, &te) {
				assert.Equal(t, http.StatusRequestEntityTooLarge, te.StatusCode)
				assert.Equal(t, "PayloadTooLarge", te.Name)
			}
		})
	}
}

func TestUploadUnauthorized(t *testing.T) {
	_, srv := newFakeService(t)

	c, err := New("wrong", WithEndpoint(srv.URL))
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.Upload(context.Background(), "", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.NotErrorIs(t, err, ErrForbidden)
}

func TestPostFiles(t *testing.T) {
	var got map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		got = map[string]string{}
		for _, fh := range r.MultipartForm.File["file"] {
			f, _ := fh.Open()
			b, _ := io.ReadAll(f)
			f.Close()
			got[fh.Filename] = string(b)
		}

		fmt.Fprint(w, `{"cid":"bafkreihdwdcefgh4dqkjv67uzcmw7ojee6xedzdetojuzjevtenxquvyku"}`)
	}))
	defer srv.Close()

	c, err := New(testToken, WithEndpoint(srv.URL))
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.PostFiles(context.Background(),
		File{Name: "a.txt", Reader: strings.NewReader("aaa")},
		File{Name: "b.txt", Reader: strings.NewReader("bbb"), ContentType: "text/plain"},
	)
	assert.NoError(t, err)
	assert.Equal(t, map[string]string{"a.txt": "aaa", "b.txt": "bbb"}, got)

	_, err = c.PostFiles(context.Background())
	assert.Error(t, err)
}

func buildRoot(t *testing.T, data []byte, chunkSize int64) cid.Cid {
	t.Helper()

	s := storage.NewMemStore()
	b, err := dag.NewBuilder(s)
	if err != nil {
		t.Fatal(err)
	}

	root, err := b.Build(context.Background(), &sliceChunks{data: data, size: int(chunkSize)})
	if err != nil {
		t.Fatal(err)
	}

	return root.Cid
}

type sliceChunks struct {
	data []byte
	size int
}

func (s *sliceChunks) Next() ([]byte, error) {
	if len(s.data) == 0 {
		return nil, io.EOF
	}

	n := s.size
	if n > len(s.data) {
		n = len(s.data)
	}
	c := s.data[:n]
	s.data = s.data[n:]

	return c, nil
}

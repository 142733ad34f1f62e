package w3s

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tcfw/w3s/internal/storage"
	"github.com/tcfw/w3s/internal/utils/logging"
	"github.com/tcfw/w3s/pkg/car"
	"github.com/tcfw/w3s/pkg/chunker"
	"github.com/tcfw/w3s/pkg/dag"
	storageIface "github.com/tcfw/w3s/pkg/storage"
)

const (
	DefaultEndpoint = "https://api.web3.storage"

	DefaultInlineThreshold int64 = 100 << 20
	DefaultMaxCarSize      int64 = 100 << 20
	DefaultMaxUploadSize   int64 = 32 << 30
	DefaultMemoryLimit     int64 = 256 << 20

	nameHeader = "X-Name"
)

type Options struct {
	Endpoint   string
	Transport  Transport
	HTTPClient *http.Client
	Logger     *logrus.Entry
	Retries    int

	ChunkSize       int64
	InlineThreshold int64
	MaxCarSize      int64
	MaxUploadSize   int64
	MemoryLimit     int64
	ScratchDir      string

	DagOptions []dag.Option
}

type Option func(*Options) error

func WithEndpoint(endpoint string) Option {
	return func(o *Options) error {
		o.Endpoint = endpoint
		return nil
	}
}

// WithTransport replaces the HTTP transport. The token given to New is
// not used by a custom transport.
func WithTransport(t Transport) Option {
	return func(o *Options) error {
		o.Transport = t
		return nil
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *Options) error {
		o.HTTPClient = c
		return nil
	}
}

// WithRetries sets how many times idempotent requests are retried.
func WithRetries(n int) Option {
	return func(o *Options) error {
		if n < 0 {
			return errors.New("retries must not be negative")
		}
		o.Retries = n
		return nil
	}
}

func WithLogger(l *logrus.Entry) Option {
	return func(o *Options) error {
		o.Logger = l
		return nil
	}
}

func WithChunkSize(n int64) Option {
	return func(o *Options) error {
		if n <= 0 || n > chunker.MaxChunkSize {
			return chunker.ErrInvalidSize
		}
		o.ChunkSize = n
		return nil
	}
}

// WithInlineThreshold sets the largest payload sent as-is to /upload.
func WithInlineThreshold(n int64) Option {
	return func(o *Options) error {
		if n < 0 {
			return errors.New("inline threshold must not be negative")
		}
		o.InlineThreshold = n
		return nil
	}
}

func WithMaxCarSize(n int64) Option {
	return func(o *Options) error {
		if n <= 0 {
			return errors.New("max car size must be positive")
		}
		o.MaxCarSize = n
		return nil
	}
}

func WithMaxUploadSize(n int64) Option {
	return func(o *Options) error {
		if n <= 0 {
			return errors.New("max upload size must be positive")
		}
		o.MaxUploadSize = n
		return nil
	}
}

// WithMemoryLimit sets the largest payload whose DAG is built in memory.
// Larger payloads use an on disk scratch store.
func WithMemoryLimit(n int64) Option {
	return func(o *Options) error {
		o.MemoryLimit = n
		return nil
	}
}

func WithScratchDir(dir string) Option {
	return func(o *Options) error {
		o.ScratchDir = dir
		return nil
	}
}

func WithFanOut(n int) Option {
	return withDagOption(dag.WithFanOut(n))
}

func WithCIDVersion(v uint64) Option {
	return withDagOption(dag.WithCIDVersion(v))
}

func WithHashName(name string) Option {
	return withDagOption(dag.WithHashName(name))
}

func WithRawLeaves(raw bool) Option {
	return withDagOption(dag.WithRawLeaves(raw))
}

func withDagOption(opt dag.Option) Option {
	return func(o *Options) error {
		o.DagOptions = append(o.DagOptions, opt)
		return nil
	}
}

func DefaultOptions() Options {
	return Options{
		Endpoint:        DefaultEndpoint,
		Retries:         DefaultRetries,
		ChunkSize:       chunker.DefaultChunkSize,
		InlineThreshold: DefaultInlineThreshold,
		MaxCarSize:      DefaultMaxCarSize,
		MaxUploadSize:   DefaultMaxUploadSize,
		MemoryLimit:     DefaultMemoryLimit,
	}
}

// Client is a web3.storage API client. It holds no per-upload state and
// is safe for concurrent use.
type Client struct {
	opts      Options
	transport Transport
	log       *logrus.Entry
}

func New(token string, opts ...Option) (*Client, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, errors.Wrap(err, "applying option")
		}
	}

	//validates the dag options up front
	if _, err := dag.NewBuilder(nil, o.DagOptions...); err != nil {
		return nil, err
	}

	c := &Client{opts: o, transport: o.Transport, log: o.Logger}
	if c.log == nil {
		c.log = logging.Entry()
	}

	if c.transport == nil {
		t, err := NewHTTPTransport(o.Endpoint, token, o.HTTPClient)
		if err != nil {
			return nil, err
		}
		t.log = c.log
		t.Retries = o.Retries
		c.transport = t
	}

	return c, nil
}

func (c *Client) Options() Options {
	return c.opts
}

// Upload stores the content of r under name and returns its root CID.
//
// Payloads up to InlineThreshold are posted unchanged. Larger payloads
// are chunked into a UnixFS DAG locally and sent as one or more CARs
// sharing the DAG root, which must match the CID the service reports.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader) (cid.Cid, error) {
	size, r, err := c.sizeOf(r)
	if err != nil {
		return cid.Undef, err
	}

	log := c.log.WithField("name", name).WithField("size", size)

	if size >= 0 && size <= c.opts.InlineThreshold {
		log.Debug("inline upload")
		return c.postUpload(ctx, name, r, size)
	}

	if size > c.opts.MaxUploadSize {
		return cid.Undef, &SizeLimitError{Size: size, Limit: c.opts.MaxUploadSize}
	}

	log.Debug("car upload")
	return c.uploadDag(ctx, name, &limitReader{r: r, limit: c.opts.MaxUploadSize}, size)
}

// sizeOf finds the payload size, reading ahead at most InlineThreshold+1
// bytes when r cannot report it. The size is -1 if the payload is known
// to be larger than InlineThreshold but is otherwise unknown.
func (c *Client) sizeOf(r io.Reader) (int64, io.Reader, error) {
	switch v := r.(type) {
	case interface{ Len() int }:
		return int64(v.Len()), r, nil
	case interface{ Size() int64 }:
		return v.Size(), r, nil
	case io.Seeker:
		cur, err := v.Seek(0, io.SeekCurrent)
		if err == nil {
			end, err := v.Seek(0, io.SeekEnd)
			if err != nil {
				return 0, nil, &IOError{Stage: "size", Offset: cur, Err: err}
			}
			if _, err := v.Seek(cur, io.SeekStart); err != nil {
				return 0, nil, &IOError{Stage: "size", Offset: end, Err: err}
			}
			return end - cur, r, nil
		}
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, c.opts.InlineThreshold+1))
	if err != nil {
		return 0, nil, &IOError{Stage: "size", Offset: n, Err: err}
	}

	if n <= c.opts.InlineThreshold {
		return n, bytes.NewReader(buf.Bytes()), nil
	}

	return -1, io.MultiReader(&buf, r), nil
}

func (c *Client) newStore(size int64) (storageIface.BlockStore, error) {
	return storage.OpenBlockStore(size, storage.Sizing{
		MemoryLimit: c.opts.MemoryLimit,
		ChunkSize:   c.opts.ChunkSize,
		MaxSize:     c.opts.MaxUploadSize,
		ScratchDir:  c.opts.ScratchDir,
	})
}

func (c *Client) uploadDag(ctx context.Context, name string, r io.Reader, size int64) (cid.Cid, error) {
	store, err := c.newStore(size)
	if err != nil {
		return cid.Undef, errors.Wrap(err, "opening block store")
	}
	defer store.Close()

	ch, err := chunker.New(r, c.opts.ChunkSize)
	if err != nil {
		return cid.Undef, err
	}

	root, err := dag.Build(ctx, store, ch, c.opts.DagOptions...)
	if err != nil {
		return cid.Undef, err
	}

	roots := []cid.Cid{root.Cid}
	log := c.log.WithField("name", name).WithField("root", root.Cid)

	parts, err := car.Split(ctx, roots, store, c.opts.MaxCarSize)
	if err != nil {
		return cid.Undef, err
	}

	log.WithField("blocks", store.Len()).WithField("parts", len(parts)).Debug("dag built")

	for _, p := range parts {
		got, err := c.postPart(ctx, name, roots, store, p)
		if err != nil {
			return cid.Undef, errors.Wrapf(err, "sending car part %d/%d", p.Index+1, len(parts))
		}

		if !got.Equals(root.Cid) {
			return cid.Undef, &EncodingError{
				Stage: "verify",
				Cid:   got,
				Err:   errors.Wrapf(ErrCIDMismatch, "expected %s", root.Cid),
			}
		}

		log.WithField("part", p.Index).WithField("bytes", p.Size).Debug("car part stored")
	}

	return root.Cid, nil
}

func (c *Client) postPart(ctx context.Context, name string, roots []cid.Cid, src storageIface.BlockSource, p car.Part) (cid.Cid, error) {
	pr, pw := io.Pipe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, err := car.EncodePart(ctx, pw, roots, src, p)
		pw.CloseWithError(err)
	}()

	got, err := c.PostCar(ctx, name, pr, p.Size)

	//unblock the encoder if the transport stopped reading early
	pr.CloseWithError(io.ErrClosedPipe)
	<-done

	return got, err
}

// PostUpload sends r unchanged as a single file to /upload.
func (c *Client) PostUpload(ctx context.Context, name string, r io.Reader) (cid.Cid, error) {
	return c.postUpload(ctx, name, r, -1)
}

func (c *Client) postUpload(ctx context.Context, name string, r io.Reader, size int64) (cid.Cid, error) {
	req := &Request{
		Method:        http.MethodPost,
		Path:          "/upload",
		Header:        nameHeaders(name),
		Body:          r,
		ContentLength: size,
		ContentType:   "application/octet-stream",
	}

	return c.postForCid(ctx, req, size)
}

// File is one part of a multi-file upload.
type File struct {
	Name        string
	Reader      io.Reader
	ContentType string
}

// PostFiles sends several files to /upload as a multipart form.
func (c *Client) PostFiles(ctx context.Context, files ...File) (cid.Cid, error) {
	if len(files) == 0 {
		return cid.Undef, errors.New("no files")
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeFiles(mw, files))
	}()
	defer pr.Close()

	req := &Request{
		Method:      http.MethodPost,
		Path:        "/upload",
		Body:        pr,
		ContentType: mw.FormDataContentType(),
	}

	return c.postForCid(ctx, req, -1)
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func writeFiles(mw *multipart.Writer, files []File) error {
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(f.Name)))
		ct := f.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)

		w, err := mw.CreatePart(h)
		if err != nil {
			return err
		}

		if _, err := io.Copy(w, f.Reader); err != nil {
			return &IOError{Stage: "upload", Err: errors.Wrapf(err, "reading %s", f.Name)}
		}
	}

	return mw.Close()
}

// PostCar sends a CAR of size bytes to /car. A size of 0 or less sends
// the body chunked.
func (c *Client) PostCar(ctx context.Context, name string, r io.Reader, size int64) (cid.Cid, error) {
	req := &Request{
		Method:        http.MethodPost,
		Path:          "/car",
		Header:        nameHeaders(name),
		Body:          r,
		ContentLength: size,
		ContentType:   car.ContentType,
	}

	return c.postForCid(ctx, req, size)
}

func (c *Client) postForCid(ctx context.Context, req *Request, size int64) (cid.Cid, error) {
	var body *sourceReader
	if req.Body != nil {
		body = &sourceReader{r: req.Body}
		req.Body = body
	}

	resp, err := c.transport.Do(ctx, req)
	if err != nil {
		if body != nil {
			if ioErr := body.ioError(); ioErr != nil {
				return cid.Undef, ioErr
			}
		}
		return cid.Undef, classify(err, size)
	}
	defer resp.Body.Close()

	cr := cidResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return cid.Undef, &TransportError{Method: req.Method, Path: req.Path, StatusCode: resp.StatusCode, Err: errors.Wrap(err, "decoding response")}
	}

	id, err := cid.Decode(cr.Cid)
	if err != nil {
		return cid.Undef, &TransportError{Method: req.Method, Path: req.Path, StatusCode: resp.StatusCode, Err: errors.Wrapf(err, "parsing cid %q", cr.Cid)}
	}

	return id, nil
}

func nameHeaders(name string) http.Header {
	h := http.Header{}
	if name != "" {
		h.Set(nameHeader, url.PathEscape(name))
	}
	return h
}

// sourceReader remembers the first failure of the request body so that
// it is not mistaken for a transport failure.
type sourceReader struct {
	r io.Reader

	mu  sync.Mutex
	n   int64
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.n += int64(n)
	if err != nil && err != io.EOF && s.err == nil {
		s.err = err
	}
	return n, err
}

// ioError returns the recorded read failure, or nil.
func (s *sourceReader) ioError() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err == nil {
		return nil
	}

	var ioErr *IOError
	if errors.As(s.err, &ioErr) {
		return s.err
	}

	return &IOError{Stage: "upload", Offset: s.n, Err: s.err}
}

// limitReader fails once more than limit bytes have been read.
type limitReader struct {
	r     io.Reader
	limit int64
	n     int64
}

func (l *limitReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.n += int64(n)
	if l.n > l.limit {
		return n, &SizeLimitError{Size: -1, Limit: l.limit}
	}
	return n, err
}

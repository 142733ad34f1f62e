package w3s

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultRetries = 3

	defaultMinBackoff = 250 * time.Millisecond
	defaultMaxBackoff = 10 * time.Second

	// maxErrorBody caps how much of an error response is read.
	maxErrorBody = 64 << 10
)

// Request is a single call against the service API.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header

	Body          io.Reader
	ContentLength int64
	ContentType   string
}

// Transport sends requests to the service. Non-2xx responses are
// returned as errors, so a returned response is always successful and
// must have its body closed.
type Transport interface {
	Do(context.Context, *Request) (*http.Response, error)
}

// HTTPTransport talks to the service over HTTP with bearer auth. Requests
// without a body are retried on 429 and 5xx responses.
type HTTPTransport struct {
	base   *url.URL
	token  string
	client *http.Client
	log    *logrus.Entry

	Retries    int
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

var _ Transport = (*HTTPTransport)(nil)

func NewHTTPTransport(endpoint, token string, client *http.Client) (*HTTPTransport, error) {
	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "parsing endpoint")
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.Errorf("unsupported endpoint scheme %q", base.Scheme)
	}

	if client == nil {
		client = http.DefaultClient
	}

	return &HTTPTransport{
		base:       base,
		token:      token,
		client:     client,
		log:        logrus.NewEntry(logrus.StandardLogger()),
		Retries:    DefaultRetries,
		MinBackoff: defaultMinBackoff,
		MaxBackoff: defaultMaxBackoff,
	}, nil
}

func (t *HTTPTransport) url(r *Request) string {
	u := *t.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(r.Path, "/")
	if len(r.Query) > 0 {
		u.RawQuery = r.Query.Encode()
	}

	return u.String()
}

func (t *HTTPTransport) Do(ctx context.Context, r *Request) (*http.Response, error) {
	bo := &backoff.Backoff{
		Min:    t.MinBackoff,
		Max:    t.MaxBackoff,
		Jitter: true,
	}

	//a streamed body cannot be replayed
	retries := t.Retries
	if r.Body != nil {
		retries = 0
	}

	for {
		resp, err := t.do(ctx, r)
		if err == nil {
			return resp, nil
		}

		if int(bo.Attempt()) >= retries || !retryable(err) {
			return nil, err
		}

		d := bo.Duration()
		t.log.WithError(err).WithField("retry_in", d).Debug("retrying request")

		select {
		case <-ctx.Done():
			return nil, &TransportError{Method: r.Method, Path: r.Path, Err: ctx.Err()}
		case <-time.After(d):
		}
	}
}

func (t *HTTPTransport) do(ctx context.Context, r *Request) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, t.url(r), r.Body)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}

	for k, v := range r.Header {
		req.Header[k] = v
	}
	if r.ContentLength > 0 {
		req.ContentLength = r.ContentLength
	}
	if r.ContentType != "" {
		req.Header.Set("Content-Type", r.ContentType)
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &TransportError{Method: r.Method, Path: r.Path, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()

	return nil, statusError(r, resp)
}

func statusError(r *Request, resp *http.Response) error {
	te := &TransportError{
		Method:     r.Method,
		Path:       r.Path,
		StatusCode: resp.StatusCode,
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		te.Err = err
		return te
	}

	er := errorResponse{}
	if err := json.Unmarshal(body, &er); err == nil && (er.Name != "" || er.Message != "") {
		te.Name = er.Name
		te.Message = er.Message
	} else {
		te.Message = strings.TrimSpace(string(body))
	}

	return te
}

func retryable(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}

	switch {
	case te.StatusCode == http.StatusTooManyRequests:
		return true
	case te.StatusCode >= 500:
		return true
	case te.StatusCode == 0:
		//connection level failures, but not cancellation
		return !errors.Is(te.Err, context.Canceled) && !errors.Is(te.Err, context.DeadlineExceeded)
	}

	return false
}

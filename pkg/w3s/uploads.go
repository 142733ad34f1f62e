package w3s

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"
)

const (
	DefaultPageSize = 25
)

// UserUploads fetches one page of the account's uploads, newest first.
// A zero before starts from the most recent upload; size <= 0 uses the
// service default.
func (c *Client) UserUploads(ctx context.Context, before time.Time, size int) ([]Upload, error) {
	q := url.Values{}
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	if size > 0 {
		q.Set("size", strconv.Itoa(size))
	}

	req := &Request{Method: http.MethodGet, Path: "/user/uploads", Query: q}

	uploads := []Upload{}
	if err := c.getJSON(ctx, req, &uploads); err != nil {
		return nil, err
	}

	return uploads, nil
}

// Status fetches the service's record for id.
func (c *Client) Status(ctx context.Context, id cid.Cid) (*Upload, error) {
	req := &Request{Method: http.MethodGet, Path: "/status/" + id.String()}

	u := &Upload{}
	if err := c.getJSON(ctx, req, u); err != nil {
		return nil, err
	}

	return u, nil
}

// Car streams the DAG rooted at id as a CAR. The caller must close the
// returned reader.
func (c *Client) Car(ctx context.Context, id cid.Cid) (io.ReadCloser, error) {
	resp, err := c.transport.Do(ctx, &Request{Method: http.MethodGet, Path: "/car/" + id.String()})
	if err != nil {
		return nil, err
	}

	return resp.Body, nil
}

// HeadCar returns the size of the CAR for id without fetching it.
func (c *Client) HeadCar(ctx context.Context, id cid.Cid) (int64, error) {
	req := &Request{Method: http.MethodHead, Path: "/car/" + id.String()}

	resp, err := c.transport.Do(ctx, req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()

	if resp.ContentLength < 0 {
		return 0, &TransportError{Method: req.Method, Path: req.Path, StatusCode: resp.StatusCode, Err: errors.New("no content length")}
	}

	return resp.ContentLength, nil
}

func (c *Client) getJSON(ctx context.Context, req *Request, v interface{}) error {
	resp, err := c.transport.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return &TransportError{Method: req.Method, Path: req.Path, StatusCode: resp.StatusCode, Err: errors.Wrap(err, "decoding response")}
	}

	return nil
}

// Uploads returns an iterator over every upload older than before.
func (c *Client) Uploads(before time.Time, size int) *UploadIterator {
	if size <= 0 {
		size = DefaultPageSize
	}

	return &UploadIterator{c: c, before: before, size: size}
}

// UploadIterator pages lazily through the account's uploads. Each page
// is requested with the creation date of the oldest upload seen so far.
type UploadIterator struct {
	c      *Client
	before time.Time
	size   int

	page []Upload
	done bool
}

// Next returns the next upload or io.EOF once all have been returned.
func (it *UploadIterator) Next(ctx context.Context) (*Upload, error) {
	for len(it.page) == 0 {
		if it.done {
			return nil, io.EOF
		}

		if err := it.fetch(ctx); err != nil {
			return nil, err
		}
	}

	u := it.page[0]
	it.page = it.page[1:]

	return &u, nil
}

func (it *UploadIterator) fetch(ctx context.Context) error {
	page, err := it.c.UserUploads(ctx, it.before, it.size)
	if err != nil {
		return err
	}

	if len(page) < it.size {
		it.done = true
	}
	if len(page) == 0 {
		return nil
	}

	oldest := page[0].Created
	for _, u := range page[1:] {
		if u.Created.Before(oldest) {
			oldest = u.Created
		}
	}

	//a cursor that does not move would page forever
	if !it.before.IsZero() && !oldest.Before(it.before) {
		it.done = true
	}
	it.before = oldest
	it.page = page

	return nil
}

// Cursor is the before value for the next page.
func (it *UploadIterator) Cursor() time.Time {
	return it.before
}

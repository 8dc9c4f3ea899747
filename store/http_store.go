package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPStore is the production Store backend: a net/http client against
// the remote storage-proxy API of spec.md §6 — GET/PUT/DELETE
// {proxy}/kv/{prefix}/{key}, If-None-Match for put-if-absent, DELETE
// {proxy}/storage_purge, GET {proxy}/storage_ready. Every request carries
// a bearer token. A 404 on get is ErrNotFound and a 412 on put-if-absent
// reports that the key already exists; any other non-2xx response is a
// StorageError.
//
// The teacher has no HTTP client anywhere in its tree to ground the
// transport mechanics on (it is a pure TCP/P2P node); net/http is used
// directly here because HTTP routing/transport is an explicit Non-goal
// collaborator and no repo in the retrieval pack reaches for a
// third-party HTTP client library either.
type HTTPStore struct {
	baseURL     string
	bearerToken string
	client      *http.Client
}

// NewHTTPStore constructs an HTTPStore against baseURL, authenticating
// every request with bearerToken.
func NewHTTPStore(baseURL, bearerToken string) *HTTPStore {
	return &HTTPStore{
		baseURL:     baseURL,
		bearerToken: bearerToken,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPStore) kvURL(prefix rawPrefix, key string) string {
	return fmt.Sprintf("%s/kv/%s/%s", s.baseURL, url.PathEscape(string(prefix)), url.PathEscape(key))
}

func (s *HTTPStore) newRequest(ctx context.Context, method, u string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.bearerToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	return req, nil
}

func (s *HTTPStore) do(req *http.Request) (*http.Response, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func (s *HTTPStore) GetCloned(ctx context.Context, prefix rawPrefix, key string, opts GetOptions) ([]byte, error) {
	req, err := s.newRequest(ctx, http.MethodGet, s.kvURL(prefix, key), nil)
	if err != nil {
		return nil, &StorageError{Op: "get", Err: err}
	}
	resp, err := s.do(req)
	if err != nil {
		return nil, &StorageError{Op: "get", Err: err}
	}
	defer drain(resp)
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode/100 != 2 {
		return nil, &StorageError{Op: "get", Err: fmt.Errorf("storage proxy returned %s", resp.Status)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &StorageError{Op: "get", Err: err}
	}
	return body, nil
}

func (s *HTTPStore) Put(ctx context.Context, prefix rawPrefix, key string, value []byte) error {
	req, err := s.newRequest(ctx, http.MethodPut, s.kvURL(prefix, key), value)
	if err != nil {
		return &StorageError{Op: "put", Err: err}
	}
	resp, err := s.do(req)
	if err != nil {
		return &StorageError{Op: "put", Err: err}
	}
	defer drain(resp)
	if resp.StatusCode/100 != 2 {
		return &StorageError{Op: "put", Err: fmt.Errorf("storage proxy returned %s", resp.Status)}
	}
	return nil
}

// PutIfNotExists uses If-None-Match: * to express put-if-absent; a 412
// Precondition Failed response means another writer already holds the
// key, so the existing value is fetched and returned as a conflict.
func (s *HTTPStore) PutIfNotExists(ctx context.Context, prefix rawPrefix, key string, value []byte) ([]byte, bool, error) {
	return s.putIfNotExists(ctx, prefix, key, value, nil)
}

func (s *HTTPStore) PutIfNotExistsWithExpiration(ctx context.Context, prefix rawPrefix, key string, value []byte, expiresAt time.Time) ([]byte, bool, error) {
	return s.putIfNotExists(ctx, prefix, key, value, &expiresAt)
}

func (s *HTTPStore) putIfNotExists(ctx context.Context, prefix rawPrefix, key string, value []byte, expiresAt *time.Time) ([]byte, bool, error) {
	req, err := s.newRequest(ctx, http.MethodPut, s.kvURL(prefix, key), value)
	if err != nil {
		return nil, false, &StorageError{Op: "put_if_not_exists", Err: err}
	}
	req.Header.Set("If-None-Match", "*")
	if expiresAt != nil {
		req.Header.Set("X-Dap-Expires-At", expiresAt.UTC().Format(time.RFC3339))
	}
	resp, err := s.do(req)
	if err != nil {
		return nil, false, &StorageError{Op: "put_if_not_exists", Err: err}
	}
	defer drain(resp)
	if resp.StatusCode == http.StatusPreconditionFailed {
		existing, err := s.GetCloned(ctx, prefix, key, GetOptions{})
		if err != nil && err != ErrNotFound {
			return nil, true, err
		}
		return existing, true, nil
	}
	if resp.StatusCode/100 != 2 {
		return nil, false, &StorageError{Op: "put_if_not_exists", Err: fmt.Errorf("storage proxy returned %s", resp.Status)}
	}
	return nil, false, nil
}

func (s *HTTPStore) DeleteAll(ctx context.Context) error {
	req, err := s.newRequest(ctx, http.MethodDelete, s.baseURL+"/storage_purge", nil)
	if err != nil {
		return &StorageError{Op: "delete_all", Err: err}
	}
	resp, err := s.do(req)
	if err != nil {
		return &StorageError{Op: "delete_all", Err: err}
	}
	defer drain(resp)
	if resp.StatusCode/100 != 2 {
		return &StorageError{Op: "delete_all", Err: fmt.Errorf("storage proxy returned %s", resp.Status)}
	}
	return nil
}

// Ready probes GET {proxy}/storage_ready.
func (s *HTTPStore) Ready(ctx context.Context) error {
	req, err := s.newRequest(ctx, http.MethodGet, s.baseURL+"/storage_ready", nil)
	if err != nil {
		return &StorageError{Op: "ready", Err: err}
	}
	resp, err := s.do(req)
	if err != nil {
		return &StorageError{Op: "ready", Err: err}
	}
	defer drain(resp)
	if resp.StatusCode/100 != 2 {
		return &StorageError{Op: "ready", Err: fmt.Errorf("storage proxy returned %s", resp.Status)}
	}
	return nil
}

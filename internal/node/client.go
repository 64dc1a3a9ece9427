package node

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HTTPClient is the default NodeClient, speaking the PUT/GET/DELETE/info/
// health wire protocol over plain HTTP/1.1. One rate.Limiter is kept per
// node id so a single slow or flapping node cannot be hammered by a burst
// of concurrent chunk writes from other in-flight uploads.
type HTTPClient struct {
	hc      *http.Client
	timeout time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

var _ NodeClient = (*HTTPClient)(nil)

// NewHTTPClient builds a client with a per-node request timeout and a
// per-node outbound rate limit.
func NewHTTPClient(timeout time.Duration, perNodeRate rate.Limit, burst int) *HTTPClient {
	return &HTTPClient{
		hc:       &http.Client{},
		timeout:  timeout,
		limiters: make(map[string]*rate.Limiter),
		rate:     perNodeRate,
		burst:    burst,
	}
}

func (c *HTTPClient) limiterFor(nodeID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.limiters[nodeID]
	if !ok {
		l = rate.NewLimiter(c.rate, c.burst)
		c.limiters[nodeID] = l
	}
	return l
}

// cancelOnClose wraps a response body so the request's timeout context is
// released exactly when the caller finishes reading it.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func (c *HTTPClient) do(ctx context.Context, nodeID, method, path string, body io.Reader, size int64) (*http.Response, error) {
	if err := c.limiterFor(nodeID).Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait for node %s: %w", nodeID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	req, err := http.NewRequestWithContext(ctx, method, nodeID+path, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build request to node %s: %w", nodeID, err)
	}
	if size >= 0 {
		req.ContentLength = size
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%s %s%s: %w", method, nodeID, path, err)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (c *HTTPClient) Put(ctx context.Context, nodeID, id string, r io.Reader, size int64) error {
	resp, err := c.do(ctx, nodeID, http.MethodPut, "/chunk/"+id, r, size)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("put chunk %s on %s: status %d", id, nodeID, resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) Get(ctx context.Context, nodeID, id string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, nodeID, http.MethodGet, "/chunk/"+id, nil, -1)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("get chunk %s from %s: status %d", id, nodeID, resp.StatusCode)
	}
	return resp.Body, nil
}

func (c *HTTPClient) Delete(ctx context.Context, nodeID, id string) error {
	resp, err := c.do(ctx, nodeID, http.MethodDelete, "/chunk/"+id, nil, -1)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

func (c *HTTPClient) Info(ctx context.Context, nodeID, id string) (Info, error) {
	resp, err := c.do(ctx, nodeID, http.MethodGet, "/chunk/"+id+"/info", nil, -1)
	if err != nil {
		return Info{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return Info{Exists: false}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Info{}, fmt.Errorf("info chunk %s on %s: status %d", id, nodeID, resp.StatusCode)
	}
	size, err := strconv.ParseInt(resp.Header.Get("X-Chunk-Size"), 10, 64)
	if err != nil {
		return Info{}, fmt.Errorf("parse chunk size header from %s: %w", nodeID, err)
	}
	return Info{Exists: true, Size: size}, nil
}

func (c *HTTPClient) Health(ctx context.Context, nodeID string) (Health, error) {
	resp, err := c.do(ctx, nodeID, http.MethodGet, "/health", nil, -1)
	if err != nil {
		return Health{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Health{Healthy: false}, nil
	}
	used, _ := strconv.ParseInt(resp.Header.Get("X-Used-Bytes"), 10, 64)
	count, _ := strconv.ParseInt(resp.Header.Get("X-Chunk-Count"), 10, 64)
	free, _ := strconv.ParseInt(resp.Header.Get("X-Free-Bytes"), 10, 64)
	return Health{Healthy: true, UsedBytes: used, ChunkCnt: count, FreeBytes: free}, nil
}

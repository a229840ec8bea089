// Package routertransport implements the wire protocol the object
// router uses to reach a cluster-node operation on a remote peer: an
// HTTP+JSON RPC client/server pair, with inbound requests dispatched
// through a bounded, elastic worker pool rather than one goroutine per
// connection.
package routertransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/volumerouter/volumerouter/internal/clusternode"
	"github.com/volumerouter/volumerouter/pkg/scotypes"
)

// operation enumerates the RPC verbs carried over the wire; each
// request/response pair echoes it back so a misrouted reply is
// detected rather than silently misinterpreted.
type operation string

const (
	opRead    operation = "read"
	opWrite   operation = "write"
	opSync    operation = "sync"
	opGetSize operation = "get_size"
	opResize  operation = "resize"
	opUnlink   operation = "unlink"
	opTransfer operation = "transfer"
)

// request is the wire envelope for one cluster-node RPC.
type request struct {
	Op      operation           `json:"op"`
	Tag     uint64              `json:"tag"`
	Object  clusternode.Object  `json:"object"`
	Offset  int64               `json:"offset,omitempty"`
	Size    int                 `json:"size,omitempty"`
	NewSize uint64              `json:"new_size,omitempty"`
	Payload []byte              `json:"payload,omitempty"`
}

// response is the wire envelope for one cluster-node RPC result. Tag
// must equal the request's Tag; a mismatch is a protocol error, not
// just a stale response to discard.
type response struct {
	Op      operation `json:"op"`
	Tag     uint64    `json:"tag"`
	Size    uint64    `json:"size,omitempty"`
	N       int       `json:"n,omitempty"`
	Payload []byte    `json:"payload,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// Client implements clusternode.Transport by issuing HTTP requests to
// each peer's router transport endpoint.
type Client struct {
	httpClient *http.Client
	addrOf     func(scotypes.NodeID) (string, error)
	nextTag    uint64
}

// NewClient builds a Client. addrOf resolves a node id to a base URL
// (e.g. from the distributed registry's node map).
func NewClient(addrOf func(scotypes.NodeID) (string, error), timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		addrOf:     addrOf,
	}
}

func (c *Client) do(ctx context.Context, node scotypes.NodeID, req request) (response, error) {
	c.nextTag++
	req.Tag = c.nextTag

	addr, err := c.addrOf(node)
	if err != nil {
		return response{}, fmt.Errorf("routertransport: resolving node %s: %w", node, err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return response{}, fmt.Errorf("routertransport: encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/v1/cluster-node/rpc", bytes.NewReader(body))
	if err != nil {
		return response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return response{}, fmt.Errorf("routertransport: dispatching to %s: %w", node, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{}, fmt.Errorf("routertransport: reading response from %s: %w", node, err)
	}

	if resp.StatusCode != http.StatusOK {
		return response{}, fmt.Errorf("routertransport: %s returned HTTP %d: %s", node, resp.StatusCode, string(data))
	}

	var out response
	if err := json.Unmarshal(data, &out); err != nil {
		return response{}, fmt.Errorf("routertransport: decoding response from %s: %w", node, err)
	}
	if out.Tag != req.Tag {
		return response{}, fmt.Errorf("routertransport: tag mismatch from %s (sent %d, got %d)", node, req.Tag, out.Tag)
	}
	if out.Error != "" {
		return response{}, fmt.Errorf("routertransport: %s: %s", node, out.Error)
	}
	return out, nil
}

func (c *Client) Read(ctx context.Context, node scotypes.NodeID, obj clusternode.Object, buf []byte, off int64) (int, error) {
	resp, err := c.do(ctx, node, request{Op: opRead, Object: obj, Offset: off, Size: len(buf)})
	if err != nil {
		return 0, err
	}
	n := copy(buf, resp.Payload)
	return n, nil
}

func (c *Client) Write(ctx context.Context, node scotypes.NodeID, obj clusternode.Object, buf []byte, off int64) (int, error) {
	resp, err := c.do(ctx, node, request{Op: opWrite, Object: obj, Offset: off, Payload: buf})
	if err != nil {
		return 0, err
	}
	return resp.N, nil
}

func (c *Client) Sync(ctx context.Context, node scotypes.NodeID, obj clusternode.Object) error {
	_, err := c.do(ctx, node, request{Op: opSync, Object: obj})
	return err
}

func (c *Client) GetSize(ctx context.Context, node scotypes.NodeID, obj clusternode.Object) (uint64, error) {
	resp, err := c.do(ctx, node, request{Op: opGetSize, Object: obj})
	if err != nil {
		return 0, err
	}
	return resp.Size, nil
}

func (c *Client) Resize(ctx context.Context, node scotypes.NodeID, obj clusternode.Object, newSize uint64) error {
	_, err := c.do(ctx, node, request{Op: opResize, Object: obj, NewSize: newSize})
	return err
}

func (c *Client) Unlink(ctx context.Context, node scotypes.NodeID, obj clusternode.Object) error {
	_, err := c.do(ctx, node, request{Op: opUnlink, Object: obj})
	return err
}

func (c *Client) Transfer(ctx context.Context, node scotypes.NodeID, obj clusternode.Object) error {
	_, err := c.do(ctx, node, request{Op: opTransfer, Object: obj})
	return err
}

var _ clusternode.Transport = (*Client)(nil)

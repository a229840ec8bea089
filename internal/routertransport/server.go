package routertransport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/volumerouter/volumerouter/internal/clusternode"
)

// Dispatcher runs a request against the node's local engine. The
// object router's Local wrapper already implements exactly this
// signature via clusternode.Local, so a Server is typically
// constructed over the same Local instance the router uses for
// locally-owned objects.
type Dispatcher interface {
	Read(ctx context.Context, obj clusternode.Object, buf []byte, off int64) (int, error)
	Write(ctx context.Context, obj clusternode.Object, buf []byte, off int64) (int, error)
	Sync(ctx context.Context, obj clusternode.Object) error
	GetSize(ctx context.Context, obj clusternode.Object) (uint64, error)
	Resize(ctx context.Context, obj clusternode.Object, newSize uint64) error
	Unlink(ctx context.Context, obj clusternode.Object) error
	Transfer(ctx context.Context, obj clusternode.Object) error
}

// Server is the receiving end of the router transport: an HTTP
// handler that decodes a request, hands it to a bounded worker pool
// for execution against the local engine, and encodes the response.
type Server struct {
	log        *slog.Logger
	dispatcher Dispatcher
	pool       *WorkerPool
	timeout    time.Duration
}

// NewServer wires dispatcher (normally the node's own clusternode.Local)
// behind an elastic worker pool.
func NewServer(dispatcher Dispatcher, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:        log,
		dispatcher: dispatcher,
		pool:       NewWorkerPool(4, 64, 1024),
		timeout:    30 * time.Second,
	}
}

// ServeHTTP implements http.Handler. Mount at POST /v1/cluster-node/rpc.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("malformed request: %v", err), http.StatusBadRequest)
		return
	}

	done := make(chan response, 1)
	s.pool.Submit(func() {
		done <- s.handle(r.Context(), req)
	})

	select {
	case resp := <-done:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	case <-r.Context().Done():
		http.Error(w, "request canceled", http.StatusGatewayTimeout)
	}
}

func (s *Server) handle(parent context.Context, req request) response {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	resp := response{Op: req.Op, Tag: req.Tag}

	var err error
	switch req.Op {
	case opRead:
		buf := make([]byte, req.Size)
		var n int
		n, err = s.dispatcher.Read(ctx, req.Object, buf, req.Offset)
		resp.N = n
		resp.Payload = buf[:n]
	case opWrite:
		var n int
		n, err = s.dispatcher.Write(ctx, req.Object, req.Payload, req.Offset)
		resp.N = n
	case opSync:
		err = s.dispatcher.Sync(ctx, req.Object)
	case opGetSize:
		var size uint64
		size, err = s.dispatcher.GetSize(ctx, req.Object)
		resp.Size = size
	case opResize:
		err = s.dispatcher.Resize(ctx, req.Object, req.NewSize)
	case opUnlink:
		err = s.dispatcher.Unlink(ctx, req.Object)
	case opTransfer:
		err = s.dispatcher.Transfer(ctx, req.Object)
	default:
		err = fmt.Errorf("unknown operation %q", req.Op)
	}

	if err != nil {
		resp.Error = err.Error()
		s.log.Warn("router transport RPC failed", "op", req.Op, "error", err)
	}
	return resp
}

// Stop drains and stops the worker pool.
func (s *Server) Stop() {
	s.pool.Stop()
}

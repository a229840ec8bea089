package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/volumerouter/volumerouter/internal/clusternode"
	"github.com/volumerouter/volumerouter/internal/objectrouter"
	"github.com/volumerouter/volumerouter/internal/scocache"
	"github.com/volumerouter/volumerouter/pkg/scotypes"
)

type fakeAdminRegistry struct {
	regs map[scotypes.VolumeID]scotypes.Registration
}

func newFakeAdminRegistry() *fakeAdminRegistry {
	return &fakeAdminRegistry{regs: make(map[scotypes.VolumeID]scotypes.Registration)}
}

func (f *fakeAdminRegistry) Find(id scotypes.VolumeID, ignoreCache bool) (scotypes.Registration, bool, error) {
	reg, ok := f.regs[id]
	return reg, ok, nil
}
func (f *fakeAdminRegistry) RegisterBase(id scotypes.VolumeID, ns scotypes.NSpace, owner scotypes.NodeID) error {
	f.regs[id] = scotypes.Registration{VolumeID: id, NSpace: ns, Owner: owner}
	return nil
}
func (f *fakeAdminRegistry) RegisterClone(id scotypes.VolumeID, ns scotypes.NSpace, owner scotypes.NodeID, tree scotypes.TreeConfig) error {
	f.regs[id] = scotypes.Registration{VolumeID: id, NSpace: ns, Owner: owner, Tree: tree}
	return nil
}
func (f *fakeAdminRegistry) RegisterFile(id scotypes.VolumeID, ns scotypes.NSpace, owner scotypes.NodeID) error {
	f.regs[id] = scotypes.Registration{VolumeID: id, NSpace: ns, Owner: owner}
	return nil
}
func (f *fakeAdminRegistry) Unregister(id scotypes.VolumeID) error {
	delete(f.regs, id)
	return nil
}
func (f *fakeAdminRegistry) Migrate(id scotypes.VolumeID, from, to scotypes.NodeID) (scotypes.OwnerTag, error) {
	reg := f.regs[id]
	reg.Owner = to
	f.regs[id] = reg
	return reg.OwnerTag, nil
}
func (f *fakeAdminRegistry) PrepareMigrate(seq uint64, id scotypes.VolumeID, from, to scotypes.NodeID) error {
	return nil
}
func (f *fakeAdminRegistry) SetNodeState(node scotypes.NodeID, state scotypes.NodeState) error {
	return nil
}
func (f *fakeAdminRegistry) PrepareNodeOfflineAssertion(seq uint64, node scotypes.NodeID) error {
	return nil
}
func (f *fakeAdminRegistry) ConvertBaseToClone(id scotypes.VolumeID, ns scotypes.NSpace, parent scotypes.VolumeID, snapshot string) error {
	return nil
}
func (f *fakeAdminRegistry) NodeState(node scotypes.NodeID) (scotypes.NodeState, bool) {
	return scotypes.NodeOnline, true
}

type fakeAdminNode struct {
	id scotypes.NodeID
}

func (f *fakeAdminNode) Read(ctx context.Context, obj clusternode.Object, buf []byte, off int64) (int, error) {
	return 0, nil
}
func (f *fakeAdminNode) Write(ctx context.Context, obj clusternode.Object, buf []byte, off int64) (int, error) {
	return 0, nil
}
func (f *fakeAdminNode) Sync(ctx context.Context, obj clusternode.Object) error { return nil }
func (f *fakeAdminNode) GetSize(ctx context.Context, obj clusternode.Object) (uint64, error) {
	return 0, nil
}
func (f *fakeAdminNode) Resize(ctx context.Context, obj clusternode.Object, newSize uint64) error {
	return nil
}
func (f *fakeAdminNode) Unlink(ctx context.Context, obj clusternode.Object) error { return nil }
func (f *fakeAdminNode) Transfer(ctx context.Context, obj clusternode.Object) error {
	return nil
}
func (f *fakeAdminNode) NodeID() scotypes.NodeID { return f.id }

func newTestRouter(t *testing.T) (*objectrouter.Router, *fakeAdminRegistry) {
	t.Helper()
	reg := newFakeAdminRegistry()
	cfg := objectrouter.DefaultConfig()
	cfg.ID = "node-a"
	router := objectrouter.New(cfg, reg, &fakeAdminNode{id: "node-a"}, nil, nil, nil)
	return router, reg
}

func TestHandleVolumeLocationNotConfigured(t *testing.T) {
	server := &Server{config: DefaultServerConfig()}
	req := httptest.NewRequest(http.MethodGet, "/v1/volumes/vol-1/location", nil)
	w := httptest.NewRecorder()

	server.handleVolumeLocation(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestHandleVolumeLocationFound(t *testing.T) {
	router, reg := newTestRouter(t)
	reg.RegisterBase("vol-1", "ns-1", "node-a")

	server := &Server{router: router, config: DefaultServerConfig()}
	req := httptest.NewRequest(http.MethodGet, "/v1/volumes/vol-1/location", nil)
	w := httptest.NewRecorder()

	server.handleVolumeLocation(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if resp["owner"] != "node-a" {
		t.Errorf("expected owner node-a, got %v", resp["owner"])
	}
}

func TestHandleVolumeLocationNotFound(t *testing.T) {
	router, _ := newTestRouter(t)
	server := &Server{router: router, config: DefaultServerConfig()}
	req := httptest.NewRequest(http.MethodGet, "/v1/volumes/missing/location", nil)
	w := httptest.NewRecorder()

	server.handleVolumeLocation(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHandleNodesListsKnownPeers(t *testing.T) {
	router, _ := newTestRouter(t)
	router.AddNode(&fakeAdminNode{id: "node-b"})

	server := &Server{router: router, config: DefaultServerConfig()}
	req := httptest.NewRequest(http.MethodGet, "/v1/nodes", nil)
	w := httptest.NewRecorder()

	server.handleNodes(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if int(resp["count"].(float64)) != 2 {
		t.Errorf("expected 2 nodes, got %v", resp["count"])
	}
}

func TestHandleCacheStatsNotConfigured(t *testing.T) {
	server := &Server{config: DefaultServerConfig()}
	req := httptest.NewRequest(http.MethodGet, "/v1/cache/stats", nil)
	w := httptest.NewRecorder()

	server.handleCacheStats(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestHandleCacheStatsReportsOccupancy(t *testing.T) {
	cache := scocache.New(scocache.DefaultConfig(), nil)
	defer cache.Close()
	dir := t.TempDir()
	cache.AddMountpoint(scocache.MountpointConfig{Path: dir, Capacity: 1 << 20})

	server := &Server{cache: cache, config: DefaultServerConfig()}
	req := httptest.NewRequest(http.MethodGet, "/v1/cache/stats", nil)
	w := httptest.NewRecorder()

	server.handleCacheStats(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if int(resp["mountpoints"].(float64)) != 1 {
		t.Errorf("expected 1 mountpoint, got %v", resp["mountpoints"])
	}
}

func TestAttachRouterAndCacheRegisterRoutes(t *testing.T) {
	server := NewServer(DefaultServerConfig(), nil, nil)
	router, reg := newTestRouter(t)
	reg.RegisterBase("vol-1", "ns-1", "node-a")
	server.AttachRouter(router)

	cache := scocache.New(scocache.DefaultConfig(), nil)
	defer cache.Close()
	server.AttachCache(cache)

	ts := httptest.NewServer(server.mux)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/volumes/vol-1/location")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	resp2, err := http.Get(ts.URL + "/v1/cache/stats")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp2.StatusCode)
	}
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nucleus/imageindex/internal/apperr"
	"github.com/nucleus/imageindex/internal/assetstore"
	"github.com/nucleus/imageindex/internal/embedding"
	"github.com/nucleus/imageindex/internal/neighbors"
)

const dim = 16

func newPlanner(t *testing.T) *neighbors.Planner {
	t.Helper()
	ctx := context.Background()
	provider := embedding.NewLocalProvider(dim)
	store := assetstore.NewMemoryStore(dim)
	for _, name := range []string{"red_car.jpg", "blue_car.jpg", "green_tree.png"} {
		vec, err := provider.Embed(ctx, embedding.Input{ImageURL: "https://objects.test/photos/" + name})
		require.NoError(t, err)
		require.NoError(t, store.UpsertAsset(ctx, name, assetstore.Int32(640), assetstore.Int32(480)))
		_, err = store.SetEmbedding(ctx, name, vec)
		require.NoError(t, err)
	}
	require.NoError(t, store.UpsertAsset(ctx, "pending.jpg", nil, nil))
	return neighbors.NewPlanner(store, provider, neighbors.Options{})
}

func get(t *testing.T, h http.Handler, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec, body
}

func fileNames(t *testing.T, body map[string]any) []string {
	t.Helper()
	results, ok := body["results"].([]any)
	require.True(t, ok)
	names := make([]string, 0, len(results))
	for _, r := range results {
		names = append(names, r.(map[string]any)["file_name"].(string))
	}
	return names
}

func TestSearchRoute(t *testing.T) {
	h := New(newPlanner(t), Config{}, nil).Handler()

	rec, body := get(t, h, "/api/search?q=red+car&limit=2")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	names := fileNames(t, body)
	require.Len(t, names, 2)
	assert.Equal(t, "red_car.jpg", names[0])
}

func TestNeighborsRoute(t *testing.T) {
	h := New(newPlanner(t), Config{}, nil).Handler()

	rec, body := get(t, h, "/api/neighbors/red_car.jpg")
	assert.Equal(t, http.StatusOK, rec.Code)
	names := fileNames(t, body)
	assert.Len(t, names, 2)
	assert.NotContains(t, names, "red_car.jpg")

	rec, body = get(t, h, "/api/neighbors/pending.jpg")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, fileNames(t, body))

	rec, body = get(t, h, "/api/neighbors/missing.jpg")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperr.CodeNotFound, body["error"].(map[string]any)["code"])
}

func TestRecentAndStatsRoutes(t *testing.T) {
	h := New(newPlanner(t), Config{}, nil).Handler()

	rec, body := get(t, h, "/api/recent?limit=2")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, fileNames(t, body), 2)

	rec, body = get(t, h, "/api/stats")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 4, body["total"])
	assert.EqualValues(t, 3, body["encoded"])
	assert.EqualValues(t, 1, body["pending"])

	rec, body = get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestBadLimit(t *testing.T) {
	h := New(newPlanner(t), Config{}, nil).Handler()
	rec, _ := get(t, h, "/api/recent?limit=ten")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type failingQuerier struct {
	err error
}

func (f *failingQuerier) Search(context.Context, string, int) ([]neighbors.Neighbor, error) {
	return nil, f.err
}

func (f *failingQuerier) NeighborsOf(context.Context, string, int, assetstore.Hints) ([]neighbors.Neighbor, error) {
	return nil, f.err
}

func (f *failingQuerier) Recent(context.Context, int) ([]assetstore.Asset, error) { return nil, f.err }
func (f *failingQuerier) Stats(context.Context) (neighbors.Stats, error)          { return neighbors.Stats{}, f.err }
func (f *failingQuerier) Hints() assetstore.Hints                                 { return assetstore.Hints{} }

func TestErrorStatuses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"dimension mismatch", apperr.DimensionMismatch("search", 4, 3), http.StatusBadRequest},
		{"not found", apperr.NotFound("search", "asset"), http.StatusNotFound},
		{"transient store", apperr.Persistence("search", true, errors.New("connection reset")), http.StatusServiceUnavailable},
		{"exhausted retries", fmt.Errorf("max retries exceeded after 5 attempts: %w",
			apperr.Provider("embed", true, errors.New("HTTP 429"))), http.StatusServiceUnavailable},
		{"permanent", apperr.Persistence("search", false, errors.New("permission denied")), http.StatusInternalServerError},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(&failingQuerier{err: tt.err}, Config{}, nil).Handler()
			rec, body := get(t, h, "/api/search?q=cat")
			assert.Equal(t, tt.want, rec.Code)
			assert.Contains(t, body, "error")
		})
	}
}

func TestServeAndHealth(t *testing.T) {
	httpLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	grpcLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv := New(newPlanner(t), Config{}, nil)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, httpLis, grpcLis) }()

	conn, err := grpc.NewClient(grpcLis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	checkCtx, checkCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer checkCancel()
	resp, err := healthpb.NewHealthClient(conn).Check(checkCtx, &healthpb.HealthCheckRequest{}, grpc.WaitForReady(true))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	httpResp, err := http.Get("http://" + httpLis.Addr().String() + "/healthz")
	require.NoError(t, err)
	_ = httpResp.Body.Close()
	assert.Equal(t, http.StatusOK, httpResp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

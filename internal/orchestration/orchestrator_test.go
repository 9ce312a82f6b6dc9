package orchestration

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nucleus/imageindex/internal/apperr"
	"github.com/nucleus/imageindex/internal/assetstore"
	"github.com/nucleus/imageindex/internal/backfill"
	"github.com/nucleus/imageindex/internal/embedding"
	"github.com/nucleus/imageindex/internal/namespace"
	"github.com/nucleus/imageindex/internal/neighbors"
	"github.com/nucleus/imageindex/internal/objectstore"
	"github.com/nucleus/imageindex/internal/reconcile"
	"github.com/nucleus/imageindex/internal/retry"
)

const dim = 32

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func writeImage(t *testing.T, dir, name string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 6))
	var buf bytes.Buffer
	if strings.HasSuffix(name, ".jpg") {
		require.NoError(t, jpeg.Encode(&buf, img, nil))
	} else {
		require.NoError(t, png.Encode(&buf, img))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), buf.Bytes(), 0o644))
}

// flakyProvider wraps the local provider and fails the first fails[name]
// calls for name with a permanent error. onFirst runs once, on the first call.
type flakyProvider struct {
	*embedding.LocalProvider

	mu      sync.Mutex
	fails   map[string]int
	once    sync.Once
	onFirst func()
}

func (p *flakyProvider) Embed(ctx context.Context, in embedding.Input) ([]float32, error) {
	if p.onFirst != nil {
		p.once.Do(p.onFirst)
	}
	name, _, _ := strings.Cut(path.Base(in.ImageURL), "?")
	p.mu.Lock()
	if p.fails[name] > 0 {
		p.fails[name]--
		p.mu.Unlock()
		return nil, apperr.Provider("embed", false, errors.New("HTTP 400: unsupported image"))
	}
	p.mu.Unlock()
	return p.LocalProvider.Embed(ctx, in)
}

type harness struct {
	dir      string
	objects  *objectstore.LocalStore
	store    *assetstore.MemoryStore
	provider embedding.Provider
	sleeps   []time.Duration
	phases   []Phase
}

func newHarness(t *testing.T, provider embedding.Provider) *harness {
	t.Helper()
	objects, err := objectstore.NewLocalStore(objectstore.Config{
		Driver:   objectstore.DriverLocal,
		Bucket:   "photos",
		RootPath: t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, objects.EnsureBucket(context.Background()))
	if provider == nil {
		provider = embedding.NewLocalProvider(dim)
	}
	return &harness{
		dir:      t.TempDir(),
		objects:  objects,
		store:    assetstore.NewMemoryStore(dim),
		provider: provider,
	}
}

func (h *harness) orchestrator(maxCycles int) *Orchestrator {
	scanner := reconcile.NewScanner(h.dir, retry.Policy{}, nil)
	uploader := reconcile.NewUploader(h.objects, h.store, reconcile.UploaderOptions{Dir: h.dir})
	worker := backfill.NewWorker(h.objects, h.provider, h.store, backfill.Options{BatchSize: 2})
	return New(scanner, uploader, worker, h.store, Options{
		MaxCycles: maxCycles,
		Sleep: func(ctx context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return ctx.Err()
		},
		OnPhase: func(_ string, p Phase) { h.phases = append(h.phases, p) },
	})
}

func TestEndToEndSync(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	writeImage(t, h.dir, "a.jpg")
	writeImage(t, h.dir, "b.png")

	ns, err := namespace.Resolve("photos")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ns, "photos_"))

	summary, err := h.orchestrator(0).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Cycles)
	assert.Equal(t, 2, summary.Uploaded)
	assert.Equal(t, 2, summary.Embedded)
	assert.Zero(t, summary.Pending)
	assert.Empty(t, h.sleeps)
	assert.Equal(t, []Phase{PhaseScan, PhaseUpload, PhaseCountPending, PhaseEmbed, PhaseCountPending, PhaseDone}, h.phases)

	ok, err := h.objects.Head(ctx, "a.jpg")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "image/jpeg", h.objects.ContentType("a.jpg"))
	assert.Equal(t, "image/png", h.objects.ContentType("b.png"))

	a, err := h.store.GetAsset(ctx, "a.jpg")
	require.NoError(t, err)
	assert.Equal(t, int32(8), *a.Width)
	assert.Equal(t, int32(6), *a.Height)

	got, err := neighbors.NewPlanner(h.store, h.provider, neighbors.Options{}).
		NeighborsOf(ctx, "a.jpg", 30, assetstore.Hints{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b.png", got[0].FileName)
}

func TestSecondRunIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	writeImage(t, h.dir, "a.jpg")

	_, err := h.orchestrator(0).Run(context.Background())
	require.NoError(t, err)

	h.phases = nil
	summary, err := h.orchestrator(0).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Uploaded)
	assert.Zero(t, summary.Embedded)
	assert.Equal(t, []Phase{PhaseScan, PhaseCountPending, PhaseDone}, h.phases)
}

func TestRescanPicksUpLateFiles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	writeImage(t, h.dir, "a.png")
	writeImage(t, h.dir, "bad.png")

	provider := &flakyProvider{
		LocalProvider: embedding.NewLocalProvider(dim),
		fails:         map[string]int{"bad.png": 1},
	}
	provider.onFirst = func() { writeImage(t, h.dir, "late.png") }
	h.provider = provider

	summary, err := h.orchestrator(0).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Cycles)
	assert.Equal(t, 3, summary.Uploaded)
	assert.Equal(t, 3, summary.Embedded)
	assert.Equal(t, 1, summary.EmbedFailed)
	assert.Equal(t, []time.Duration{DefaultInterval}, h.sleeps)
	assert.Equal(t, 1, summary.History[0].Rescan.Uploaded)
	assert.NotEqual(t, summary.History[0].RunID, summary.History[1].RunID)

	pending, err := h.store.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestMaxCyclesReached(t *testing.T) {
	h := newHarness(t, nil)
	writeImage(t, h.dir, "bad.png")
	h.provider = &flakyProvider{
		LocalProvider: embedding.NewLocalProvider(dim),
		fails:         map[string]int{"bad.png": 100},
	}

	summary, err := h.orchestrator(2).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxCyclesReached)
	assert.Equal(t, 2, summary.Cycles)
	assert.EqualValues(t, 1, summary.Pending)
	assert.Len(t, h.sleeps, 1)
}

func TestRunHonorsCancellation(t *testing.T) {
	h := newHarness(t, nil)
	writeImage(t, h.dir, "a.png")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.orchestrator(0).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	total, err := h.store.CountTotal(context.Background())
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestScanFailureIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.dir = filepath.Join(h.dir, "missing")

	_, err := h.orchestrator(0).Run(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))
}

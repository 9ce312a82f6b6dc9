package reconcile

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nucleus/imageindex/internal/apperr"
	"github.com/nucleus/imageindex/internal/assetstore"
	"github.com/nucleus/imageindex/internal/retry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeObjects struct {
	mu       sync.Mutex
	objects  map[string]string // name -> content type
	heads    int
	puts     int
	failPut  map[string]error
	flakyPut map[string]int // remaining transient failures
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{
		objects:  make(map[string]string),
		failPut:  make(map[string]error),
		flakyPut: make(map[string]int),
	}
}

func (f *fakeObjects) EnsureBucket(context.Context) error { return nil }

func (f *fakeObjects) Head(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heads++
	_, ok := f.objects[name]
	return ok, nil
}

func (f *fakeObjects) Put(_ context.Context, name string, _ []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if err := f.failPut[name]; err != nil {
		return err
	}
	if f.flakyPut[name] > 0 {
		f.flakyPut[name]--
		return apperr.Storage("put", true, errors.New("connection reset"))
	}
	f.objects[name] = contentType
	return nil
}

func (f *fakeObjects) ObjectURL(_ context.Context, name string) (string, error) {
	return "https://objects.test/" + name, nil
}

func writePNG(t *testing.T, dir, name string, w, h int) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), buf.Bytes(), 0o644))
}

func instantRetry(delays []time.Duration, retryable func(error) bool) *retry.Policy {
	p := retry.NewPolicy(delays, retryable)
	p.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return &p
}

func TestListLocalFiltersAndSorts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.PNG", "a.jpg", "notes.txt", "c.webp"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.jpg"), 0o755))

	names, err := NewScanner(dir, retry.Policy{}, nil).ListLocal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jpg", "b.PNG", "c.webp"}, names)
}

func TestListLocalEmptyAndMissing(t *testing.T) {
	names, err := NewScanner(t.TempDir(), retry.Policy{}, nil).ListLocal(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = NewScanner(filepath.Join(t.TempDir(), "nope"), retry.Policy{}, nil).ListLocal(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))
}

func TestMissing(t *testing.T) {
	got := Missing([]string{"d.jpg", "a.jpg", "c.jpg", "a.jpg"}, []string{"c.jpg", "zzz.jpg"})
	assert.Equal(t, []string{"a.jpg", "d.jpg"}, got)
	assert.Empty(t, Missing(nil, []string{"a.jpg"}))
	assert.Empty(t, Missing([]string{"a.jpg"}, []string{"a.jpg"}))
}

func TestScanAgainstStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writePNG(t, dir, "a.png", 2, 2)
	writePNG(t, dir, "b.png", 2, 2)

	store := assetstore.NewMemoryStore(4)
	require.NoError(t, store.UpsertAsset(ctx, "a.png", nil, nil))

	missing, err := NewScanner(dir, retry.Policy{}, nil).Scan(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.png"}, missing)
}

func TestUploaderUploadsAndRecords(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writePNG(t, dir, "a.png", 100, 200)
	writePNG(t, dir, "b.png", 3, 4)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.jpg"), []byte("not a jpeg"), 0o644))

	objects := newFakeObjects()
	store := assetstore.NewMemoryStore(4)
	u := NewUploader(objects, store, UploaderOptions{Dir: dir, Concurrency: 2})

	report := u.Run(ctx, []string{"a.png", "b.png", "broken.jpg"})
	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 3, report.Succeeded)
	assert.Equal(t, 3, report.Uploaded)
	assert.Zero(t, report.Failed)

	assert.Equal(t, "image/png", objects.objects["a.png"])
	assert.Equal(t, "image/jpeg", objects.objects["broken.jpg"])

	a, err := store.GetAsset(ctx, "a.png")
	require.NoError(t, err)
	assert.Equal(t, int32(100), *a.Width)
	assert.Equal(t, int32(200), *a.Height)

	broken, err := store.GetAsset(ctx, "broken.jpg")
	require.NoError(t, err)
	assert.Nil(t, broken.Width)
	assert.Nil(t, broken.Height)
}

func TestUploaderIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writePNG(t, dir, "a.png", 5, 5)

	objects := newFakeObjects()
	store := assetstore.NewMemoryStore(4)
	u := NewUploader(objects, store, UploaderOptions{Dir: dir})

	first := u.Run(ctx, []string{"a.png"})
	second := u.Run(ctx, []string{"a.png"})

	assert.Equal(t, 1, first.Uploaded)
	assert.Equal(t, 0, second.Uploaded)
	assert.Equal(t, 1, second.Skipped)
	assert.Equal(t, 1, objects.puts)

	total, err := store.CountTotal(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestUploaderIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	for _, name := range []string{"a.png", "b.png", "c.png"} {
		writePNG(t, dir, name, 1, 1)
	}

	objects := newFakeObjects()
	objects.failPut["b.png"] = apperr.Storage("put", false, errors.New("access denied"))
	store := assetstore.NewMemoryStore(4)
	u := NewUploader(objects, store, UploaderOptions{Dir: dir})

	report := u.Run(ctx, []string{"a.png", "b.png", "c.png", "gone.png"})
	assert.Equal(t, 4, report.Processed)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 2, report.Failed)
	require.Len(t, report.Errors, 2)

	failed := map[string]bool{}
	for _, e := range report.Errors {
		failed[e.FileName] = true
	}
	assert.True(t, failed["b.png"])
	assert.True(t, failed["gone.png"])

	names, err := store.ListFileNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.png", "c.png"}, names)
}

func TestUploaderRetriesTransientObjectErrors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writePNG(t, dir, "a.png", 1, 1)

	objects := newFakeObjects()
	objects.flakyPut["a.png"] = 2
	store := assetstore.NewMemoryStore(4)
	u := NewUploader(objects, store, UploaderOptions{
		Dir:         dir,
		ObjectRetry: instantRetry(retry.ObjectDelays, func(err error) bool { return apperr.IsRetryable(err) }),
	})

	report := u.Run(ctx, []string{"a.png"})
	assert.Equal(t, 1, report.Uploaded)
	assert.Equal(t, 3, objects.puts)
}

func TestUploaderSkipExistsCheck(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, dir, "a.png", 1, 1)

	objects := newFakeObjects()
	u := NewUploader(objects, assetstore.NewMemoryStore(4), UploaderOptions{Dir: dir, SkipExistsCheck: true})

	report := u.Run(context.Background(), []string{"a.png"})
	assert.Equal(t, 1, report.Uploaded)
	assert.Zero(t, objects.heads)
}

func TestUploaderStopsDispatchWhenCanceled(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, dir, "a.png", 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	objects := newFakeObjects()
	report := NewUploader(objects, assetstore.NewMemoryStore(4), UploaderOptions{Dir: dir}).
		Run(ctx, []string{"a.png", "b.png"})
	assert.Equal(t, 2, report.NotDispatched)
	assert.Zero(t, report.Processed)
	assert.Zero(t, objects.puts)
}

package s3blob

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/exitguard/internal/domain"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	putErr  error
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memBlobs) Put(_ context.Context, p string, data io.Reader, ct string) error {
	if m.putErr != nil {
		return m.putErr
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[p] = b
	m.types[p] = ct
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, p string, data io.Reader, _ int64) error {
	return m.Put(ctx, p, data, "")
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for k, v := range m.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, domain.BlobInfo{Path: k, Size: int64(len(v))})
		}
	}
	return out, nil
}

type memAudit struct{ events []string }

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func writeJournal(t *testing.T, dir, day, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, day), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, day, day+"_exit_log.csv"), []byte(body), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, day, day+"_exit_log.txt"), []byte(body), 0o644))
}

func newTestArchiver(t *testing.T, dir string, blobs *memBlobs, deleteAfter bool) *JournalArchiver {
	t.Helper()
	a := NewJournalArchiver(blobs, blobs, ArchiverConfig{
		Dir:               dir,
		Prefix:            "/journal/",
		DeleteAfterUpload: deleteAfter,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.now = func() time.Time { return time.Date(2026, 4, 3, 12, 0, 0, 0, time.UTC) }
	return a
}

func TestArchiveClosedDaysSkipsToday(t *testing.T) {
	dir := t.TempDir()
	writeJournal(t, dir, "2026-04-01", "a")
	writeJournal(t, dir, "2026-04-02", "bb")
	writeJournal(t, dir, "2026-04-03", "ccc")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "scratch"), 0o755))

	blobs := newMemBlobs()
	audit := &memAudit{}
	a := newTestArchiver(t, dir, blobs, false)
	a.SetAuditStore(audit)

	n, err := a.ArchiveClosedDays(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Contains(t, blobs.objects, "journal/2026-04-01/2026-04-01_exit_log.csv")
	assert.Contains(t, blobs.objects, "journal/2026-04-02/2026-04-02_exit_log.txt")
	assert.NotContains(t, blobs.objects, "journal/2026-04-03/2026-04-03_exit_log.csv")
	assert.Equal(t, "text/csv; charset=utf-8", blobs.types["journal/2026-04-01/2026-04-01_exit_log.csv"])
	assert.Equal(t, []string{"journal.archived", "journal.archived"}, audit.events)

	n, err = a.ArchiveClosedDays(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "unchanged files are not re-sent")
}

func TestArchiveReuploadsGrownFile(t *testing.T) {
	dir := t.TempDir()
	writeJournal(t, dir, "2026-04-01", "a")
	blobs := newMemBlobs()
	a := newTestArchiver(t, dir, blobs, false)

	_, err := a.ArchiveClosedDays(context.Background())
	require.NoError(t, err)

	writeJournal(t, dir, "2026-04-01", "abc")
	n, err := a.ArchiveClosedDays(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte("abc"), blobs.objects["journal/2026-04-01/2026-04-01_exit_log.csv"])
}

func TestArchiveDeleteAfterUpload(t *testing.T) {
	dir := t.TempDir()
	writeJournal(t, dir, "2026-04-01", "a")
	blobs := newMemBlobs()
	a := newTestArchiver(t, dir, blobs, true)

	_, err := a.ArchiveClosedDays(context.Background())
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "2026-04-01"))
	assert.True(t, os.IsNotExist(err))
}

func TestArchiveUploadFailureKeepsFiles(t *testing.T) {
	dir := t.TempDir()
	writeJournal(t, dir, "2026-04-01", "a")
	blobs := newMemBlobs()
	blobs.putErr = errors.New("bucket gone")
	a := newTestArchiver(t, dir, blobs, true)

	_, err := a.ArchiveClosedDays(context.Background())
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(dir, "2026-04-01", "2026-04-01_exit_log.csv"))
	assert.NoError(t, statErr)
}

func TestArchiveMissingDir(t *testing.T) {
	a := newTestArchiver(t, filepath.Join(t.TempDir(), "absent"), newMemBlobs(), false)
	n, err := a.ArchiveClosedDays(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "http://localhost:9000", normaliseEndpoint("http://localhost:9000", true))
}

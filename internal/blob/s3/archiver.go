package s3blob

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/alanyoungcy/exitguard/internal/domain"
)

// multipartThreshold is the file size above which uploads go through the
// multipart manager.
const multipartThreshold int64 = 16 * 1024 * 1024

// dayLayout names the per-day journal directories.
const dayLayout = "2006-01-02"

// ArchiverConfig controls which journal files are uploaded and where.
type ArchiverConfig struct {
	Dir               string
	Prefix            string
	DeleteAfterUpload bool
}

// JournalArchiver uploads finished journal days (every day directory before
// today, UTC) to object storage under {prefix}/{day}/{file}. A file whose
// object already exists with the same size is skipped.
type JournalArchiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	audit  domain.AuditStore
	cfg    ArchiverConfig
	now    func() time.Time
	logger *slog.Logger
}

// NewJournalArchiver creates a JournalArchiver.
func NewJournalArchiver(w domain.BlobWriter, r domain.BlobReader, cfg ArchiverConfig, logger *slog.Logger) *JournalArchiver {
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &JournalArchiver{
		writer: w,
		reader: r,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With(slog.String("component", "journal_archiver")),
	}
}

// SetAuditStore records every uploaded day in the audit log.
func (a *JournalArchiver) SetAuditStore(s domain.AuditStore) { a.audit = s }

// Run archives once immediately and then every interval until ctx is done.
func (a *JournalArchiver) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := a.ArchiveClosedDays(ctx); err != nil {
			a.logger.Warn("journal archive pass failed", slog.String("error", err.Error()))
		} else if n > 0 {
			a.logger.Info("journal archived", slog.Int("files", n))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ArchiveClosedDays uploads every journal file of days before today and
// returns how many files were sent.
func (a *JournalArchiver) ArchiveClosedDays(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(a.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("s3blob: read journal dir: %w", err)
	}

	today := a.now().UTC().Format(dayLayout)
	uploaded, err := a.existing(ctx)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, e := range entries {
		day := e.Name()
		if !e.IsDir() || day >= today {
			continue
		}
		if _, err := time.Parse(dayLayout, day); err != nil {
			continue
		}
		n, err := a.archiveDay(ctx, day, uploaded)
		sent += n
		if err != nil {
			return sent, err
		}
	}
	return sent, nil
}

func (a *JournalArchiver) existing(ctx context.Context) (map[string]int64, error) {
	infos, err := a.reader.List(ctx, a.cfg.Prefix+"/")
	if err != nil {
		return nil, fmt.Errorf("s3blob: list archive: %w", err)
	}
	out := make(map[string]int64, len(infos))
	for _, info := range infos {
		out[info.Path] = info.Size
	}
	return out, nil
}

func (a *JournalArchiver) archiveDay(ctx context.Context, day string, uploaded map[string]int64) (int, error) {
	dayDir := filepath.Join(a.cfg.Dir, day)
	files, err := os.ReadDir(dayDir)
	if err != nil {
		return 0, fmt.Errorf("s3blob: read %s: %w", dayDir, err)
	}

	var keys []string
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		local := filepath.Join(dayDir, f.Name())
		key := path.Join(a.cfg.Prefix, day, f.Name())

		info, err := f.Info()
		if err != nil {
			return len(keys), fmt.Errorf("s3blob: stat %s: %w", local, err)
		}
		if size, ok := uploaded[key]; !ok || size != info.Size() {
			if err := a.upload(ctx, local, key, info.Size()); err != nil {
				return len(keys), err
			}
			keys = append(keys, key)
		}
		if a.cfg.DeleteAfterUpload {
			if err := os.Remove(local); err != nil {
				a.logger.Warn("remove archived file", slog.String("path", local), slog.String("error", err.Error()))
			}
		}
	}
	if a.cfg.DeleteAfterUpload {
		_ = os.Remove(dayDir) // only succeeds once empty
	}

	if len(keys) > 0 && a.audit != nil {
		if err := a.audit.Log(ctx, "journal.archived", map[string]any{
			"day":   day,
			"files": keys,
		}); err != nil {
			a.logger.Warn("audit journal archive", slog.String("error", err.Error()))
		}
	}
	return len(keys), nil
}

func (a *JournalArchiver) upload(ctx context.Context, local, key string, size int64) error {
	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("s3blob: open %s: %w", local, err)
	}
	defer f.Close()

	if size > multipartThreshold {
		err = a.writer.PutMultipart(ctx, key, f, minPartSize)
	} else {
		err = a.writer.Put(ctx, key, f, contentType(key))
	}
	if err != nil {
		return err
	}
	a.logger.Debug("journal file uploaded", slog.String("key", key), slog.Int64("bytes", size))
	return nil
}

func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".csv":
		return "text/csv; charset=utf-8"
	case ".txt", ".log":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

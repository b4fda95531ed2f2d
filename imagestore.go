package render

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"
)

// ImageRecord is one stored render result. The store owns the byte buffer.
type ImageRecord struct {
	ID          string
	Bytes       []byte
	ContentType string
	SizeBytes   int64
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// ImageStore persists produced image bytes with a bounded lifetime. Records
// past their expiry are invisible to Get even before the background sweep
// physically deletes them.
type ImageStore struct {
	db        *sql.DB
	retention time.Duration
	log       zerolog.Logger
	now       func() time.Time

	stopSweep chan struct{}
	sweepDone chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

const imageSchema = `
CREATE TABLE IF NOT EXISTS images (
	id           TEXT PRIMARY KEY,
	bytes        BLOB NOT NULL,
	content_type TEXT NOT NULL,
	size_bytes   INTEGER NOT NULL,
	created_at   INTEGER NOT NULL,
	expires_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_images_expires_at ON images(expires_at);
`

// OpenImageStore opens (or creates) the image database at
// {dataDir}/images.sqlite3 and prepares the schema.
func OpenImageStore(dataDir string, retention time.Duration, log zerolog.Logger) (*ImageStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating image store directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "images.sqlite3")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening image database: %w", err)
	}
	// Enable WAL mode for better concurrent access.
	_, _ = db.Exec("PRAGMA journal_mode=WAL")
	return newImageStore(db, retention, log)
}

// NewImageStoreMemory creates an in-memory store for testing.
func NewImageStoreMemory(retention time.Duration, log zerolog.Logger) (*ImageStore, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory image database: %w", err)
	}
	return newImageStore(db, retention, log)
}

func newImageStore(db *sql.DB, retention time.Duration, log zerolog.Logger) (*ImageStore, error) {
	if _, err := db.Exec(imageSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating image schema: %w", err)
	}
	return &ImageStore{
		db:        db,
		retention: retention,
		log:       log.With().Str("component", "imagestore").Logger(),
		now:       time.Now,
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}, nil
}

// GenerateImageID produces an opaque, non-enumerable image id.
func (s *ImageStore) GenerateImageID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Store inserts one record expiring retention from now. Re-storing under an
// existing id overwrites the previous record.
func (s *ImageStore) Store(id string, data []byte, contentType string) error {
	now := s.now()
	_, err := s.db.Exec(`
		INSERT INTO images (id, bytes, content_type, size_bytes, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			bytes = excluded.bytes,
			content_type = excluded.content_type,
			size_bytes = excluded.size_bytes,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		id, data, contentType, int64(len(data)),
		now.UnixMilli(), now.Add(s.retention).UnixMilli())
	if err != nil {
		return fmt.Errorf("storing image %s: %w", id, err)
	}
	return nil
}

// Get returns the record for id if it exists and has not expired. Expiry is
// logical: the row may still be on disk awaiting the sweep.
func (s *ImageStore) Get(id string) (*ImageRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, bytes, content_type, size_bytes, created_at, expires_at
		FROM images WHERE id = ? AND expires_at > ?`,
		id, s.now().UnixMilli())

	var rec ImageRecord
	var createdAt, expiresAt int64
	err := row.Scan(&rec.ID, &rec.Bytes, &rec.ContentType, &rec.SizeBytes, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading image %s: %w", id, err)
	}
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.ExpiresAt = time.UnixMilli(expiresAt)
	return &rec, nil
}

// Delete removes one record and reports whether it existed.
func (s *ImageStore) Delete(id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM images WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("deleting image %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// StartSweep launches the background task that physically deletes expired
// rows every interval. Safe to call once; Close stops it.
func (s *ImageStore) StartSweep(interval time.Duration) {
	s.startOnce.Do(func() {
		go s.sweepLoop(interval)
	})
}

func (s *ImageStore) sweepLoop(interval time.Duration) {
	defer close(s.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n, err := s.SweepExpired(); err != nil {
				s.log.Warn().Err(err).Msg("image sweep failed")
			} else if n > 0 {
				s.log.Debug().Int64("deleted", n).Msg("swept expired images")
			}
		case <-s.stopSweep:
			return
		}
	}
}

// SweepExpired deletes all rows past their expiry, returning the count.
func (s *ImageStore) SweepExpired() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM images WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweeping expired images: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close stops the sweep (waiting for the current pass to finish) and closes
// the database.
func (s *ImageStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopSweep)
	})
	s.startOnce.Do(func() {
		// Sweep never started; unblock the waiter below.
		close(s.sweepDone)
	})
	<-s.sweepDone
	return s.db.Close()
}

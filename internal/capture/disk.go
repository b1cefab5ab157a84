package capture

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DiskStore keeps captures in a directory: <id>.bin holds the bytes and
// <id>.meta the record as JSON.
type DiskStore struct {
	dir     string
	maxSize int
}

// NewDiskStore creates the directory if needed. maxSize 0 means no limit.
func NewDiskStore(dir string, maxSize int) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &DiskStore{dir: dir, maxSize: maxSize}, nil
}

// Dir returns the store directory.
func (s *DiskStore) Dir() string {
	return s.dir
}

// Save writes rec and its metadata.
func (s *DiskStore) Save(_ context.Context, rec *Record) (string, error) {
	if s.maxSize > 0 && len(rec.Data) > s.maxSize {
		return "", ErrTooLarge
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	rec.ID = newID(rec.At)

	if err := os.WriteFile(s.dataPath(rec.ID), rec.Data, 0644); err != nil {
		return "", err
	}
	meta, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(s.metaPath(rec.ID), meta, 0644); err != nil {
		os.Remove(s.dataPath(rec.ID))
		return "", err
	}
	return rec.ID, nil
}

// Load reads a capture back.
func (s *DiskStore) Load(_ context.Context, id string) (*Record, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	meta, err := os.ReadFile(s.metaPath(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(meta, &rec); err != nil {
		return nil, err
	}
	if rec.Data, err = os.ReadFile(s.dataPath(id)); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// Cleanup removes captures whose files are older than maxAge.
func (s *DiskStore) Cleanup(_ context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".meta") {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		id := strings.TrimSuffix(name, ".meta")
		os.Remove(s.dataPath(id))
		if os.Remove(s.metaPath(id)) == nil {
			removed++
		}
	}
	return removed, nil
}

func (s *DiskStore) dataPath(id string) string {
	return filepath.Join(s.dir, id+".bin")
}

func (s *DiskStore) metaPath(id string) string {
	return filepath.Join(s.dir, id+".meta")
}

package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pincerlabs/pincer/pkg/logger"
)

// storeDoc is the on-disk document: {"version": 1, "jobs": [...]}.
type storeDoc struct {
	Version int    `json:"version"`
	Jobs    []*Job `json:"jobs"`
}

const storeVersion = 1

// loadStore reads the job store. A missing file yields an empty store;
// a corrupt one is tolerated the same way, with a logged warning.
func loadStore(path string) *storeDoc {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.WarnCF("cron", "Cannot read job store, starting empty", map[string]any{
				"path": path, "error": err.Error(),
			})
		}
		return &storeDoc{Version: storeVersion, Jobs: []*Job{}}
	}

	var doc storeDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		logger.WarnCF("cron", "Job store corrupt, starting empty", map[string]any{
			"path": path, "error": err.Error(),
		})
		return &storeDoc{Version: storeVersion, Jobs: []*Job{}}
	}
	if doc.Jobs == nil {
		doc.Jobs = []*Job{}
	}
	doc.Version = storeVersion
	return &doc
}

// saveStore writes the document atomically: temp file in the same
// directory, fsync, rename.
func saveStore(path string, doc *storeDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding job store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating store dir: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating temp store: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing temp store: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing temp store: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing temp store: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing job store: %w", err)
	}
	return nil
}

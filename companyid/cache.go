package companyid

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

const cacheFileName = "company_ids.json"

// DefaultCachePath returns $XDG_CACHE_HOME/bluetooth/company_ids.json, falling back to
// ~/.cache on Linux.
func DefaultCachePath() string {
	dir, err := os.UserCacheDir()

	if err != nil {
		dir = filepath.Join(os.TempDir(), ".cache")
	}

	return filepath.Join(dir, "bluetooth", cacheFileName)
}

// readCache returns the persisted mapping and the time it was written.
func readCache(path string) (map[string]string, time.Time, error) {
	info, err := os.Stat(path)

	if err != nil {
		return nil, time.Time{}, err
	}

	b, err := os.ReadFile(path)

	if err != nil {
		return nil, time.Time{}, err
	}

	var entries map[string]string

	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, time.Time{}, errors.Wrapf(ErrMalformed, "cache file %s: %v", path, err)
	}

	return entries, info.ModTime(), nil
}

// writeCache replaces the cache file atomically: readers either see the previous
// content or the full new one.
func writeCache(path string, entries map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "cannot create cache directory")
	}

	b, err := json.Marshal(entries)

	if err != nil {
		return errors.Wrap(err, "cannot encode cache")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+cacheFileName+"-*")

	if err != nil {
		return errors.Wrap(err, "cannot create temporary cache file")
	}

	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return errors.Wrap(err, "cannot write cache")
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "cannot sync cache")
	}

	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "cannot close cache")
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "cannot replace cache file")
	}

	return nil
}

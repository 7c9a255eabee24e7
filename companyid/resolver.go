// Package companyid resolves Bluetooth SIG company identifiers to vendor names.
//
// The identifier table is downloaded from the Bluetooth SIG assigned numbers
// repository, persisted as a JSON object (decimal ID -> name) in the user cache
// directory and reused until it gets older than the configured max age.
package companyid

import (
	"context"
	"io/fs"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultName               = "Unknown"
	DefaultMaxAge             = 7 * 24 * time.Hour
	DefaultStaleRetryInterval = time.Minute
	DefaultFetchTimeout       = 30 * time.Second
)

var (
	ErrFetch     = errors.New("company identifiers fetch failed")
	ErrMalformed = errors.New("malformed company identifiers")
)

type Options struct {
	// Where to download the YAML dataset from. Defaults to DefaultURL.
	URL string
	// Location of the persisted JSON cache. Defaults to DefaultCachePath().
	CachePath string
	// How long a fetched table is considered fresh. Defaults to DefaultMaxAge.
	MaxAge time.Duration
	HTTPClient *http.Client

	// Serve an expired table (in memory or on disk) when refreshing it fails, instead
	// of returning the fetch error. Refreshing is attempted again after
	// StaleRetryInterval.
	AllowStale         bool
	StaleRetryInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.URL == "" {
		o.URL = DefaultURL
	}

	if o.CachePath == "" {
		o.CachePath = DefaultCachePath()
	}

	if o.MaxAge <= 0 {
		o.MaxAge = DefaultMaxAge
	}

	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: DefaultFetchTimeout}
	}

	if o.StaleRetryInterval <= 0 {
		o.StaleRetryInterval = DefaultStaleRetryInterval
	}

	return o
}

// Table is an immutable snapshot of the company identifier mapping.
type Table struct {
	entries   map[string]string
	FetchedAt time.Time
}

func NewTable(entries map[string]string, fetchedAt time.Time) *Table {
	return &Table{entries: entries, FetchedAt: fetchedAt}
}

// Lookup returns the vendor name for id, or def when the table has no such entry.
func (t *Table) Lookup(id uint16, def string) string {
	if t == nil {
		return def
	}

	if name, ok := t.entries[strconv.Itoa(int(id))]; ok {
		return name
	}

	return def
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}

	return len(t.entries)
}

// Entries returns a copy of the mapping.
func (t *Table) Entries() map[string]string {
	out := make(map[string]string, t.Len())

	if t == nil {
		return out
	}

	for k, v := range t.entries {
		out[k] = v
	}

	return out
}

type Resolver struct {
	opts Options
	now  func() time.Time

	group singleflight.Group
	// serializes cache file access and fetches.
	ioMu sync.Mutex

	mu      sync.RWMutex
	table   *Table
	retryAt time.Time
}

func NewResolver(opts Options) *Resolver {
	return &Resolver{
		opts: opts.withDefaults(),
		now:  time.Now,
	}
}

func (r *Resolver) CachePath() string {
	return r.opts.CachePath
}

// Resolve is ResolveOr with DefaultName as the fallback.
func (r *Resolver) Resolve(ctx context.Context, id uint16) (string, error) {
	return r.ResolveOr(ctx, id, DefaultName)
}

// ResolveOr returns the vendor name registered for id, or def if there is none. An
// error is returned only when no identifier table could be obtained at all.
func (r *Resolver) ResolveOr(ctx context.Context, id uint16, def string) (string, error) {
	t, err := r.Load(ctx)

	if err != nil {
		return "", err
	}

	return t.Lookup(id, def), nil
}

// Load returns the current identifier table, reading the cache file or fetching the
// dataset when the in-memory copy is missing or expired.
func (r *Resolver) Load(ctx context.Context) (*Table, error) {
	if t := r.current(); t != nil {
		return t, nil
	}

	return r.shared(ctx, "load", false)
}

// ForceReload fetches and persists the dataset regardless of the cache freshness.
func (r *Resolver) ForceReload(ctx context.Context) (*Table, error) {
	return r.shared(ctx, "reload", true)
}

// shared joins the in-flight load for key, or starts one. The load outlives ctx, it
// is bounded by the HTTP client timeout instead, so a caller giving up does not fail
// the others waiting on it.
func (r *Resolver) shared(ctx context.Context, key string, force bool) (*Table, error) {
	flightCtx := context.WithoutCancel(ctx)

	ch := r.group.DoChan(key, func() (any, error) {
		return r.load(flightCtx, force)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		return res.Val.(*Table), nil
	}
}

func (r *Resolver) current() *Table {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.usableLocked()
}

func (r *Resolver) usableLocked() *Table {
	if r.table == nil {
		return nil
	}

	now := r.now()

	if now.Sub(r.table.FetchedAt) < r.opts.MaxAge || now.Before(r.retryAt) {
		return r.table
	}

	return nil
}

func (r *Resolver) set(t *Table, retryAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.table = t
	r.retryAt = retryAt
}

func (r *Resolver) load(ctx context.Context, force bool) (*Table, error) {
	r.ioMu.Lock()
	defer r.ioMu.Unlock()

	r.mu.RLock()
	stale := r.table
	r.mu.RUnlock()

	if !force {
		// another load could have finished while we were waiting.
		if t := r.current(); t != nil {
			return t, nil
		}

		entries, modTime, err := readCache(r.opts.CachePath)

		switch {
		case err == nil && r.now().Sub(modTime) < r.opts.MaxAge:
			cacheLoadsCounter.Inc()

			log.Debug().
				Str("Path", r.opts.CachePath).
				Time("ModTime", modTime).
				Int("Entries", len(entries)).
				Msg("companyid: using cached company identifiers")

			t := NewTable(entries, modTime)
			r.set(t, time.Time{})

			return t, nil
		case err == nil:
			if stale == nil || modTime.After(stale.FetchedAt) {
				stale = NewTable(entries, modTime)
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			log.Warn().
				Err(err).
				Str("Path", r.opts.CachePath).
				Msg("companyid: ignoring unreadable cache file")
		}
	}

	entries, err := r.fetch(ctx)

	if err != nil {
		if !force && r.opts.AllowStale && stale != nil {
			staleServesCounter.Inc()

			log.Warn().
				Err(err).
				Time("FetchedAt", stale.FetchedAt).
				Dur("RetryIn", r.opts.StaleRetryInterval).
				Msg("companyid: refresh failed, serving stale company identifiers")

			r.set(stale, r.now().Add(r.opts.StaleRetryInterval))

			return stale, nil
		}

		return nil, err
	}

	if err := writeCache(r.opts.CachePath, entries); err != nil {
		// the table is still usable, it'll just be fetched again on the next start.
		log.Error().
			Err(err).
			Str("Path", r.opts.CachePath).
			Msg("companyid: failed to persist company identifiers")
	}

	t := NewTable(entries, r.now())
	r.set(t, time.Time{})

	return t, nil
}

// Package cache keeps downloaded assets on disk keyed by URL and revalidates
// them against the server with conditional requests.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bnema/ardysactl/internal/errs"
	"github.com/bnema/ardysactl/internal/fsutil"
)

const indexName = "index.json"

// Freshness of a cached asset
type Freshness int

const (
	Missing Freshness = iota
	Fresh
	Stale
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	}
	return "missing"
}

// Entry is one cached asset
type Entry struct {
	URL            string    `json:"url"`
	LocalPath      string    `json:"local_path"`
	ETag           string    `json:"etag,omitempty"`
	LastModified   string    `json:"last_modified,omitempty"`
	Hash           string    `json:"hash"`
	Size           int64     `json:"size"`
	LastCheckedUTC time.Time `json:"last_checked_utc"`
	Immutable      bool      `json:"immutable,omitempty"`
}

// Fetcher sends requests for asset URLs. cdn.Selector implements it.
type Fetcher interface {
	Do(ctx context.Context, method, url string, header http.Header) (*http.Response, error)
	// Download streams url into w, rewinding w when a transfer is retried.
	// The returned headers belong to the response that completed.
	Download(ctx context.Context, url string, w io.Writer) (http.Header, int64, error)
}

// Progress is called once per completed item with a strictly increasing
// current count
type Progress func(current, total int, id string)

// Cache is safe for concurrent use
type Cache struct {
	dir         string
	fetcher     Fetcher
	log         *log.Logger
	concurrency int

	mu      sync.RWMutex
	entries map[string]*Entry
	session *Session
	// saveMu serializes index writes
	saveMu sync.Mutex
}

// Session remembers which URLs were already revalidated
type Session struct {
	mu      sync.Mutex
	checked map[string]Freshness
}

// NewSession starts an empty session
func NewSession() *Session {
	return &Session{checked: make(map[string]Freshness)}
}

func (s *Session) get(url string) (Freshness, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.checked[url]
	return f, ok
}

func (s *Session) set(url string, f Freshness) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checked[url] = f
}

// New opens the cache in dir, loading its index
func New(dir string, fetcher Fetcher, concurrency int, logger *log.Logger) (*Cache, error) {
	if concurrency < 1 {
		concurrency = 4
	}
	if err := os.MkdirAll(filepath.Join(dir, "files"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	c := &Cache{
		dir:         dir,
		fetcher:     fetcher,
		log:         logger,
		concurrency: concurrency,
		entries:     make(map[string]*Entry),
		session:     NewSession(),
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

// ResetSession forgets which URLs were checked
func (c *Cache) ResetSession() {
	c.mu.Lock()
	c.session = NewSession()
	c.mu.Unlock()
}

func (c *Cache) load() error {
	data, err := os.ReadFile(filepath.Join(c.dir, indexName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read cache index: %w", err)
	}

	var list []*Entry
	if err := json.Unmarshal(data, &list); err != nil {
		c.log.Warn("Cache index unreadable, starting empty", "error", err)
		return nil
	}
	for _, e := range list {
		c.entries[e.URL] = e
	}
	return nil
}

func (c *Cache) save() error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.RLock()
	list := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		cp := *e
		list = append(list, &cp)
	}
	c.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].URL < list[j].URL })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(c.dir, indexName), data, 0o644)
}

// Key returns the storage name of url
func Key(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// pathFor keeps the extension of the URL path so payload types survive
func (c *Cache) pathFor(url string) string {
	p := url
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	return filepath.Join(c.dir, "files", Key(url)+strings.ToLower(path.Ext(p)))
}

// Lookup returns a copy of the entry for url
func (c *Cache) Lookup(url string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[url]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// IsCached reports whether url has an entry whose file exists
func (c *Cache) IsCached(url string) bool {
	e, ok := c.Lookup(url)
	if !ok {
		return false
	}
	_, err := os.Stat(e.LocalPath)
	return err == nil
}

// MarkImmutable exempts url from revalidation
func (c *Cache) MarkImmutable(url string) error {
	c.mu.Lock()
	e, ok := c.entries[url]
	if ok {
		e.Immutable = true
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s is not cached", url)
	}
	return c.save()
}

// Check revalidates url with a one byte conditional request. Each URL is
// checked at most once per session and immutable entries are never checked.
func (c *Cache) Check(ctx context.Context, url string) (Freshness, error) {
	if !c.IsCached(url) {
		return Missing, nil
	}
	e, _ := c.Lookup(url)
	if e.Immutable {
		return Fresh, nil
	}

	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()
	if f, ok := session.get(url); ok {
		return f, nil
	}

	header := http.Header{}
	header.Set("Range", "bytes=0-0")
	if e.ETag != "" {
		header.Set("If-None-Match", e.ETag)
	}
	if e.LastModified != "" {
		header.Set("If-Modified-Since", e.LastModified)
	}

	resp, err := c.fetcher.Do(ctx, http.MethodGet, url, header)
	if err != nil {
		return Missing, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	_ = resp.Body.Close()

	fresh := Stale
	switch {
	case resp.StatusCode == http.StatusNotModified:
		fresh = Fresh
	case e.ETag != "" && resp.Header.Get("ETag") == e.ETag:
		fresh = Fresh
	case e.ETag == "" && e.LastModified != "" && resp.Header.Get("Last-Modified") == e.LastModified:
		fresh = Fresh
	}

	c.mu.Lock()
	if cur, ok := c.entries[url]; ok {
		cur.LastCheckedUTC = time.Now().UTC()
	}
	c.mu.Unlock()
	session.set(url, fresh)

	c.log.Debug("Revalidated asset", "url", url, "status", resp.StatusCode, "freshness", fresh)
	return fresh, nil
}

// Get returns the local path of url, downloading it when absent or stale.
// A cached copy is used when revalidation fails.
func (c *Cache) Get(ctx context.Context, url string) (string, error) {
	fresh, err := c.Check(ctx, url)
	if err != nil {
		if errs.IsCancelled(err) {
			return "", err
		}
		e, _ := c.Lookup(url)
		c.log.Warn("Revalidation failed, using cached copy", "url", url, "error", err)
		return e.LocalPath, nil
	}
	if fresh == Fresh {
		e, _ := c.Lookup(url)
		return e.LocalPath, nil
	}
	e, err := c.download(ctx, url)
	if err != nil {
		return "", err
	}
	return e.LocalPath, nil
}

// RefreshStale revalidates the cached URLs in urls and re-downloads the stale
// ones. It returns how many were refreshed. URLs that are not cached are
// ignored.
func (c *Cache) RefreshStale(ctx context.Context, urls []string) (int, error) {
	var cached []string
	for _, u := range urls {
		if c.IsCached(u) {
			cached = append(cached, u)
		}
	}

	stale := make([]bool, len(cached))
	checkErrs := c.each(ctx, cached, nil, func(i int, u string) error {
		f, err := c.Check(ctx, u)
		if err != nil {
			return err
		}
		stale[i] = f == Stale
		return nil
	})

	var todo []string
	for i, u := range cached {
		if stale[i] {
			todo = append(todo, u)
		}
	}
	dlErrs := c.each(ctx, todo, nil, func(_ int, u string) error {
		_, err := c.download(ctx, u)
		return err
	})

	failed := 0
	for _, err := range dlErrs {
		if err != nil {
			failed++
		}
	}
	return len(todo) - failed, joinErrs(ctx, append(checkErrs, dlErrs...))
}

// Preload makes every URL available locally, downloading absent or stale
// items. progress is called after each item. It returns how many were
// downloaded.
func (c *Cache) Preload(ctx context.Context, urls []string, progress Progress) (int, error) {
	var (
		mu         sync.Mutex
		current    int
		downloaded int
	)
	total := len(urls)

	errList := c.each(ctx, urls, func(u string) {
		mu.Lock()
		defer mu.Unlock()
		current++
		if progress != nil {
			progress(current, total, u)
		}
	}, func(_ int, u string) error {
		f, err := c.Check(ctx, u)
		if err != nil && errs.IsCancelled(err) {
			return err
		}
		if err == nil && f == Fresh {
			return nil
		}
		if err != nil {
			c.log.Warn("Revalidation failed, keeping cached copy", "url", u, "error", err)
			return nil
		}
		if _, err := c.download(ctx, u); err != nil {
			return err
		}
		mu.Lock()
		downloaded++
		mu.Unlock()
		return nil
	})
	return downloaded, joinErrs(ctx, errList)
}

// each runs fn over urls with the cache's concurrency. after is called when
// an item completes.
func (c *Cache) each(ctx context.Context, urls []string, after func(string), fn func(int, string) error) []error {
	results := make([]error, len(urls))
	work := make(chan int, len(urls))
	for i := range urls {
		work <- i
	}
	close(work)

	workers := c.concurrency
	if workers > len(urls) {
		workers = len(urls)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				if err := ctx.Err(); err != nil {
					results[i] = fmt.Errorf("%w: %v", errs.ErrCancelled, err)
					continue
				}
				results[i] = fn(i, urls[i])
				if after != nil {
					after(urls[i])
				}
			}
		}()
	}
	wg.Wait()
	return results
}

func joinErrs(ctx context.Context, list []error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrCancelled, err)
	}
	return errors.Join(list...)
}

func (c *Cache) download(ctx context.Context, url string) (*Entry, error) {
	c.log.Debug("Downloading asset", "url", url)

	dest := c.pathFor(url)
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	header, n, err := c.fetcher.Download(ctx, url, tmp)
	if err == nil {
		err = tmp.Sync()
	}
	var sum string
	if err == nil {
		sum, err = hashFrom(tmp)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrCancelled, ctx.Err())
		}
		if errors.Is(err, errs.ErrNetworkUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", errs.ErrNetworkUnavailable, url, err)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		return nil, fmt.Errorf("failed to move download into cache: %w", err)
	}

	entry := &Entry{
		URL:            url,
		LocalPath:      dest,
		ETag:           header.Get("ETag"),
		LastModified:   header.Get("Last-Modified"),
		Hash:           sum,
		Size:           n,
		LastCheckedUTC: time.Now().UTC(),
	}

	c.mu.Lock()
	if old, ok := c.entries[url]; ok {
		entry.Immutable = old.Immutable
	}
	c.entries[url] = entry
	session := c.session
	c.mu.Unlock()
	session.set(url, Fresh)

	if err := c.save(); err != nil {
		c.log.Warn("Failed to save cache index", "error", err)
	}
	c.log.Debug("Asset cached", "url", url, "bytes", n)

	cp := *entry
	return &cp, nil
}

// hashFrom rewinds f and hashes its content
func hashFrom(f *os.File) (string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Remove drops url from the cache
func (c *Cache) Remove(url string) error {
	c.mu.Lock()
	e, ok := c.entries[url]
	delete(c.entries, url)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if err := os.Remove(e.LocalPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return c.save()
}

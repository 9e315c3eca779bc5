// Package cdn ranks download mirrors by probing them and fetches content with
// fallback across the ranked list.
package cdn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/bnema/ardysactl/internal/config"
	"github.com/bnema/ardysactl/internal/errs"
)

const (
	DefaultProbeTimeout    = 5 * time.Second
	DefaultRankingTTL      = 10 * time.Minute
	DefaultReprobeInterval = 30 * time.Second
	DefaultSampleBytes     = 64 * 1024
	DefaultMaxAttempts     = 3
)

// Endpoint is a mirror and its last probe result
type Endpoint struct {
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`
	// Latency of the probe HEAD request
	Latency time.Duration `json:"latency"`
	// Throughput in bytes per second from the sample download
	Throughput float64   `json:"throughput"`
	Live       bool      `json:"live"`
	LastProbed time.Time `json:"last_probed"`
}

// URL joins rel onto the endpoint base
func (e Endpoint) URL(rel string) string {
	return strings.TrimRight(e.BaseURL, "/") + "/" + strings.TrimLeft(rel, "/")
}

// FromConfig converts configured mirrors
func FromConfig(list []config.Endpoint) []Endpoint {
	out := make([]Endpoint, 0, len(list))
	for _, e := range list {
		out = append(out, Endpoint{Name: e.Name, BaseURL: e.BaseURL})
	}
	return out
}

// Options tunes probing and fetching
type Options struct {
	ProbePath    string
	ProbeTimeout time.Duration
	// RankingTTL is the age after which a lookup schedules a re-probe
	RankingTTL time.Duration
	// ReprobeInterval is the minimum spacing of background re-probes
	ReprobeInterval time.Duration
	SampleBytes     int64
	MaxAttempts     int
	Client          *http.Client
}

func (o *Options) defaults() {
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.RankingTTL <= 0 {
		o.RankingTTL = DefaultRankingTTL
	}
	if o.ReprobeInterval <= 0 {
		o.ReprobeInterval = DefaultReprobeInterval
	}
	if o.SampleBytes <= 0 {
		o.SampleBytes = DefaultSampleBytes
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Client == nil {
		o.Client = &http.Client{Timeout: 10 * time.Minute}
	}
}

// DownloadProgress is called with the bytes written so far
type DownloadProgress func(downloaded, total int64)

// Selector keeps a ranked list of endpoints
type Selector struct {
	mu        sync.RWMutex
	endpoints []Endpoint
	rankedAt  time.Time

	opts    Options
	log     *log.Logger
	limiter *rate.Limiter
	probing atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a selector. Until the first probe the configured order is used.
func New(endpoints []Endpoint, opts Options, logger *log.Logger) *Selector {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Selector{
		endpoints: append([]Endpoint(nil), endpoints...),
		opts:      opts,
		log:       logger,
		limiter:   rate.NewLimiter(rate.Every(opts.ReprobeInterval), 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Initialize runs the first probe synchronously
func (s *Selector) Initialize(ctx context.Context) error {
	ranked := s.Probe(ctx)
	for _, e := range ranked {
		if e.Live {
			return nil
		}
	}
	if len(ranked) == 0 {
		return fmt.Errorf("%w: no endpoints configured", errs.ErrNetworkUnavailable)
	}
	return fmt.Errorf("%w: no endpoint answered the probe", errs.ErrNetworkUnavailable)
}

// Start schedules the first probe in the background. Until it lands the
// configured order is used.
func (s *Selector) Start() {
	s.reprobe()
}

// Best returns the top ranked endpoint without blocking. A stale or missing
// ranking schedules one background re-probe.
func (s *Selector) Best() Endpoint {
	s.refreshIfStale()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.endpoints) == 0 {
		return Endpoint{}
	}
	return s.endpoints[0]
}

// Stale reports whether the ranking was never computed or is older than
// RankingTTL
func (s *Selector) Stale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rankedAt.IsZero() || time.Since(s.rankedAt) > s.opts.RankingTTL
}

func (s *Selector) refreshIfStale() {
	if s.Stale() {
		s.reprobe()
	}
}

// Ranked returns a copy of the current ranking
func (s *Selector) Ranked() []Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Endpoint(nil), s.endpoints...)
}

// RankedAt returns when the ranking was last computed
func (s *Selector) RankedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rankedAt
}

func (s *Selector) reprobe() {
	if !s.probing.CompareAndSwap(false, true) {
		return
	}
	if !s.limiter.Allow() {
		s.probing.Store(false)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.probing.Store(false)
		s.log.Debug("Ranking is stale, re-probing endpoints")
		s.Probe(s.ctx)
	}()
}

// Close stops background probes and waits for them
func (s *Selector) Close() {
	s.cancel()
	s.wg.Wait()
}

// Probe measures every endpoint concurrently and stores the new ranking
func (s *Selector) Probe(ctx context.Context) []Endpoint {
	current := s.Ranked()
	results := make([]Endpoint, len(current))

	var wg sync.WaitGroup
	for i, e := range current {
		wg.Add(1)
		go func(i int, e Endpoint) {
			defer wg.Done()
			results[i] = s.probeOne(ctx, e)
		}(i, e)
	}
	wg.Wait()

	rank(results)

	if ctx.Err() != nil {
		return results
	}

	s.mu.Lock()
	s.endpoints = results
	s.rankedAt = time.Now()
	s.mu.Unlock()

	for _, e := range results {
		s.log.Debug("Endpoint probed",
			"name", e.Name,
			"live", e.Live,
			"latency", e.Latency.Round(time.Millisecond),
			"throughput", formatRate(e.Throughput),
		)
	}
	return results
}

func (s *Selector) probeOne(ctx context.Context, e Endpoint) Endpoint {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
	defer cancel()

	e.LastProbed = time.Now()
	e.Live = false
	e.Latency = 0
	e.Throughput = 0

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, e.URL(s.opts.ProbePath), nil)
	if err != nil {
		return e
	}
	start := time.Now()
	resp, err := s.opts.Client.Do(req)
	if err != nil {
		s.log.Debug("Probe failed", "name", e.Name, "error", err)
		return e
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		s.log.Debug("Probe rejected", "name", e.Name, "status", resp.StatusCode)
		return e
	}
	e.Latency = time.Since(start)
	e.Live = true

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, e.URL(s.opts.ProbePath), nil)
	if err != nil {
		return e
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", s.opts.SampleBytes-1))
	start = time.Now()
	resp, err = s.opts.Client.Do(req)
	if err != nil {
		return e
	}
	defer func() { _ = resp.Body.Close() }()
	n, _ := io.Copy(io.Discard, io.LimitReader(resp.Body, s.opts.SampleBytes))
	if elapsed := time.Since(start); n > 0 && elapsed > 0 {
		e.Throughput = float64(n) / elapsed.Seconds()
	}
	return e
}

// rank orders live first, then by latency, then by throughput
func rank(list []Endpoint) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Live != b.Live {
			return a.Live
		}
		if a.Latency != b.Latency {
			return a.Latency < b.Latency
		}
		return a.Throughput > b.Throughput
	})
}

func (s *Selector) markDead(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.endpoints {
		if e.Name != name {
			continue
		}
		e.Live = false
		s.endpoints = append(append(s.endpoints[:i:i], s.endpoints[i+1:]...), e)
		break
	}
	rank(s.endpoints)
}

// candidates returns up to MaxAttempts endpoints, live ones first
func (s *Selector) candidates() []Endpoint {
	s.refreshIfStale()
	list := s.Ranked()
	if len(list) > s.opts.MaxAttempts {
		list = list[:s.opts.MaxAttempts]
	}
	return list
}

// IsAbsolute reports whether u carries its own scheme and host
func IsAbsolute(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

// Do sends a request. Relative URLs are tried against the ranked endpoints
// until one answers; absolute URLs are sent once. A 304 is a valid answer.
func (s *Selector) Do(ctx context.Context, method, u string, header http.Header) (*http.Response, error) {
	if IsAbsolute(u) {
		resp, err := s.send(ctx, method, u, header)
		if err != nil {
			return nil, s.wrapFinal(ctx, u, err)
		}
		return resp, nil
	}

	var lastErr error
	for _, e := range s.candidates() {
		resp, err := s.send(ctx, method, e.URL(u), header)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrCancelled, ctx.Err())
		}
		lastErr = err
		s.failed(e, err)
	}
	return nil, s.wrapFinal(ctx, u, lastErr)
}

func (s *Selector) send(ctx context.Context, method, u string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := s.opts.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		_ = resp.Body.Close()
		return nil, &statusError{code: resp.StatusCode}
	}
	return resp, nil
}

func (s *Selector) failed(e Endpoint, err error) {
	var se *statusError
	if errors.As(err, &se) && se.code < 500 {
		s.log.Debug("Endpoint rejected request", "name", e.Name, "status", se.code)
		return
	}
	s.log.Warn("Endpoint failed, trying next", "name", e.Name, "error", err)
	s.markDead(e.Name)
}

func (s *Selector) wrapFinal(ctx context.Context, u string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", errs.ErrCancelled, ctx.Err())
	}
	if err == nil {
		err = errors.New("no endpoints configured")
	}
	return fmt.Errorf("%w: %s: %v", errs.ErrNetworkUnavailable, u, err)
}

type resetter interface {
	io.Seeker
	Truncate(size int64) error
}

// Fetch downloads u into w. A transfer that breaks midway is retried on the
// next endpoint when w can be rewound, e.g. an *os.File.
func (s *Selector) Fetch(ctx context.Context, u string, w io.Writer, onProgress DownloadProgress) (int64, error) {
	n, _, err := s.fetch(ctx, u, w, onProgress)
	return n, err
}

// Download is Fetch without progress that also returns the headers of the
// response that completed the transfer
func (s *Selector) Download(ctx context.Context, u string, w io.Writer) (http.Header, int64, error) {
	n, header, err := s.fetch(ctx, u, w, nil)
	return header, n, err
}

func (s *Selector) fetch(ctx context.Context, u string, w io.Writer, onProgress DownloadProgress) (int64, http.Header, error) {
	targets := []Endpoint{{Name: "direct"}}
	if !IsAbsolute(u) {
		targets = s.candidates()
	}

	var lastErr error
	for _, e := range targets {
		full := u
		if !IsAbsolute(u) {
			full = e.URL(u)
		}

		resp, err := s.send(ctx, http.MethodGet, full, nil)
		if err != nil {
			if ctx.Err() != nil {
				return 0, nil, fmt.Errorf("%w: %v", errs.ErrCancelled, ctx.Err())
			}
			lastErr = err
			if !IsAbsolute(u) {
				s.failed(e, err)
			}
			continue
		}

		s.log.Debug("Starting download", "url", full, "endpoint", e.Name)
		var n int64
		if onProgress != nil {
			n, err = copyWithProgress(w, resp.Body, resp.ContentLength, onProgress)
		} else {
			n, err = io.Copy(w, resp.Body)
		}
		_ = resp.Body.Close()
		if err == nil {
			return n, resp.Header, nil
		}
		if ctx.Err() != nil {
			return n, nil, fmt.Errorf("%w: %v", errs.ErrCancelled, ctx.Err())
		}
		lastErr = err
		if !IsAbsolute(u) {
			s.failed(e, err)
		}

		if n > 0 {
			r, ok := w.(resetter)
			if !ok {
				return n, nil, fmt.Errorf("%w: %s: transfer interrupted: %v", errs.ErrNetworkUnavailable, u, err)
			}
			if _, err := r.Seek(0, io.SeekStart); err != nil {
				return n, nil, err
			}
			if err := r.Truncate(0); err != nil {
				return n, nil, err
			}
		}
	}
	return 0, nil, s.wrapFinal(ctx, u, lastErr)
}

// copyWithProgress copies from src to dst while reporting progress
func copyWithProgress(dst io.Writer, src io.Reader, total int64, onProgress DownloadProgress) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	var lastReport int64

	for {
		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[0:nr])
			if nw < 0 || nr < nw {
				nw = 0
				if ew == nil {
					ew = fmt.Errorf("invalid write result")
				}
			}
			written += int64(nw)

			// Report progress every 100KB
			if written-lastReport > 100*1024 {
				onProgress(written, total)
				lastReport = written
			}

			if ew != nil {
				return written, ew
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if er != nil {
			if er != io.EOF {
				return written, er
			}
			break
		}
	}

	onProgress(written, total)
	return written, nil
}

func formatRate(bps float64) string {
	switch {
	case bps >= 1<<20:
		return fmt.Sprintf("%.1f MiB/s", bps/(1<<20))
	case bps >= 1<<10:
		return fmt.Sprintf("%.1f KiB/s", bps/(1<<10))
	}
	return fmt.Sprintf("%.0f B/s", bps)
}

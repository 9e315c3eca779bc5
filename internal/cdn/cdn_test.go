package cdn

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bnema/ardysactl/internal/errs"
)

func newSelector(endpoints []Endpoint, opts Options) *Selector {
	opts.ProbePath = "probe.txt"
	return New(endpoints, opts, log.New(io.Discard))
}

func mirror(t *testing.T, body string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil && r.Method == http.MethodHead {
			hits.Add(1)
		}
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func broken(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBestBeforeProbeReturnsFirstConfigured(t *testing.T) {
	s := newSelector([]Endpoint{
		{Name: "first", BaseURL: "http://first.invalid"},
		{Name: "second", BaseURL: "http://second.invalid"},
	}, Options{})
	defer s.Close()

	start := time.Now()
	if got := s.Best(); got.Name != "first" {
		t.Fatalf("expected first configured endpoint, got %q", got.Name)
	}
	if time.Since(start) > time.Second {
		t.Fatal("Best blocked on the probe")
	}
}

func TestFetchRanksNeverRankedSelector(t *testing.T) {
	var hits atomic.Int32
	srv := mirror(t, "ok", &hits)

	s := newSelector([]Endpoint{{Name: "m", BaseURL: srv.URL}}, Options{ReprobeInterval: time.Hour})
	if _, err := s.Fetch(context.Background(), "x.zip", io.Discard, nil); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.RankedAt().IsZero() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Close()

	if s.RankedAt().IsZero() {
		t.Fatal("expected the first fetch to schedule a probe")
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("expected one probe, got %d", got)
	}
}

func TestStartRanksOnce(t *testing.T) {
	var hits atomic.Int32
	srv := mirror(t, "ok", &hits)

	s := newSelector([]Endpoint{{Name: "m", BaseURL: srv.URL}}, Options{ReprobeInterval: time.Hour})
	s.Start()
	for i := 0; i < 20; i++ {
		s.Best()
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.RankedAt().IsZero() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Close()

	if got := hits.Load(); got != 1 {
		t.Fatalf("expected a single background probe, got %d", got)
	}
	if s.Stale() {
		t.Fatal("expected a fresh ranking after Start")
	}
}

func TestInitializeRanksLiveFirst(t *testing.T) {
	bad := broken(t)
	good := mirror(t, "ok", nil)

	s := newSelector([]Endpoint{
		{Name: "bad", BaseURL: bad.URL},
		{Name: "good", BaseURL: good.URL},
	}, Options{})
	defer s.Close()

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	ranked := s.Ranked()
	if ranked[0].Name != "good" || !ranked[0].Live {
		t.Fatalf("expected live endpoint first, got %+v", ranked)
	}
	if ranked[1].Live {
		t.Fatal("failing endpoint should be dead")
	}
	if ranked[0].Throughput <= 0 {
		t.Fatal("expected a throughput sample")
	}
}

func TestInitializeWithNoLiveEndpoint(t *testing.T) {
	s := newSelector([]Endpoint{{Name: "bad", BaseURL: broken(t).URL}}, Options{})
	defer s.Close()

	err := s.Initialize(context.Background())
	if !errors.Is(err, errs.ErrNetworkUnavailable) {
		t.Fatalf("expected ErrNetworkUnavailable, got %v", err)
	}
}

func TestFetchFallsBackToNextEndpoint(t *testing.T) {
	bad := broken(t)
	good := mirror(t, "payload", nil)

	s := newSelector([]Endpoint{
		{Name: "bad", BaseURL: bad.URL},
		{Name: "good", BaseURL: good.URL},
	}, Options{})
	defer s.Close()

	var buf bytes.Buffer
	n, err := s.Fetch(context.Background(), "sets/axe.zip", &buf, nil)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if n != int64(len("payload")) || buf.String() != "payload" {
		t.Fatalf("unexpected body %q", buf.String())
	}
	if s.Best().Name != "good" {
		t.Fatalf("failed endpoint should drop in ranking, best is %q", s.Best().Name)
	}
}

func TestFetchAllFailIsNetworkUnavailable(t *testing.T) {
	s := newSelector([]Endpoint{
		{Name: "a", BaseURL: broken(t).URL},
		{Name: "b", BaseURL: broken(t).URL},
	}, Options{})
	defer s.Close()

	_, err := s.Fetch(context.Background(), "x.zip", io.Discard, nil)
	if !errors.Is(err, errs.ErrNetworkUnavailable) {
		t.Fatalf("expected ErrNetworkUnavailable, got %v", err)
	}
}

func TestFetchStopsAtMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	counting := func() *httptest.Server {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet && r.Header.Get("Range") == "" {
				calls.Add(1)
			}
			w.WriteHeader(http.StatusBadGateway)
		}))
		t.Cleanup(srv.Close)
		return srv
	}

	var eps []Endpoint
	for _, name := range []string{"a", "b", "c", "d"} {
		eps = append(eps, Endpoint{Name: name, BaseURL: counting().URL})
	}
	s := newSelector(eps, Options{MaxAttempts: 2})
	defer s.Close()

	_, _ = s.Fetch(context.Background(), "x.zip", io.Discard, nil)
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestFetchRewindsFileOnRetry(t *testing.T) {
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		_, _ = io.WriteString(w, "partial")
	}))
	t.Cleanup(flaky.Close)
	good := mirror(t, "complete", nil)

	s := newSelector([]Endpoint{
		{Name: "flaky", BaseURL: flaky.URL},
		{Name: "good", BaseURL: good.URL},
	}, Options{})
	defer s.Close()

	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if _, err := s.Fetch(context.Background(), "x.zip", f, nil); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "complete" {
		t.Fatalf("expected rewound file, got %q", data)
	}
}

func TestFetchReportsProgress(t *testing.T) {
	body := strings.Repeat("x", 300*1024)
	s := newSelector([]Endpoint{{Name: "m", BaseURL: mirror(t, body, nil).URL}}, Options{})
	defer s.Close()

	var last int64
	_, err := s.Fetch(context.Background(), "x.zip", io.Discard, func(downloaded, total int64) {
		if downloaded < last {
			t.Fatalf("progress went backwards: %d < %d", downloaded, last)
		}
		last = downloaded
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if last != int64(len(body)) {
		t.Fatalf("expected final progress %d, got %d", len(body), last)
	}
}

func TestStaleBestStartsOneReprobe(t *testing.T) {
	var hits atomic.Int32
	srv := mirror(t, "ok", &hits)

	s := newSelector([]Endpoint{{Name: "m", BaseURL: srv.URL}}, Options{
		RankingTTL:      time.Nanosecond,
		ReprobeInterval: time.Hour,
	})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)

	for i := 0; i < 50; i++ {
		s.Best()
	}
	deadline := time.Now().Add(2 * time.Second)
	for hits.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Close()

	if got := hits.Load(); got != 2 {
		t.Fatalf("expected initial probe plus one re-probe, got %d", got)
	}
}

func TestDoAcceptsNotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		_, _ = io.WriteString(w, "body")
	}))
	t.Cleanup(srv.Close)

	s := newSelector([]Endpoint{{Name: "m", BaseURL: srv.URL}}, Options{})
	defer s.Close()

	resp, err := s.Do(context.Background(), http.MethodGet, "x", http.Header{"If-None-Match": {`"v1"`}})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", resp.StatusCode)
	}
}

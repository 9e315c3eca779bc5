package merger

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/bnema/ardysactl/internal/errs"
	"github.com/bnema/ardysactl/internal/target"
	"github.com/bnema/ardysactl/internal/vpk"
)

func newTarget(t *testing.T) *target.Target {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "game", "dota"), 0o755); err != nil {
		t.Fatal(err)
	}
	return target.New(root, t.TempDir())
}

// source writes a directory payload holding files and returns its path
func source(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func newMerger() *Merger {
	return New(nil, log.New(io.Discard))
}

func buildAndCommit(t *testing.T, m *Merger, tg *target.Target, inputs []Input, opts Options) *Result {
	t.Helper()
	res, err := m.Build(context.Background(), tg, inputs, opts, t.TempDir())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	c, err := res.Commit()
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	c.Finalize()
	return res
}

func entries(t *testing.T, path string) []string {
	t.Helper()
	a, err := vpk.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return a.Paths()
}

func TestBuildProducesValidArchive(t *testing.T) {
	tg := newTarget(t)
	m := newMerger()

	inputs := []Input{
		{ID: "axe", Priority: 1, Path: source(t, map[string]string{"models/axe.vmdl_c": "axe"})},
		{ID: "lina", Priority: 2, Path: source(t, map[string]string{"models/lina.vmdl_c": "lina"})},
	}

	res, err := m.Build(context.Background(), tg, inputs, Options{Mode: Clean}, t.TempDir())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer res.Discard()

	if ok, reason := Validate(res.TempPath); !ok {
		t.Fatalf("expected valid archive, got %s", reason)
	}
	if res.Entries != 2 {
		t.Fatalf("expected 2 entries, got %d", res.Entries)
	}
	if !reflect.DeepEqual(res.Contributions["axe"], []string{"models/axe.vmdl_c"}) {
		t.Fatalf("unexpected contributions: %+v", res.Contributions)
	}
	if tg.HasArchive() {
		t.Fatal("archive must not be installed before Commit")
	}
}

func TestCleanThenAddToCurrentIsUnion(t *testing.T) {
	tg := newTarget(t)
	m := newMerger()

	buildAndCommit(t, m, tg, []Input{
		{ID: "old", Path: source(t, map[string]string{"stale/old.txt": "old"})},
	}, Options{Mode: Clean})

	buildAndCommit(t, m, tg, []Input{
		{ID: "a", Path: source(t, map[string]string{"a.txt": "a"})},
	}, Options{Mode: Clean})

	buildAndCommit(t, m, tg, []Input{
		{ID: "b", Path: source(t, map[string]string{"b.txt": "b"})},
	}, Options{Mode: AddToCurrent})

	got := entries(t, tg.ArchivePath)
	want := []string{"a.txt", "b.txt"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected union %v, got %v", want, got)
	}
	if _, err := os.Stat(tg.ArchivePath + ".prev"); !os.IsNotExist(err) {
		t.Fatal("expected previous archive to be removed after Finalize")
	}
}

func TestHigherPriorityWrittenLast(t *testing.T) {
	tg := newTarget(t)
	m := newMerger()

	buildAndCommit(t, m, tg, []Input{
		{ID: "high", Priority: 10, Path: source(t, map[string]string{"shared.txt": "high"})},
		{ID: "low", Priority: 1, Path: source(t, map[string]string{"shared.txt": "low"})},
	}, Options{Mode: Clean})

	a, err := vpk.Open(tg.ArchivePath)
	if err != nil {
		t.Fatal(err)
	}
	e, _ := a.Get("shared.txt")
	data, _ := e.ReadAll()
	if string(data) != "high" {
		t.Fatalf("expected high priority content, got %q", data)
	}
}

func TestCorruptSourceFailsOnlyThatSource(t *testing.T) {
	tg := newTarget(t)
	m := newMerger()

	broken := filepath.Join(t.TempDir(), "broken_dir.vpk")
	if err := os.WriteFile(broken, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := m.Build(context.Background(), tg, []Input{
		{ID: "good", Path: source(t, map[string]string{"good.txt": "ok"})},
		{ID: "bad", Path: broken},
	}, Options{Mode: Clean}, t.TempDir())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer res.Discard()

	if !errors.Is(res.Failed["bad"], errs.ErrPayloadInvalid) {
		t.Fatalf("expected bad source to fail with ErrPayloadInvalid, got %v", res.Failed["bad"])
	}
	if res.Entries != 1 {
		t.Fatalf("expected 1 entry, got %d", res.Entries)
	}
}

func TestAllowAndExcludeFilterEntries(t *testing.T) {
	tg := newTarget(t)
	m := newMerger()

	opts := Options{
		Mode:    Clean,
		Exclude: map[string]bool{"skipped": true},
		Allow: func(id, p string) bool {
			return !(id == "a" && p == "shared.txt")
		},
	}

	res := buildAndCommit(t, m, tg, []Input{
		{ID: "a", Priority: 5, Path: source(t, map[string]string{"shared.txt": "a", "a.txt": "a"})},
		{ID: "b", Priority: 1, Path: source(t, map[string]string{"shared.txt": "b"})},
		{ID: "skipped", Path: source(t, map[string]string{"skipped.txt": "x"})},
	}, opts)

	if !reflect.DeepEqual(res.Contributions["b"], []string{"shared.txt"}) {
		t.Fatalf("expected b to own shared.txt, got %+v", res.Contributions)
	}
	if _, ok := res.Contributions["skipped"]; ok {
		t.Fatal("excluded source must not contribute")
	}
}

func TestCancelledBuildLeavesArchiveUntouched(t *testing.T) {
	tg := newTarget(t)
	m := newMerger()

	buildAndCommit(t, m, tg, []Input{
		{ID: "a", Path: source(t, map[string]string{"a.txt": "a"})},
	}, Options{Mode: Clean})
	before, err := os.ReadFile(tg.ArchivePath)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Build(ctx, tg, []Input{
		{ID: "b", Path: source(t, map[string]string{"b.txt": "b"})},
	}, Options{Mode: Clean}, t.TempDir())
	if !errs.IsCancelled(err) {
		t.Fatalf("expected cancellation, got %v", err)
	}

	after, _ := os.ReadFile(tg.ArchivePath)
	if !bytes.Equal(before, after) {
		t.Fatal("expected installed archive to be byte-identical")
	}
}

func TestBuildWithNoEntries(t *testing.T) {
	tg := newTarget(t)
	_, err := newMerger().Build(context.Background(), tg, nil, Options{Mode: Clean}, t.TempDir())
	if !errors.Is(err, ErrNothingToMerge) {
		t.Fatalf("expected ErrNothingToMerge, got %v", err)
	}
}

func TestRollbackRestoresPreviousArchive(t *testing.T) {
	tg := newTarget(t)
	m := newMerger()

	buildAndCommit(t, m, tg, []Input{
		{ID: "a", Path: source(t, map[string]string{"a.txt": "a"})},
	}, Options{Mode: Clean})
	before, _ := os.ReadFile(tg.ArchivePath)

	res, err := m.Build(context.Background(), tg, []Input{
		{ID: "b", Path: source(t, map[string]string{"b.txt": "b"})},
	}, Options{Mode: Clean}, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c, err := res.Commit()
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	after, _ := os.ReadFile(tg.ArchivePath)
	if !bytes.Equal(before, after) {
		t.Fatal("expected rollback to restore the previous archive")
	}
}

func TestRollbackOfFirstInstallRemovesArchive(t *testing.T) {
	tg := newTarget(t)
	res, err := newMerger().Build(context.Background(), tg, []Input{
		{ID: "a", Path: source(t, map[string]string{"a.txt": "a"})},
	}, Options{Mode: Clean}, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c, err := res.Commit()
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Rollback(); err != nil {
		t.Fatal(err)
	}
	if tg.HasArchive() {
		t.Fatal("expected no archive after rolling back a first install")
	}
}

func TestStageRejectsInvalidArchive(t *testing.T) {
	tg := newTarget(t)
	m := newMerger()

	bad := filepath.Join(t.TempDir(), "user.vpk")
	if err := os.WriteFile(bad, []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Stage(tg, bad); !errors.Is(err, errs.ErrArchiveCorrupt) {
		t.Fatalf("expected ErrArchiveCorrupt, got %v", err)
	}

	good := vpk.New()
	good.Add("x.txt", []byte("x"))
	goodPath := filepath.Join(t.TempDir(), "user_dir.vpk")
	if err := vpk.WriteFile(goodPath, good); err != nil {
		t.Fatal(err)
	}
	res, err := m.Stage(tg, goodPath)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if _, err := res.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if !tg.HasArchive() {
		t.Fatal("expected archive installed")
	}
}

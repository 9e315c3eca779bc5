package version

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bnema/ardysactl/internal/errs"
	"github.com/bnema/ardysactl/internal/target"
)

const steamInf = `ClientVersion=6531
ServerVersion=6531
PatchVersion=1.0.0.0
ProductName=dota
appID=570
SourceRevision=9876543
VersionDate=Oct 01 2026
`

func newTarget(t *testing.T, descriptor string) *target.Target {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "game", "dota")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if descriptor != "" {
		if err := os.WriteFile(filepath.Join(dir, "steam.inf"), []byte(descriptor), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return target.New(root, t.TempDir())
}

func newTracker() *Tracker {
	return NewTracker(log.New(io.Discard))
}

func TestParseDescriptor(t *testing.T) {
	d, err := ParseDescriptor([]byte(steamInf))
	if err != nil {
		t.Fatalf("ParseDescriptor failed: %v", err)
	}
	if d.ClientVersion != "6531" || d.PatchVersion != "1.0.0.0" || d.SourceRevision != "9876543" {
		t.Fatalf("unexpected descriptor: %+v", d)
	}
	if d.String() != "6531 (1.0.0.0)" {
		t.Fatalf("unexpected display version %q", d.String())
	}
}

func TestCompareWithoutSnapshot(t *testing.T) {
	tg := newTarget(t, steamInf)

	matches, current, patched, err := newTracker().CompareToPatched(tg)
	if err != nil {
		t.Fatalf("CompareToPatched failed: %v", err)
	}
	if matches {
		t.Fatal("expected no match without a snapshot")
	}
	if patched != NotPatchedYet {
		t.Fatalf("expected %q, got %q", NotPatchedYet, patched)
	}
	if current != "6531 (1.0.0.0)" {
		t.Fatalf("unexpected current version %q", current)
	}
}

func TestCompareDetectsDrift(t *testing.T) {
	tg := newTarget(t, steamInf)
	tr := newTracker()

	info, err := tr.GetVersionInfo(tg)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.SavePatchedDescriptor(tg); err != nil {
		t.Fatalf("SavePatchedDescriptor failed: %v", err)
	}
	if err := tr.SaveSnapshot(tg, info); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	matches, _, patched, err := tr.CompareToPatched(tg)
	if err != nil || !matches {
		t.Fatalf("expected match after patch, got matches=%v err=%v", matches, err)
	}
	if patched != "6531 (1.0.0.0)" {
		t.Fatalf("unexpected patched version %q", patched)
	}

	updated := `ClientVersion=6532
PatchVersion=1.0.0.1
`
	if err := os.WriteFile(tg.VersionDescriptorPath, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	matches, current, patched, err := tr.CompareToPatched(tg)
	if err != nil {
		t.Fatal(err)
	}
	if matches {
		t.Fatal("expected drift after descriptor change")
	}
	if current != "6532 (1.0.0.1)" || patched != "6531 (1.0.0.0)" {
		t.Fatalf("unexpected versions: current=%q patched=%q", current, patched)
	}
}

func TestQuickPatchOnlySetsSignatureFlag(t *testing.T) {
	tg := newTarget(t, steamInf)
	tr := newTracker()
	fixed := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return fixed }

	if err := tr.MarkSignatureApplied(tg); err != nil {
		t.Fatalf("MarkSignatureApplied failed: %v", err)
	}

	snap, err := tr.LoadSnapshot(tg)
	if err != nil || snap == nil {
		t.Fatalf("expected snapshot, got %v %v", snap, err)
	}
	if !snap.SignatureApplied || snap.SignatureAppliedAt == nil || !snap.SignatureAppliedAt.Equal(fixed) {
		t.Fatalf("expected signature flag set, got %+v", snap)
	}
	if snap.PatchedAtVersion != "" {
		t.Fatalf("quick patch must not set patched version, got %q", snap.PatchedAtVersion)
	}
}

func TestLoadSnapshotMissing(t *testing.T) {
	tg := newTarget(t, steamInf)
	snap, err := newTracker().LoadSnapshot(tg)
	if err != nil || snap != nil {
		t.Fatalf("expected nil snapshot, got %v %v", snap, err)
	}
}

func TestMissingDescriptor(t *testing.T) {
	tg := newTarget(t, "")
	if _, err := newTracker().GetVersionInfo(tg); !errors.Is(err, errs.ErrTargetNotFound) {
		t.Fatalf("expected ErrTargetNotFound, got %v", err)
	}
}

package patcher

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bnema/ardysactl/internal/errs"
	"github.com/bnema/ardysactl/internal/target"
)

const gameInfo = `"GameInfo"
{
	game		"Dota 2"
	FileSystem
	{
		SearchPaths
		{
			Game_Language		dota_*LANGUAGE*
			Game				dota
			Game				core
		}
	}
}
`

const signatures = `DOTA_SIGNATURES
bin/win64/dota2.exe~SHA1:1111111111111111111111111111111111111111;CRC:11111111
gameinfo_branchspecific.gi~SHA1:0000000000000000000000000000000000000000;CRC:00000000
`

func newTarget(t *testing.T, gi, sig string) *target.Target {
	t.Helper()
	root := t.TempDir()
	write(t, filepath.Join(root, "game", "dota", "gameinfo_branchspecific.gi"), gi)
	write(t, filepath.Join(root, "game", "bin", "win64", "dota.signatures"), sig)
	return target.New(root, t.TempDir())
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func read(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func digestLine(content string) string {
	sum := sha1.Sum([]byte(content))
	return fmt.Sprintf("gameinfo_branchspecific.gi~SHA1:%s;CRC:%08x", hex.EncodeToString(sum[:]), crc32.ChecksumIEEE([]byte(content)))
}

func newPatcher() *Patcher {
	return New(nil, log.New(io.Discard))
}

func TestFullApplyPatchesBothFiles(t *testing.T) {
	tg := newTarget(t, gameInfo, signatures)

	res, err := newPatcher().Apply(context.Background(), tg, Full)
	if err != nil || res != Success {
		t.Fatalf("Apply() = %v, %v; want Success", res, err)
	}

	gi := read(t, tg.GameInfoPath)
	if !strings.Contains(gi, "\t\t{\n\t\t\tGame\t\t\t\t_ArdysaMods\n\t\t\tGame_Language") {
		t.Fatalf("search path not inserted at top of block:\n%s", gi)
	}

	sig := read(t, tg.SignaturesPath)
	if !strings.Contains(sig, digestLine(gi)) {
		t.Fatalf("digest line not updated:\n%s", sig)
	}
	if !strings.Contains(sig, "bin/win64/dota2.exe~SHA1:1111") {
		t.Fatal("unrelated signature lines must be kept")
	}

	backups, _ := NewBackupManager(tg.BackupDir()).ListBackups("game__dota__gameinfo_branchspecific.gi")
	if len(backups) != 1 {
		t.Fatalf("expected one gameinfo backup, got %v", backups)
	}
}

func TestFullApplyWhenAlreadyPatchedLeavesTimestamps(t *testing.T) {
	tg := newTarget(t, gameInfo, signatures)
	p := newPatcher()

	if res, err := p.Apply(context.Background(), tg, Full); err != nil || res != Success {
		t.Fatalf("first Apply() = %v, %v", res, err)
	}

	past := time.Now().Add(-time.Hour).Truncate(time.Second)
	for _, f := range []string{tg.GameInfoPath, tg.SignaturesPath} {
		if err := os.Chtimes(f, past, past); err != nil {
			t.Fatal(err)
		}
	}

	res, err := p.Apply(context.Background(), tg, Full)
	if err != nil || res != AlreadyPatched {
		t.Fatalf("second Apply() = %v, %v; want AlreadyPatched", res, err)
	}

	for _, f := range []string{tg.GameInfoPath, tg.SignaturesPath} {
		info, err := os.Stat(f)
		if err != nil {
			t.Fatal(err)
		}
		if !info.ModTime().Equal(past) {
			t.Fatalf("%s modified: mtime %v", filepath.Base(f), info.ModTime())
		}
	}
}

func TestQuickApplyIsIdempotent(t *testing.T) {
	tg := newTarget(t, gameInfo, signatures)
	p := newPatcher()

	res, err := p.Apply(context.Background(), tg, Quick)
	if err != nil || res != Success {
		t.Fatalf("first Quick = %v, %v; want Success", res, err)
	}
	if strings.Contains(read(t, tg.GameInfoPath), "_ArdysaMods") {
		t.Fatal("quick patch must not touch the search path")
	}

	res, err = p.Apply(context.Background(), tg, Quick)
	if err != nil || res != AlreadyPatched {
		t.Fatalf("second Quick = %v, %v; want AlreadyPatched", res, err)
	}
}

func TestMissingPatchPointAbortsBatch(t *testing.T) {
	noSearchPaths := "\"GameInfo\"\n{\n\tgame \"Dota 2\"\n}\n"
	tg := newTarget(t, noSearchPaths, signatures)

	res, err := newPatcher().Apply(context.Background(), tg, Full)
	if res != Failed || !errors.Is(err, errs.ErrPatchPointNotFound) {
		t.Fatalf("Apply() = %v, %v; want Failed with ErrPatchPointNotFound", res, err)
	}
	if read(t, tg.SignaturesPath) != signatures {
		t.Fatal("signatures must be untouched when a point fails")
	}
	if read(t, tg.GameInfoPath) != noSearchPaths {
		t.Fatal("gameinfo must be untouched when a point fails")
	}
}

func TestMissingDigestLine(t *testing.T) {
	tg := newTarget(t, gameInfo, "DOTA_SIGNATURES\n")
	res, err := newPatcher().Apply(context.Background(), tg, Quick)
	if res != Failed || !errors.Is(err, errs.ErrPatchPointNotFound) {
		t.Fatalf("Apply() = %v, %v; want ErrPatchPointNotFound", res, err)
	}
}

func TestApplyCancelled(t *testing.T) {
	tg := newTarget(t, gameInfo, signatures)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := newPatcher().Apply(ctx, tg, Full)
	if res != Cancelled || !errs.IsCancelled(err) {
		t.Fatalf("Apply() = %v, %v; want Cancelled", res, err)
	}
	if read(t, tg.GameInfoPath) != gameInfo {
		t.Fatal("gameinfo changed after cancel")
	}
}

func TestRevertRestoresOriginalForms(t *testing.T) {
	tg := newTarget(t, gameInfo, signatures)
	p := newPatcher()

	if _, err := p.Apply(context.Background(), tg, Full); err != nil {
		t.Fatal(err)
	}

	ok, err := p.Revert(context.Background(), tg)
	if err != nil || !ok {
		t.Fatalf("Revert() = %v, %v", ok, err)
	}

	if read(t, tg.GameInfoPath) != gameInfo {
		t.Fatalf("gameinfo not restored:\n%s", read(t, tg.GameInfoPath))
	}
	if !strings.Contains(read(t, tg.SignaturesPath), digestLine(gameInfo)) {
		t.Fatal("digest not recomputed for the original gameinfo")
	}
}

func TestRevertFallsBackToBackup(t *testing.T) {
	tg := newTarget(t, gameInfo, signatures)
	p := newPatcher()

	if _, err := p.Apply(context.Background(), tg, Full); err != nil {
		t.Fatal(err)
	}
	write(t, tg.SignaturesPath, "DOTA_SIGNATURES\n")

	if ok, err := p.Revert(context.Background(), tg); err != nil || !ok {
		t.Fatalf("Revert() = %v, %v", ok, err)
	}
	if read(t, tg.SignaturesPath) != signatures {
		t.Fatalf("expected signatures restored from backup, got:\n%s", read(t, tg.SignaturesPath))
	}
}

func TestCheckReportsEvidence(t *testing.T) {
	tg := newTarget(t, gameInfo, signatures)
	p := newPatcher()

	ev, err := p.Check(tg)
	if err != nil {
		t.Fatal(err)
	}
	if !ev.SignaturesPresent || ev.GameInfoIntegrated || ev.Complete {
		t.Fatalf("unexpected evidence before patch: %+v", ev)
	}

	if _, err := p.Apply(context.Background(), tg, Full); err != nil {
		t.Fatal(err)
	}
	ev, err = p.Check(tg)
	if err != nil {
		t.Fatal(err)
	}
	if !ev.GameInfoIntegrated || !ev.Complete {
		t.Fatalf("unexpected evidence after patch: %+v", ev)
	}
}

func TestBytePatternPoint(t *testing.T) {
	root := t.TempDir()
	bin := filepath.Join(root, "game", "bin", "win64", "engine2.dll")
	original := []byte{0x00, 0x11, 0x74, 0x05, 0x48, 0x8b, 0x22}
	if err := os.MkdirAll(filepath.Dir(bin), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bin, original, 0o644); err != nil {
		t.Fatal(err)
	}
	tg := target.New(root, t.TempDir())

	prof := &Profile{Name: "bin", Points: []Point{BytePatternPoint{
		ID:      "engine-jump",
		Path:    "game/bin/win64/engine2.dll",
		Pattern: "74 ?? 48 8B",
		Replace: "EB ?? 48 8B",
	}}}
	p := New(prof, log.New(io.Discard))

	if res, err := p.Apply(context.Background(), tg, Full); err != nil || res != Success {
		t.Fatalf("Apply() = %v, %v", res, err)
	}
	got, _ := os.ReadFile(bin)
	want := []byte{0x00, 0x11, 0xeb, 0x05, 0x48, 0x8b, 0x22}
	if !bytes.Equal(got, want) {
		t.Fatalf("patched bytes = % x, want % x", got, want)
	}

	if res, _ := p.Apply(context.Background(), tg, Full); res != AlreadyPatched {
		t.Fatalf("expected AlreadyPatched, got %v", res)
	}

	if ok, err := p.Revert(context.Background(), tg); err != nil || !ok {
		t.Fatalf("Revert() = %v, %v", ok, err)
	}
	got, _ = os.ReadFile(bin)
	if !bytes.Equal(got, original) {
		t.Fatalf("reverted bytes = % x, want % x", got, original)
	}
}

func TestLoadProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.toml")
	write(t, path, `
name = "beta"

[[point]]
kind = "search-path"

[[point]]
kind = "byte-pattern"
id = "engine-jump"
file = "game/bin/win64/engine2.dll"
pattern = "74 ?? 48 8B"
replace = "EB ?? 48 8B"
modes = ["quick", "full"]

[[point]]
kind = "digest-line"
`)

	prof, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile failed: %v", err)
	}
	if prof.Name != "beta" || len(prof.Points) != 3 {
		t.Fatalf("unexpected profile: %+v", prof)
	}
	if got := len(prof.For(Quick)); got != 2 {
		t.Fatalf("expected 2 quick points, got %d", got)
	}

	write(t, path, "[[point]]\nkind = \"byte-pattern\"\nid = \"x\"\nfile = \"a\"\npattern = \"74\"\nreplace = \"EB 90\"\n")
	if _, err := LoadProfile(path); err == nil {
		t.Fatal("expected length mismatch error")
	}
}

func TestBackupManagerKeepsNewest(t *testing.T) {
	bm := NewBackupManager(t.TempDir())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		bm.now = func() time.Time { return ts }
		if _, err := bm.CreateBackup("dota.signatures", []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}

	backups, err := bm.ListBackups("dota.signatures")
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != MaxBackupsPerFile {
		t.Fatalf("expected %d backups, got %v", MaxBackupsPerFile, backups)
	}

	latest, _ := bm.Latest("dota.signatures")
	data, _ := os.ReadFile(latest)
	if !bytes.Equal(data, []byte{4}) {
		t.Fatalf("expected newest backup content, got %v", data)
	}

	if _, err := bm.CreateBackup("dota.signatures", []byte{4}); err != nil {
		t.Fatal(err)
	}
	if again, _ := bm.ListBackups("dota.signatures"); len(again) != MaxBackupsPerFile || again[0] != backups[0] {
		t.Fatal("identical content must not create a new backup")
	}
}

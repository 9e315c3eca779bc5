package vpk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeSample(t *testing.T) (string, *Archive) {
	t.Helper()

	a := New()
	a.Add("scripts/npc/items.txt", []byte("\"DOTAAbilities\" {}"))
	a.Add("Materials\\Hero\\Axe.vmat_c", []byte{0x01, 0x02, 0x03})
	a.Add("readme", []byte("no extension"))
	a.Add("root.cfg", []byte("bind f1 noop"))

	path := filepath.Join(t.TempDir(), "pak01_dir.vpk")
	if err := WriteFile(path, a); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path, a
}

func TestWriteOpenRoundTrip(t *testing.T) {
	path, want := writeSample(t)

	got, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("expected version 2, got %d", got.Version)
	}
	if got.Len() != want.Len() {
		t.Fatalf("expected %d entries, got %d: %v", want.Len(), got.Len(), got.Paths())
	}

	for _, p := range want.Paths() {
		we, _ := want.Get(p)
		ge, ok := got.Get(p)
		if !ok {
			t.Fatalf("missing entry %q", p)
		}
		wd, _ := we.ReadAll()
		gd, err := ge.ReadAll()
		if err != nil {
			t.Fatalf("ReadAll(%q) failed: %v", p, err)
		}
		if !bytes.Equal(wd, gd) {
			t.Fatalf("content mismatch for %q", p)
		}
		if ge.CRC != we.CRC {
			t.Fatalf("crc mismatch for %q", p)
		}
	}

	if _, ok := got.Get("materials/hero/axe.vmat_c"); !ok {
		t.Fatal("expected backslash path to be normalized")
	}
}

func TestWriteIsDeterministic(t *testing.T) {
	build := func(order []string) []byte {
		a := New()
		for _, p := range order {
			a.Add(p, []byte(p))
		}
		var buf bytes.Buffer
		if err := Write(&buf, a); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		return buf.Bytes()
	}

	first := build([]string{"b/two.txt", "a/one.txt", "c.vmdl_c"})
	second := build([]string{"c.vmdl_c", "a/one.txt", "b/two.txt"})
	if !bytes.Equal(first, second) {
		t.Fatal("expected identical bytes regardless of insertion order")
	}
}

func TestValidate(t *testing.T) {
	path, _ := writeSample(t)
	if err := Validate(path); err != nil {
		t.Fatalf("expected valid archive, got %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"bad signature", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[0:4], 0xdeadbeef)
			return b
		}},
		{"unsupported version", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[4:8], 7)
			return b
		}},
		{"truncated", func(b []byte) []byte {
			return b[:len(b)-2]
		}},
		{"flipped data byte", func(b []byte) []byte {
			b[len(b)-1] ^= 0xff
			return b
		}},
		{"header only", func(b []byte) []byte {
			return b[:8]
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := tt.mutate(append([]byte(nil), raw...))
			p := filepath.Join(t.TempDir(), "broken_dir.vpk")
			if err := os.WriteFile(p, buf, 0o644); err != nil {
				t.Fatal(err)
			}
			if err := Validate(p); !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestValidateRejectsEmptyArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty_dir.vpk")
	if err := WriteFile(path, New()); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := Validate(path); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for empty archive, got %v", err)
	}
}

func TestOpenVersion1(t *testing.T) {
	a := New()
	a.Version = 1
	a.Add("cfg/autoexec.cfg", []byte("echo hi"))

	path := filepath.Join(t.TempDir(), "v1_dir.vpk")
	if err := WriteFile(path, a); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := Validate(path); err != nil {
		t.Fatalf("expected valid v1 archive, got %v", err)
	}

	got, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 1 {
		t.Fatalf("expected version 1, got %d", got.Version)
	}
}

func TestPutCopiesEntryAcrossArchives(t *testing.T) {
	path, _ := writeSample(t)
	src, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	dst := New()
	e, _ := src.Get("root.cfg")
	dst.Put(e)
	dst.Add("extra.txt", []byte("x"))

	out := filepath.Join(t.TempDir(), "merged_dir.vpk")
	if err := WriteFile(out, dst); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := Validate(out); err != nil {
		t.Fatalf("expected valid archive, got %v", err)
	}
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"Scripts/NPC/items.txt":  "scripts/npc/items.txt",
		"/abs/path.txt":          "abs/path.txt",
		"a/./b/../c.txt":         "a/c.txt",
		"../../escape.txt":       "escape.txt",
		"sounds\\weapons\\x.wav": "sounds/weapons/x.wav",
	}
	for in, want := range tests {
		if got := NormalizePath(in); got != want {
			t.Errorf("NormalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

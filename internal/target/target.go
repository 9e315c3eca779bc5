// Package target locates a game installation and derives every path the
// engine reads or writes from its root directory.
package target

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bnema/ardysactl/internal/errs"
)

const (
	// ModsDirName is the directory holding the merged archive
	ModsDirName = "_ArdysaMods"
	// ArchiveName is the merged archive file name
	ArchiveName = "pak01_dir.vpk"
)

// Target is a located game installation
type Target struct {
	Root string

	ArchiveDir            string
	ArchivePath           string
	SignaturesPath        string
	GameInfoPath          string
	VersionDescriptorPath string

	// StateDir lives in the application data directory, never in the game tree
	StateDir string
}

// New derives all paths for root. dataDir is the application data directory.
func New(root, dataDir string) *Target {
	root = filepath.Clean(root)
	t := &Target{Root: root}

	t.ArchiveDir = Resolve(root, "game", ModsDirName)
	t.ArchivePath = filepath.Join(t.ArchiveDir, ArchiveName)
	t.SignaturesPath = Resolve(root, "game", "bin", "win64", "dota.signatures")
	t.GameInfoPath = Resolve(root, "game", "dota", "gameinfo_branchspecific.gi")
	t.VersionDescriptorPath = Resolve(root, "game", "dota", "steam.inf")
	t.StateDir = filepath.Join(dataDir, "targets", Key(root))

	return t
}

// Key returns a short, stable identifier for a game root. Roots that only
// differ in case or trailing separators share a key.
func Key(root string) string {
	norm := strings.ToLower(filepath.ToSlash(filepath.Clean(root)))
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])[:12]
}

// Resolve joins segments under root, matching each segment case-insensitively
// against existing entries. Segments that do not exist are used verbatim.
func Resolve(root string, segments ...string) string {
	current := root
	for _, seg := range segments {
		exact := filepath.Join(current, seg)
		if _, err := os.Lstat(exact); err == nil {
			current = exact
			continue
		}

		entries, err := os.ReadDir(current)
		if err != nil {
			current = exact
			continue
		}

		match := ""
		for _, e := range entries {
			if strings.EqualFold(e.Name(), seg) {
				match = e.Name()
				break
			}
		}
		if match == "" {
			current = exact
		} else {
			current = filepath.Join(current, match)
		}
	}
	return current
}

// Exists reports whether the root directory exists
func (t *Target) Exists() bool {
	info, err := os.Stat(t.Root)
	return err == nil && info.IsDir()
}

// CheckWritable verifies the root exists and the game directory accepts new
// files. It must pass before any mutating operation.
func (t *Target) CheckWritable() error {
	if !t.Exists() {
		return fmt.Errorf("%w: %s", errs.ErrTargetNotFound, t.Root)
	}

	dir := filepath.Join(t.Root, "game")
	if _, err := os.Stat(dir); err != nil {
		dir = t.Root
	}

	f, err := os.CreateTemp(dir, ".ardysactl-write-*")
	if err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("%w: %s", errs.ErrPermissionDenied, dir)
		}
		return fmt.Errorf("%w: %v", errs.ErrPermissionDenied, err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return nil
}

// HasArchive reports whether the merged archive is installed
func (t *Target) HasArchive() bool {
	info, err := os.Stat(t.ArchivePath)
	return err == nil && !info.IsDir()
}

// ScratchDir returns the directory for operation working directories
func (t *Target) ScratchDir() string {
	return filepath.Join(t.StateDir, "scratch")
}

// BackupDir returns the directory holding pre-patch copies of game files
func (t *Target) BackupDir() string {
	return filepath.Join(t.StateDir, "backups")
}

// Rel returns path relative to root with forward slashes
func (t *Target) Rel(path string) string {
	rel, err := filepath.Rel(t.Root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func (t *Target) String() string {
	return t.Root
}

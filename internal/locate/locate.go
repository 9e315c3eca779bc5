// Package locate finds the game installation on this machine.
package locate

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/bnema/ardysactl/internal/errs"
	"github.com/bnema/ardysactl/internal/target"
)

const (
	// EnvGameDir overrides discovery
	EnvGameDir = "ARDYSACTL_GAME_DIR"
	// InstallDirName is the game's folder under steamapps/common
	InstallDirName = "dota 2 beta"
)

// Finder looks up the game directory
type Finder struct {
	log *log.Logger
	// SteamRoots are the Steam installations searched for library folders
	SteamRoots []string
	getenv     func(string) string
}

// New creates a finder with the usual Steam locations
func New(logger *log.Logger) *Finder {
	home, _ := os.UserHomeDir()

	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		dataHome = filepath.Join(home, ".local", "share")
	}

	return &Finder{
		log: logger,
		SteamRoots: []string{
			filepath.Join(home, ".steam", "steam"),
			filepath.Join(dataHome, "Steam"),
			filepath.Join(home, ".var", "app", "com.valvesoftware.Steam", ".local", "share", "Steam"),
		},
		getenv: os.Getenv,
	}
}

// Find returns the first valid game directory. explicit, when set, is the
// only candidate.
func (f *Finder) Find(explicit string) (string, error) {
	if explicit != "" {
		if !IsGameDir(explicit) {
			return "", fmt.Errorf("%w: %s does not contain the game", errs.ErrTargetNotFound, explicit)
		}
		return filepath.Clean(explicit), nil
	}

	if dir := f.getenv(EnvGameDir); dir != "" {
		if IsGameDir(dir) {
			return filepath.Clean(dir), nil
		}
		f.log.Warn("Ignoring game directory from environment", "env", EnvGameDir, "dir", dir)
	}

	for _, c := range f.Candidates() {
		if IsGameDir(c) {
			f.log.Debug("Game directory found", "dir", c)
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: no Steam library holds the game", errs.ErrTargetNotFound)
}

// Candidates lists possible game directories from every Steam library
func (f *Finder) Candidates() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(lib string) {
		dir := filepath.Join(lib, "steamapps", "common", InstallDirName)
		key := filepath.Clean(dir)
		if !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}

	for _, root := range f.SteamRoots {
		if _, err := os.Stat(root); err != nil {
			continue
		}
		add(root)
		libs, err := LibraryFolders(filepath.Join(root, "steamapps", "libraryfolders.vdf"))
		if err != nil {
			if !os.IsNotExist(err) {
				f.log.Debug("Cannot read Steam library list", "root", root, "error", err)
			}
			continue
		}
		for _, lib := range libs {
			add(lib)
		}
	}
	return out
}

var pathLineRe = regexp.MustCompile(`^\s*"path"\s+"(.+)"\s*$`)

// LibraryFolders parses the library paths of a libraryfolders.vdf file
func LibraryFolders(vdf string) ([]string, error) {
	file, err := os.Open(vdf)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var libs []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		m := pathLineRe.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		libs = append(libs, strings.ReplaceAll(m[1], `\\`, `\`))
	}
	return libs, scanner.Err()
}

// IsGameDir reports whether dir holds the game config the patcher edits
func IsGameDir(dir string) bool {
	t := target.New(dir, os.TempDir())
	info, err := os.Stat(t.GameInfoPath)
	return err == nil && !info.IsDir()
}

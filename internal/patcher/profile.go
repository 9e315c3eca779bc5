package patcher

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// Profile is the ordered list of patch points for a game build. Points that
// others depend on come first: the digest line is computed from the gameinfo
// content staged before it.
type Profile struct {
	Name   string
	Points []Point
}

// DefaultProfile patches the gameinfo search path and the signatures digest
func DefaultProfile() *Profile {
	return &Profile{
		Name:   "default",
		Points: []Point{SearchPathPoint{}, DigestLinePoint{}},
	}
}

// For returns the points that run in mode, in profile order
func (p *Profile) For(mode Mode) []Point {
	var out []Point
	for _, pt := range p.Points {
		if runsIn(pt, mode) {
			out = append(out, pt)
		}
	}
	return out
}

type profileFile struct {
	Name   string       `toml:"name"`
	Points []pointEntry `toml:"point"`
}

type pointEntry struct {
	Kind    string   `toml:"kind"`
	ID      string   `toml:"id"`
	File    string   `toml:"file"`
	Dir     string   `toml:"dir"`
	Pattern string   `toml:"pattern"`
	Replace string   `toml:"replace"`
	Modes   []string `toml:"modes"`
}

// LoadProfile reads a TOML profile:
//
//	name = "beta"
//	[[point]]
//	kind = "search-path"
//	[[point]]
//	kind = "byte-pattern"
//	id = "engine-sig"
//	file = "game/bin/win64/engine2.dll"
//	pattern = "74 ?? 48 8B"
//	replace = "EB ?? 48 8B"
//	[[point]]
//	kind = "digest-line"
func LoadProfile(path string) (*Profile, error) {
	var pf profileFile
	if _, err := toml.DecodeFile(path, &pf); err != nil {
		return nil, fmt.Errorf("loading patch profile %q: %w", path, err)
	}
	if len(pf.Points) == 0 {
		return nil, errors.New("patch profile has no points")
	}

	prof := &Profile{Name: pf.Name}
	if prof.Name == "" {
		prof.Name = path
	}

	for i, e := range pf.Points {
		pt, err := e.point()
		if err != nil {
			return nil, fmt.Errorf("patch profile point %d: %w", i+1, err)
		}
		prof.Points = append(prof.Points, pt)
	}
	return prof, nil
}

func (e pointEntry) point() (Point, error) {
	switch e.Kind {
	case "search-path":
		return SearchPathPoint{Dir: e.Dir}, nil
	case "digest-line":
		return DigestLinePoint{}, nil
	case "byte-pattern":
		modes, err := parseModes(e.Modes)
		if err != nil {
			return nil, err
		}
		bp := BytePatternPoint{ID: e.ID, Path: e.File, Pattern: e.Pattern, Replace: e.Replace, In: modes}
		if bp.ID == "" || bp.Path == "" {
			return nil, errors.New("byte-pattern requires id and file")
		}
		if _, _, err := bp.parse(); err != nil {
			return nil, err
		}
		return bp, nil
	}
	return nil, fmt.Errorf("unknown point kind %q", e.Kind)
}

func parseModes(names []string) ([]Mode, error) {
	var out []Mode
	for _, n := range names {
		m, err := ParseMode(n)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// ParseMode parses "quick" or "full"
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "quick":
		return Quick, nil
	case "full":
		return Full, nil
	}
	return 0, fmt.Errorf("unknown patch mode %q", s)
}

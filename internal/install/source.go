package install

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/bnema/ardysactl/internal/conflict"
	"github.com/bnema/ardysactl/internal/payload"
)

// Kind of content source
type Kind string

const (
	KindHeroSet Kind = "hero-set"
	KindMisc    Kind = "misc"
	KindArchive Kind = "archive"
)

// ContentSource is one unit of content to merge
type ContentSource struct {
	ID        string    `toml:"id" json:"id" validate:"required,max=128,excludesall=/\\"`
	Name      string    `toml:"name,omitempty" json:"name"`
	Kind      Kind      `toml:"kind,omitempty" json:"kind" validate:"omitempty,oneof=hero-set misc archive"`
	Priority  int       `toml:"priority,omitempty" json:"priority"`
	UpdatedAt time.Time `toml:"updated-at,omitempty" json:"updated_at"`

	// URLs are tried in order; relative URLs resolve against the CDN
	URLs      []string `toml:"urls,omitempty" json:"urls" validate:"required_without_all=LocalPath GitURL,dive,required"`
	LocalPath string   `toml:"local-path,omitempty" json:"local_path" validate:"required_without_all=URLs GitURL"`
	GitURL    string   `toml:"git-url,omitempty" json:"git_url" validate:"required_without_all=URLs LocalPath"`

	Claims       []string `toml:"claims,omitempty" json:"claims"`
	Incompatible []string `toml:"incompatible,omitempty" json:"incompatible"`
}

// DisplayName returns Name or ID
func (s ContentSource) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

var validate = validator.New()

// ValidateSources checks every source and rejects duplicate ids
func ValidateSources(sources []ContentSource) error {
	if len(sources) == 0 {
		return errors.New("no content sources selected")
	}
	seen := make(map[string]bool, len(sources))
	for i, s := range sources {
		if err := validate.Struct(s); err != nil {
			return fmt.Errorf("source %d (%s): %w", i+1, s.ID, err)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate source id %q", s.ID)
		}
		seen[s.ID] = true
		if s.GitURL != "" {
			if err := payload.ValidateGitURL(s.GitURL); err != nil {
				return fmt.Errorf("source %s: %w", s.ID, err)
			}
		}
	}
	return nil
}

type sourceFile struct {
	Sources []ContentSource `toml:"source"`
}

// LoadSources reads a TOML list of [[source]] tables. Relative local paths
// are resolved against the file's directory.
func LoadSources(path string) ([]ContentSource, error) {
	var f sourceFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("loading sources %q: %w", path, err)
	}
	base := filepath.Dir(path)
	for i := range f.Sources {
		lp := f.Sources[i].LocalPath
		if lp != "" && !filepath.IsAbs(lp) {
			f.Sources[i].LocalPath = filepath.Join(base, lp)
		}
	}
	if err := ValidateSources(f.Sources); err != nil {
		return nil, err
	}
	return f.Sources, nil
}

// LocalSource builds a source for a single user supplied file
func LocalSource(path string) ContentSource {
	info, err := os.Stat(path)
	updated := time.Time{}
	if err == nil {
		updated = info.ModTime()
	}
	name := filepath.Base(path)
	return ContentSource{
		ID:        strings.TrimSuffix(name, filepath.Ext(name)),
		Name:      name,
		Kind:      KindArchive,
		LocalPath: path,
		UpdatedAt: updated,
	}
}

// fingerprint identifies a selection independent of order
func fingerprint(sources []ContentSource, mode string) string {
	lines := make([]string, 0, len(sources)+1)
	for _, s := range sources {
		lines = append(lines, strings.Join([]string{
			s.ID,
			strconv.Itoa(s.Priority),
			s.UpdatedAt.UTC().Format(time.RFC3339),
			strings.Join(s.URLs, ","),
			s.LocalPath,
			s.GitURL,
		}, "|"))
	}
	sort.Strings(lines)
	lines = append(lines, "mode="+mode)

	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

func conflictSource(s ContentSource, installed bool) conflict.Source {
	return conflict.Source{
		ID:           s.ID,
		Name:         s.DisplayName(),
		Priority:     s.Priority,
		UpdatedAt:    s.UpdatedAt,
		Claims:       s.Claims,
		Incompatible: s.Incompatible,
		Installed:    installed,
	}
}

// Package merger rebuilds the installed content archive from a set of
// content sources. Output is always staged next to the installed archive,
// validated, and only then swapped in.
package merger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/charmbracelet/log"

	"github.com/bnema/ardysactl/internal/errs"
	"github.com/bnema/ardysactl/internal/fsutil"
	"github.com/bnema/ardysactl/internal/payload"
	"github.com/bnema/ardysactl/internal/target"
	"github.com/bnema/ardysactl/internal/vpk"
)

// ErrNothingToMerge is returned when no source contributed any entry
var ErrNothingToMerge = errors.New("no entries to merge")

// Mode selects the starting container of a build
type Mode int

const (
	// Clean starts from an empty archive
	Clean Mode = iota
	// AddToCurrent starts from the installed archive
	AddToCurrent
)

func (m Mode) String() string {
	if m == AddToCurrent {
		return "add-to-current"
	}
	return "clean"
}

// Format is the archive container adapter
type Format interface {
	Name() string
	Open(path string) (*vpk.Archive, error)
	Write(path string, a *vpk.Archive) error
	Validate(path string) error
}

// VPK is the Valve pak format adapter
type VPK struct{}

func (VPK) Name() string                            { return "vpk" }
func (VPK) Open(path string) (*vpk.Archive, error)  { return vpk.Open(path) }
func (VPK) Write(path string, a *vpk.Archive) error { return vpk.WriteFile(path, a) }
func (VPK) Validate(path string) error              { return vpk.Validate(path) }

// Input is one source payload to merge
type Input struct {
	ID       string
	Priority int
	Path     string
}

// Options control a build
type Options struct {
	Mode Mode
	// Allow reports whether source id may write entry path. Nil allows all.
	Allow func(id, path string) bool
	// Exclude lists source ids skipped entirely
	Exclude map[string]bool
}

// Result is a validated, uncommitted build
type Result struct {
	TempPath string
	Entries  int
	// Contributions maps source id to the entries it owns in the final archive
	Contributions map[string][]string
	// Failed maps source id to the reason its payload was rejected
	Failed map[string]error

	target *target.Target
}

// Merger builds archives for a target
type Merger struct {
	format Format
	log    *log.Logger
}

// New creates a merger. format may be nil for the VPK adapter.
func New(format Format, logger *log.Logger) *Merger {
	if format == nil {
		format = VPK{}
	}
	return &Merger{format: format, log: logger}
}

// Build merges inputs in ascending priority order so the highest priority is
// written last. A source whose payload cannot be opened is recorded in
// Result.Failed and skipped. workDir receives extracted payloads.
func (m *Merger) Build(ctx context.Context, t *target.Target, inputs []Input, opts Options, workDir string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCancelled, err)
	}

	arch := vpk.New()
	owner := make(map[string]string)

	if opts.Mode == AddToCurrent && t.HasArchive() {
		current, err := m.format.Open(t.ArchivePath)
		if err != nil {
			return nil, fmt.Errorf("%w: reading installed archive: %v", errs.ErrArchiveCorrupt, err)
		}
		for _, e := range current.Entries() {
			arch.Put(e)
		}
		m.log.Debug("Starting from installed archive", "entries", arch.Len())
	}

	ordered := append([]Input(nil), inputs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})

	res := &Result{
		Contributions: make(map[string][]string),
		Failed:        make(map[string]error),
		target:        t,
	}

	for _, in := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrCancelled, err)
		}
		if opts.Exclude[in.ID] {
			m.log.Debug("Source excluded by conflict resolution", "source", in.ID)
			continue
		}

		src, err := payload.Open(in.Path, filepath.Join(workDir, "payload-"+in.ID))
		if err != nil {
			m.log.Warn("Skipping source", "source", in.ID, "error", err)
			res.Failed[in.ID] = err
			continue
		}

		written := 0
		for _, e := range src.Entries() {
			if opts.Allow != nil && !opts.Allow(in.ID, e.Path) {
				continue
			}
			arch.Put(e)
			owner[e.Path] = in.ID
			written++
		}
		m.log.Debug("Merged source", "source", in.ID, "entries", written)
	}

	for p, id := range owner {
		res.Contributions[id] = append(res.Contributions[id], p)
	}
	for id := range res.Contributions {
		sort.Strings(res.Contributions[id])
	}

	if arch.Len() == 0 {
		return res, ErrNothingToMerge
	}

	tmp, err := m.write(t, arch)
	if err != nil {
		return res, err
	}
	res.TempPath = tmp
	res.Entries = arch.Len()

	m.log.Info("Archive built", "entries", res.Entries, "mode", opts.Mode, "failed", len(res.Failed))
	return res, nil
}

// Stage copies a user supplied archive next to the installed one after
// validating it, ready for Commit.
func (m *Merger) Stage(t *target.Target, src string) (*Result, error) {
	if err := m.format.Validate(src); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrArchiveCorrupt, err)
	}

	tmp, err := createTemp(t)
	if err != nil {
		return nil, err
	}
	if err := fsutil.CopyFile(src, tmp); err != nil {
		_ = os.Remove(tmp)
		return nil, classifyWrite(err)
	}
	if err := m.format.Validate(tmp); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("%w: staged copy: %v", errs.ErrArchiveCorrupt, err)
	}

	a, err := m.format.Open(tmp)
	if err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("%w: %v", errs.ErrArchiveCorrupt, err)
	}
	return &Result{TempPath: tmp, Entries: a.Len(), target: t}, nil
}

func (m *Merger) write(t *target.Target, arch *vpk.Archive) (string, error) {
	tmp, err := createTemp(t)
	if err != nil {
		return "", err
	}

	if err := m.format.Write(tmp, arch); err != nil {
		_ = os.Remove(tmp)
		return "", classifyWrite(err)
	}

	if err := m.format.Validate(tmp); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("%w: %v", errs.ErrArchiveCorrupt, err)
	}

	check, err := m.format.Open(tmp)
	if err != nil || check.Len() != arch.Len() {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("%w: entry count mismatch after write", errs.ErrArchiveCorrupt)
	}
	return tmp, nil
}

func createTemp(t *target.Target) (string, error) {
	if err := os.MkdirAll(t.ArchiveDir, 0o755); err != nil {
		return "", classifyWrite(err)
	}
	f, err := os.CreateTemp(t.ArchiveDir, target.ArchiveName+".tmp-*")
	if err != nil {
		return "", classifyWrite(err)
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		return "", err
	}
	return name, nil
}

func classifyWrite(err error) error {
	if os.IsPermission(err) {
		return fmt.Errorf("%w: %v", errs.ErrPermissionDenied, err)
	}
	return err
}

// Validate checks a user supplied archive before any merge begins
func Validate(path string) (bool, string) {
	if err := vpk.Validate(path); err != nil {
		return false, err.Error()
	}
	return true, ""
}

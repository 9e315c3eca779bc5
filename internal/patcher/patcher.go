// Package patcher applies and reverts the game file modifications that make
// the game load the merged archive. A batch is staged in memory and swapped
// in only when every point succeeds.
package patcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/bnema/ardysactl/internal/errs"
	"github.com/bnema/ardysactl/internal/target"
)

// Mode selects which points run
type Mode int

const (
	// Quick only refreshes the signature markers
	Quick Mode = iota + 1
	// Full re-applies every point
	Full
)

func (m Mode) String() string {
	switch m {
	case Quick:
		return "quick"
	case Full:
		return "full"
	}
	return "unknown"
}

// Result is the outcome of Apply
type Result int

const (
	Success Result = iota
	AlreadyPatched
	Failed
	Cancelled
)

func (r Result) String() string {
	switch r {
	case Success:
		return "Success"
	case AlreadyPatched:
		return "AlreadyPatched"
	case Cancelled:
		return "Cancelled"
	}
	return "Failed"
}

// Evidence is the on-disk patch state of a target
type Evidence struct {
	SignaturesPresent  bool
	GameInfoIntegrated bool
	// Points maps point name to whether it is applied
	Points map[string]bool
	// Complete is true when every Full point is applied
	Complete bool
}

// Patcher applies a profile to targets
type Patcher struct {
	profile *Profile
	log     *log.Logger
}

// New creates a patcher. A nil profile uses DefaultProfile.
func New(profile *Profile, logger *log.Logger) *Patcher {
	if profile == nil {
		profile = DefaultProfile()
	}
	return &Patcher{profile: profile, log: logger}
}

// Profile returns the active profile
func (p *Patcher) Profile() *Profile {
	return p.profile
}

func (p *Patcher) backups(t *target.Target) *BackupManager {
	return NewBackupManager(t.BackupDir())
}

func backupName(t *target.Target, path string) string {
	return strings.ReplaceAll(t.Rel(path), "/", "__")
}

// Apply runs the points of mode against t. When every point is already
// applied nothing is written and AlreadyPatched is returned.
func (p *Patcher) Apply(ctx context.Context, t *target.Target, mode Mode) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Cancelled, fmt.Errorf("%w: %v", errs.ErrCancelled, err)
	}

	points := p.profile.For(mode)
	if len(points) == 0 {
		return Failed, fmt.Errorf("profile %s has no %s points", p.profile.Name, mode)
	}

	stage := newStage()
	pending := 0
	for _, pt := range points {
		ok, err := pt.Applied(stage, t)
		if err != nil {
			return Failed, err
		}
		if !ok {
			pending++
		}
	}
	if pending == 0 {
		p.log.Info("Target already patched", "mode", mode, "target", t)
		return AlreadyPatched, nil
	}

	for _, pt := range points {
		if err := ctx.Err(); err != nil {
			return Cancelled, fmt.Errorf("%w: %v", errs.ErrCancelled, err)
		}
		if err := pt.Apply(stage, t); err != nil {
			p.log.Error("Patch point failed", "point", pt.Name(), "error", err)
			return Failed, err
		}
		p.log.Debug("Patch point staged", "point", pt.Name())
	}

	changed := stage.Changed()
	if len(changed) == 0 {
		return AlreadyPatched, nil
	}
	p.logDiffs(stage, changed)

	if err := ctx.Err(); err != nil {
		return Cancelled, fmt.Errorf("%w: %v", errs.ErrCancelled, err)
	}

	bm := p.backups(t)
	for _, path := range changed {
		if _, err := bm.CreateBackup(backupName(t, path), stage.Original(path)); err != nil {
			p.log.Warn("Failed to create backup", "file", t.Rel(path), "error", err)
		}
	}

	if err := stage.Swap(); err != nil {
		return Failed, err
	}

	p.log.Info("Patch applied", "mode", mode, "files", len(changed), "target", t)
	return Success, nil
}

// Revert undoes every point of the profile. A point whose inverse cannot find
// its marker has its file restored from the newest backup.
func (p *Patcher) Revert(ctx context.Context, t *target.Target) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: %v", errs.ErrCancelled, err)
	}

	stage := newStage()
	bm := p.backups(t)

	for _, pt := range p.profile.Points {
		err := pt.Revert(stage, t)
		switch {
		case err == nil:
		case errors.Is(err, errMarkerMissing):
			path := pt.File(t)
			latest, lerr := bm.Latest(backupName(t, path))
			if lerr != nil {
				return false, fmt.Errorf("%s: %w and no backup available", pt.Name(), err)
			}
			data, rerr := os.ReadFile(latest)
			if rerr != nil {
				return false, rerr
			}
			if werr := stage.Write(path, data); werr != nil {
				return false, werr
			}
			p.log.Warn("Restoring file from backup", "point", pt.Name(), "backup", latest)
		case isMissingFile(pt, t):
			p.log.Debug("Nothing to revert, file missing", "point", pt.Name())
		default:
			return false, err
		}
	}

	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: %v", errs.ErrCancelled, err)
	}

	changed := stage.Changed()
	p.logDiffs(stage, changed)
	if err := stage.Swap(); err != nil {
		return false, err
	}

	p.log.Info("Patch reverted", "files", len(changed), "target", t)
	return true, nil
}

func isMissingFile(pt Point, t *target.Target) bool {
	_, err := os.Stat(pt.File(t))
	return os.IsNotExist(err)
}

// Check reports the patch evidence of t without writing
func (p *Patcher) Check(t *target.Target) (Evidence, error) {
	ev := Evidence{Points: make(map[string]bool), Complete: true}

	if _, err := os.Stat(t.SignaturesPath); err == nil {
		ev.SignaturesPresent = true
	}
	if data, err := os.ReadFile(t.GameInfoPath); err == nil {
		ev.GameInfoIntegrated = strings.Contains(string(data), target.ModsDirName)
	}

	stage := newStage()
	var firstErr error
	for _, pt := range p.profile.For(Full) {
		ok, err := pt.Applied(stage, t)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		ev.Points[pt.Name()] = ok
		if !ok {
			ev.Complete = false
		}
	}
	return ev, firstErr
}

// RestoreBackups writes the newest backup of every file the profile touches
// back into the game tree. It returns the restored paths.
func (p *Patcher) RestoreBackups(t *target.Target) ([]string, error) {
	stage := newStage()
	bm := p.backups(t)
	seen := make(map[string]bool)

	for _, pt := range p.profile.Points {
		path := pt.File(t)
		if seen[path] {
			continue
		}
		seen[path] = true

		latest, err := bm.Latest(backupName(t, path))
		if err != nil {
			continue
		}
		data, err := os.ReadFile(latest)
		if err != nil {
			return nil, err
		}
		if _, err := stage.Read(path); err != nil {
			return nil, err
		}
		if err := stage.Write(path, data); err != nil {
			return nil, err
		}
	}

	changed := stage.Changed()
	if err := stage.Swap(); err != nil {
		return nil, err
	}
	return changed, nil
}

func classify(err error) error {
	if os.IsPermission(err) {
		return fmt.Errorf("%w: %v", errs.ErrPermissionDenied, err)
	}
	return err
}

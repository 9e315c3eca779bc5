// Package version records the game version at the last successful patch
// and detects drift against the installed game.
package version

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bnema/ardysactl/internal/errs"
	"github.com/bnema/ardysactl/internal/fsutil"
	"github.com/bnema/ardysactl/internal/target"
)

// NotPatchedYet is reported as the patched version of a target with no snapshot
const NotPatchedYet = "Not patched yet"

const (
	snapshotFile   = "version.json"
	descriptorFile = "patched_steam.inf"
)

// Info is the current game version of a target
type Info struct {
	GameVersion string
	Descriptor  *Descriptor
}

// Snapshot is the persisted record of the last patch
type Snapshot struct {
	GameVersion        string     `json:"game_version"`
	PatchedAtVersion   string     `json:"patched_at_version"`
	TimestampUTC       time.Time  `json:"timestamp_utc"`
	SignatureApplied   bool       `json:"signature_applied"`
	SignatureAppliedAt *time.Time `json:"signature_applied_at,omitempty"`
}

// Tracker reads and writes version snapshots
type Tracker struct {
	mu  sync.Mutex
	log *log.Logger
	now func() time.Time
}

// NewTracker creates a tracker
func NewTracker(logger *log.Logger) *Tracker {
	return &Tracker{log: logger, now: func() time.Time { return time.Now().UTC() }}
}

// GetVersionInfo reads the installed game version
func (tr *Tracker) GetVersionInfo(t *target.Target) (Info, error) {
	d, err := ReadDescriptor(t.VersionDescriptorPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, fmt.Errorf("%w: version descriptor %s", errs.ErrTargetNotFound, t.Rel(t.VersionDescriptorPath))
		}
		return Info{}, err
	}
	return Info{GameVersion: d.String(), Descriptor: d}, nil
}

// CompareToPatched compares the installed descriptor with the one saved at
// the last Full patch. A target never patched reports NotPatchedYet.
func (tr *Tracker) CompareToPatched(t *target.Target) (matches bool, current, patched string, err error) {
	info, err := tr.GetVersionInfo(t)
	if err != nil {
		return false, "", "", err
	}
	current = info.GameVersion

	saved, err := os.ReadFile(filepath.Join(t.StateDir, descriptorFile))
	if err != nil {
		if os.IsNotExist(err) {
			return false, current, NotPatchedYet, nil
		}
		return false, current, "", err
	}

	patched = NotPatchedYet
	if snap, err := tr.LoadSnapshot(t); err == nil && snap != nil && snap.PatchedAtVersion != "" {
		patched = snap.PatchedAtVersion
	} else if d, err := ParseDescriptor(saved); err == nil {
		patched = d.String()
	}

	matches = bytes.Equal(info.Descriptor.Raw, saved)
	if !matches {
		tr.log.Debug("Version drift detected", "current", current, "patched", patched)
	}
	return matches, current, patched, nil
}

// SaveSnapshot records a successful Full patch at info's version
func (tr *Tracker) SaveSnapshot(t *target.Target, info Info) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	snap, err := tr.load(t)
	if err != nil {
		return err
	}
	if snap == nil {
		snap = &Snapshot{}
	}

	now := tr.now()
	snap.GameVersion = info.GameVersion
	snap.PatchedAtVersion = info.GameVersion
	snap.TimestampUTC = now
	snap.SignatureApplied = true
	snap.SignatureAppliedAt = &now

	return tr.save(t, snap)
}

// MarkSignatureApplied records a Quick patch. The patched version is left
// untouched.
func (tr *Tracker) MarkSignatureApplied(t *target.Target) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	snap, err := tr.load(t)
	if err != nil {
		return err
	}
	if snap == nil {
		snap = &Snapshot{}
	}

	now := tr.now()
	snap.SignatureApplied = true
	snap.SignatureAppliedAt = &now
	if info, err := tr.GetVersionInfo(t); err == nil {
		snap.GameVersion = info.GameVersion
	}

	return tr.save(t, snap)
}

// SavePatchedDescriptor caches the installed descriptor for later comparison
func (tr *Tracker) SavePatchedDescriptor(t *target.Target) error {
	data, err := os.ReadFile(t.VersionDescriptorPath)
	if err != nil {
		return fmt.Errorf("reading version descriptor: %w", err)
	}
	return fsutil.WriteFileAtomic(filepath.Join(t.StateDir, descriptorFile), data, 0o644)
}

// LoadSnapshot returns the saved snapshot, or nil when none exists
func (tr *Tracker) LoadSnapshot(t *target.Target) (*Snapshot, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.load(t)
}

func (tr *Tracker) load(t *target.Target) (*Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(t.StateDir, snapshotFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		tr.log.Warn("Ignoring unreadable version snapshot", "error", err)
		return nil, nil
	}
	return &snap, nil
}

func (tr *Tracker) save(t *target.Target, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(t.StateDir, snapshotFile), data, 0o644)
}

package install

import (
	"context"
	"os"
	"time"

	"github.com/bnema/ardysactl/internal/errs"
	"github.com/bnema/ardysactl/internal/target"
)

// PatchState is the derived install state of a target
type PatchState int

const (
	NotInstalled PatchState = iota
	Ready
	NeedUpdate
	Disabled
	Error
)

func (s PatchState) String() string {
	switch s {
	case NotInstalled:
		return "NotInstalled"
	case Ready:
		return "Ready"
	case NeedUpdate:
		return "NeedUpdate"
	case Disabled:
		return "Disabled"
	case Error:
		return "Error"
	}
	return "Unknown"
}

// MarshalText encodes the state by name
func (s PatchState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StatusInfo is the display form of a target's state
type StatusInfo struct {
	Status       PatchState `json:"status"`
	StatusText   string     `json:"status_text"`
	ColorHint    string     `json:"color_hint"`
	Description  string     `json:"description"`
	Version      string     `json:"version,omitempty"`
	LastModified time.Time  `json:"last_modified,omitzero"`
	ActionHint   string     `json:"action_hint,omitempty"`
}

func statusInfo(s PatchState) StatusInfo {
	info := StatusInfo{Status: s}
	switch s {
	case NotInstalled:
		info.StatusText = "Not installed"
		info.ColorHint = "gray"
		info.Description = "No mod archive is installed for this game."
		info.ActionHint = "Select content and install."
	case Ready:
		info.StatusText = "Ready"
		info.ColorHint = "green"
		info.Description = "Mods are installed and the game is patched."
	case NeedUpdate:
		info.StatusText = "Needs update"
		info.ColorHint = "yellow"
		info.Description = "Mods are installed but the game patch is missing or outdated."
		info.ActionHint = "Run a Full Re-patch."
	case Disabled:
		info.StatusText = "Disabled"
		info.ColorHint = "gray"
		info.Description = "Mods were disabled and the game files restored."
		info.ActionHint = "Install to enable mods again."
	case Error:
		info.StatusText = "Error"
		info.ColorHint = "red"
		info.Description = "The last operation failed."
	}
	return info
}

// DetailedStatus derives the state of t from the files on disk and the last
// operation record
func (s *Service) DetailedStatus(ctx context.Context, t *target.Target) StatusInfo {
	if !t.Exists() {
		info := statusInfo(Error)
		info.Description = "Game directory not found: " + t.Root
		info.ActionHint = errs.Hint(errs.ErrTargetNotFound)
		return info
	}

	st, err := s.states.Load(t)
	if err != nil {
		s.log.Warn("Cannot read target state", "error", err)
	}

	archive, statErr := os.Stat(t.ArchivePath)
	hasArchive := statErr == nil

	var info StatusInfo
	switch {
	case st.Disabled && !hasArchive:
		info = statusInfo(Disabled)
	case !hasArchive:
		info = statusInfo(NotInstalled)
	case st.Outcome == OutcomeFailed && failedTargetWide(st.ErrorKind):
		info = statusInfo(Error)
		if st.Message != "" {
			info.Description = st.Message
		}
		info.ActionHint = hintForKind(st.ErrorKind)
	default:
		info = s.patchedStatus(t)
	}

	if hasArchive {
		info.LastModified = archive.ModTime()
	}
	if v, err := s.opts.Tracker.GetVersionInfo(t); err == nil {
		info.Version = v.GameVersion
	}
	return info
}

func (s *Service) patchedStatus(t *target.Target) StatusInfo {
	ev, err := s.opts.Patcher.Check(t)
	if err != nil {
		s.log.Debug("Patch evidence incomplete", "error", err)
	}
	if !ev.Complete {
		info := statusInfo(NeedUpdate)
		if !ev.SignaturesPresent {
			info.Description = "The game signatures file is missing."
		}
		return info
	}

	matches, current, patched, err := s.opts.Tracker.CompareToPatched(t)
	if err == nil && !matches {
		info := statusInfo(NeedUpdate)
		info.Description = "The game was updated from " + patched + " to " + current + "."
		info.ActionHint = errs.Hint(errs.ErrVersionDrift)
		return info
	}
	return statusInfo(Ready)
}

func failedTargetWide(kind string) bool {
	switch kind {
	case "ArchiveCorrupt", "PermissionDenied", "DiskFull", "TargetNotFound", "PatchPointNotFound":
		return true
	}
	return false
}

var kindErrs = map[string]error{
	"ArchiveCorrupt":     errs.ErrArchiveCorrupt,
	"PermissionDenied":   errs.ErrPermissionDenied,
	"DiskFull":           errs.ErrDiskFull,
	"TargetNotFound":     errs.ErrTargetNotFound,
	"PatchPointNotFound": errs.ErrPatchPointNotFound,
}

func hintForKind(kind string) string {
	return errs.Hint(kindErrs[kind])
}

// NeedsRepatch reports whether an installed target lost its patch
func (s *Service) NeedsRepatch(ctx context.Context, t *target.Target) (bool, string) {
	info := s.DetailedStatus(ctx, t)
	if info.Status == NeedUpdate {
		return true, info.Description
	}
	return false, ""
}

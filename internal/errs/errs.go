// Package errs holds the engine's error taxonomy. Packages wrap these
// sentinels with context; callers classify with errors.Is or Kind.
package errs

import (
	"context"
	"errors"
)

var (
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrArchiveCorrupt     = errors.New("archive corrupt")
	ErrPayloadInvalid     = errors.New("content payload invalid")
	ErrPatchPointNotFound = errors.New("patch point not found")
	ErrVersionDrift       = errors.New("game version changed since last patch")
	ErrConflictUnresolved = errors.New("conflict unresolved")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrCancelled          = errors.New("cancelled")
	ErrBusy               = errors.New("another operation is running for this target")
	ErrDiskFull           = errors.New("not enough free disk space")
	ErrTargetNotFound     = errors.New("game directory not found")
)

// Kind names the taxonomy bucket of err, e.g. "NetworkUnavailable".
// Unknown errors map to "Failed".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsCancelled(err):
		return "Cancelled"
	case errors.Is(err, ErrNetworkUnavailable):
		return "NetworkUnavailable"
	case errors.Is(err, ErrArchiveCorrupt):
		return "ArchiveCorrupt"
	case errors.Is(err, ErrPayloadInvalid):
		return "PayloadInvalid"
	case errors.Is(err, ErrPatchPointNotFound):
		return "PatchPointNotFound"
	case errors.Is(err, ErrVersionDrift):
		return "VersionDriftDetected"
	case errors.Is(err, ErrConflictUnresolved):
		return "ConflictUnresolved"
	case errors.Is(err, ErrPermissionDenied):
		return "PermissionDenied"
	case errors.Is(err, ErrBusy):
		return "Busy"
	case errors.Is(err, ErrDiskFull):
		return "DiskFull"
	case errors.Is(err, ErrTargetNotFound):
		return "TargetNotFound"
	}
	return "Failed"
}

// IsCancelled reports whether err came from cooperative cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// IsTargetWide reports whether err must abort a whole batch instead of
// failing a single item.
func IsTargetWide(err error) bool {
	return errors.Is(err, ErrArchiveCorrupt) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrDiskFull) ||
		errors.Is(err, ErrTargetNotFound)
}

// Hint returns a remediation hint for err suitable for user display.
func Hint(err error) string {
	switch Kind(err) {
	case "NetworkUnavailable":
		return "Check your internet connection and try again."
	case "ArchiveCorrupt":
		return "Re-download the package or run a clean install."
	case "PayloadInvalid":
		return "Re-download the item or pick a different file."
	case "PatchPointNotFound":
		return "The game updated in an incompatible way. Run a Full Re-patch; if it keeps failing, contact support."
	case "VersionDriftDetected":
		return "The game was updated. Run a Full Re-patch."
	case "ConflictUnresolved":
		return "Choose how to resolve the conflicting selections and retry."
	case "PermissionDenied":
		return "Make sure the game directory is writable and the game is closed."
	case "DiskFull":
		return "Free some disk space on the game drive and retry."
	case "TargetNotFound":
		return "Select the game installation directory."
	case "Busy":
		return "Wait for the current operation to finish."
	case "Cancelled":
		return ""
	}
	return "Verify game files and retry. If the problem persists, contact support."
}

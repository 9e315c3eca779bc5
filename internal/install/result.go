package install

import (
	"fmt"

	"github.com/bnema/ardysactl/internal/errs"
	"github.com/bnema/ardysactl/internal/merger"
)

// Stage is a coarse step of an operation
type Stage int

const (
	StagePrepare Stage = iota
	StageDownload
	StageResolve
	StageMerge
	StageCommit
	StagePatch
)

func (s Stage) String() string {
	switch s {
	case StagePrepare:
		return "Preparing"
	case StageDownload:
		return "Downloading content"
	case StageResolve:
		return "Resolving conflicts"
	case StageMerge:
		return "Building archive"
	case StageCommit:
		return "Installing archive"
	case StagePatch:
		return "Patching game files"
	}
	return "Unknown"
}

// InstallStages lists the stages of Install in order
var InstallStages = []Stage{StagePrepare, StageDownload, StageResolve, StageMerge, StageCommit, StagePatch}

// Event reports progress of an operation
type Event struct {
	Stage   Stage  `json:"stage"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Item    string `json:"item,omitempty"`
	Done    bool   `json:"done,omitempty"`
}

// Progress receives events. It may be called from worker goroutines.
type Progress func(Event)

func (p Progress) emit(e Event) {
	if p != nil {
		p(e)
	}
}

// InstallOptions control Install
type InstallOptions struct {
	Mode merger.Mode
	// Force bypasses the up to date short-circuit
	Force bool
}

// FailedItem is one source that could not be installed
type FailedItem struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// OperationResult reports the outcome of an install
type OperationResult struct {
	Success     bool         `json:"success"`
	Cancelled   bool         `json:"cancelled"`
	Message     string       `json:"message"`
	FailedItems []FailedItem `json:"failed_items,omitempty"`
	ErrorKind   string       `json:"error_kind,omitempty"`
	Hint        string       `json:"hint,omitempty"`
	Err         error        `json:"-"`
}

func failedResult(err error, items []FailedItem) OperationResult {
	r := OperationResult{
		Cancelled:   errs.IsCancelled(err),
		FailedItems: items,
		ErrorKind:   errs.Kind(err),
		Hint:        errs.Hint(err),
		Err:         err,
	}
	if r.Cancelled {
		r.Message = "Operation cancelled"
	} else {
		r.Message = fmt.Sprintf("Install failed: %v", err)
	}
	return r
}

func failedItem(name string, err error) FailedItem {
	return FailedItem{Name: name, Reason: errs.Kind(err), Detail: err.Error()}
}

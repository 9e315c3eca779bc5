package patcher

import (
	"bytes"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/pmezard/go-difflib/difflib"
)

// logDiffs writes a unified diff of every changed text file at debug level
func (p *Patcher) logDiffs(s *Stage, paths []string) {
	if p.log.GetLevel() > log.DebugLevel {
		return
	}
	for _, path := range paths {
		before, after := s.Original(path), s.files[path]
		if !isText(before) || !isText(after) {
			p.log.Debug("Patched binary file", "file", path, "bytes", len(after))
			continue
		}

		diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(string(before)),
			B:        difflib.SplitLines(string(after)),
			FromFile: path,
			ToFile:   path + " (patched)",
			Context:  2,
		})
		if err != nil {
			continue
		}
		p.log.Debug("Patched text file", "file", path, "diff", diff)
	}
}

func isText(b []byte) bool {
	return utf8.Valid(b) && !bytes.ContainsRune(b, 0)
}

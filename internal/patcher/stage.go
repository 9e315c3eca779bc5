package patcher

import (
	"bytes"
	"fmt"
	"os"
	"sort"
)

// stageSuffix marks a patched copy written next to its original before swap
const stageSuffix = ".ardysa-new"

// Stage holds working copies of every file a batch reads or writes. Points
// only ever modify the copies; Swap installs them.
type Stage struct {
	files map[string][]byte
	orig  map[string][]byte
	perm  map[string]os.FileMode
}

func newStage() *Stage {
	return &Stage{
		files: make(map[string][]byte),
		orig:  make(map[string][]byte),
		perm:  make(map[string]os.FileMode),
	}
}

// Read returns the working copy of path, loading it on first use
func (s *Stage) Read(path string) ([]byte, error) {
	if data, ok := s.files[path]; ok {
		return data, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	s.orig[path] = data
	s.files[path] = append([]byte(nil), data...)
	s.perm[path] = info.Mode().Perm()
	return s.files[path], nil
}

// Write replaces the working copy of path. The file must have been read.
func (s *Stage) Write(path string, data []byte) error {
	if _, ok := s.orig[path]; !ok {
		return fmt.Errorf("stage: %s was not read before write", path)
	}
	s.files[path] = data
	return nil
}

// Original returns the on-disk content of path as first read
func (s *Stage) Original(path string) []byte {
	return s.orig[path]
}

// Changed returns the sorted paths whose working copy differs from disk
func (s *Stage) Changed() []string {
	var out []string
	for p, data := range s.files {
		if !bytes.Equal(data, s.orig[p]) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Swap writes every changed copy next to its original, then renames them all
// into place. If a rename fails, already swapped files are restored.
func (s *Stage) Swap() error {
	changed := s.Changed()

	for _, p := range changed {
		if err := os.WriteFile(p+stageSuffix, s.files[p], s.perm[p]); err != nil {
			s.cleanup(changed)
			return classify(err)
		}
	}

	var swapped []string
	for _, p := range changed {
		if err := os.Rename(p+stageSuffix, p); err != nil {
			for _, done := range swapped {
				_ = os.WriteFile(done, s.orig[done], s.perm[done])
			}
			s.cleanup(changed)
			return classify(err)
		}
		swapped = append(swapped, p)
	}
	return nil
}

func (s *Stage) cleanup(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p + stageSuffix)
	}
}

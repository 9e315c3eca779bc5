package merger

import (
	"errors"
	"fmt"
	"os"
)

// Commit is a swapped-in archive that can still be rolled back
type Commit struct {
	final   string
	prev    string
	hadPrev bool
	done    bool
}

// Commit moves the installed archive aside and renames the validated temp
// archive into place. The previous archive is kept until Finalize.
func (r *Result) Commit() (*Commit, error) {
	if r.TempPath == "" {
		return nil, errors.New("nothing to commit")
	}

	c := &Commit{final: r.target.ArchivePath, prev: r.target.ArchivePath + ".prev"}
	_ = os.Remove(c.prev)

	if _, err := os.Stat(c.final); err == nil {
		if err := os.Rename(c.final, c.prev); err != nil {
			return nil, classifyWrite(fmt.Errorf("moving installed archive aside: %w", err))
		}
		c.hadPrev = true
	}

	if err := os.Rename(r.TempPath, c.final); err != nil {
		if c.hadPrev {
			_ = os.Rename(c.prev, c.final)
		}
		return nil, classifyWrite(fmt.Errorf("installing archive: %w", err))
	}
	r.TempPath = ""
	return c, nil
}

// Discard removes an uncommitted temp archive
func (r *Result) Discard() {
	if r == nil || r.TempPath == "" {
		return
	}
	_ = os.Remove(r.TempPath)
	r.TempPath = ""
}

// Rollback restores the archive that was installed before the commit
func (c *Commit) Rollback() error {
	if c.done {
		return errors.New("commit already finalized")
	}
	c.done = true
	if c.hadPrev {
		return os.Rename(c.prev, c.final)
	}
	if err := os.Remove(c.final); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Finalize drops the previous archive
func (c *Commit) Finalize() {
	if c.done {
		return
	}
	c.done = true
	if c.hadPrev {
		_ = os.Remove(c.prev)
	}
}

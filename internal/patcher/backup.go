package patcher

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bnema/ardysactl/internal/fsutil"
)

const (
	// MaxBackupsPerFile is the maximum number of backups to keep per game file
	MaxBackupsPerFile = 3
	// BackupTimestampFormat is the format used for backup directory names
	BackupTimestampFormat = "20060102-150405.000"
)

// BackupManager keeps copies of game files taken before they are patched
type BackupManager struct {
	backupDir string
	now       func() time.Time
}

// NewBackupManager creates a backup manager rooted at backupDir
func NewBackupManager(backupDir string) *BackupManager {
	return &BackupManager{backupDir: backupDir, now: time.Now}
}

// CreateBackup stores data as the newest backup of the file called name.
// Nothing is written when the newest backup already has the same content.
func (bm *BackupManager) CreateBackup(name string, data []byte) (string, error) {
	if latest, err := bm.Latest(name); err == nil {
		if prev, err := os.ReadFile(latest); err == nil && bytes.Equal(prev, data) {
			return latest, nil
		}
	}

	timestamp := bm.now().UTC().Format(BackupTimestampFormat)
	backupPath := filepath.Join(bm.backupDir, name, timestamp, name)

	if err := fsutil.WriteFileAtomic(backupPath, data, 0o644); err != nil {
		_ = os.RemoveAll(filepath.Dir(backupPath))
		return "", fmt.Errorf("failed to backup %s: %w", name, err)
	}

	if err := bm.cleanupOldBackups(name); err != nil {
		return backupPath, fmt.Errorf("failed to cleanup old backups: %w", err)
	}
	return backupPath, nil
}

// ListBackups lists the backup timestamps of name, newest first
func (bm *BackupManager) ListBackups(name string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(bm.backupDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	var backups []string
	for _, entry := range entries {
		if entry.IsDir() {
			backups = append(backups, entry.Name())
		}
	}

	sort.Sort(sort.Reverse(sort.StringSlice(backups)))
	return backups, nil
}

// Latest returns the path of the newest backup of name
func (bm *BackupManager) Latest(name string) (string, error) {
	backups, err := bm.ListBackups(name)
	if err != nil {
		return "", err
	}
	if len(backups) == 0 {
		return "", fmt.Errorf("no backups found for %s", name)
	}
	return filepath.Join(bm.backupDir, name, backups[0], name), nil
}

// DeleteAllBackups deletes all backups of name
func (bm *BackupManager) DeleteAllBackups(name string) error {
	return os.RemoveAll(filepath.Join(bm.backupDir, name))
}

// cleanupOldBackups removes backups exceeding MaxBackupsPerFile
func (bm *BackupManager) cleanupOldBackups(name string) error {
	backups, err := bm.ListBackups(name)
	if err != nil {
		return err
	}
	if len(backups) <= MaxBackupsPerFile {
		return nil
	}

	for _, backup := range backups[MaxBackupsPerFile:] {
		if err := os.RemoveAll(filepath.Join(bm.backupDir, name, backup)); err != nil {
			return err
		}
	}
	return nil
}

package payload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-git/go-git/v5"

	"github.com/bnema/ardysactl/internal/errs"
)

var ErrInvalidGitURL = errors.New("invalid git URL: must start with https://, git@, or git://")

// Clone makes a shallow clone of url into dest. A failed clone is removed.
// progressWriter can be nil to disable progress output.
func Clone(ctx context.Context, url, dest string, progressWriter io.Writer) error {
	if err := ValidateGitURL(url); err != nil {
		return err
	}

	_, err := git.PlainCloneContext(ctx, dest, false, &git.CloneOptions{
		URL:          NormalizeGitURL(url),
		Progress:     progressWriter,
		Depth:        1,
		SingleBranch: true,
	})
	if err != nil {
		_ = os.RemoveAll(dest)
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", errs.ErrCancelled, ctx.Err())
		}
		return fmt.Errorf("%w: cloning %s: %v", errs.ErrNetworkUnavailable, url, err)
	}
	return nil
}

// Revision returns the short HEAD hash of the clone at dir
func Revision(dir string) (string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to get HEAD: %w", err)
	}
	return head.Hash().String()[:8], nil
}

// ValidateGitURL checks if a string looks like a valid git URL
func ValidateGitURL(url string) error {
	url = strings.ToLower(url)
	if strings.HasPrefix(url, "https://") || strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "git://") {
		return nil
	}
	return ErrInvalidGitURL
}

// NormalizeGitURL ensures the URL ends with .git
func NormalizeGitURL(url string) string {
	if !strings.HasSuffix(url, ".git") {
		return url + ".git"
	}
	return url
}

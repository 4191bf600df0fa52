package txn

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// VCSResult records a version-control commit spanning a transaction.
type VCSResult struct {
	Commit string `json:"commit"`
	Files  int    `json:"files"`
}

// Committer records a committed batch of paths in version control.
type Committer interface {
	Commit(ctx context.Context, root string, paths []string, message string) (*VCSResult, error)
}

// GitCommitter commits with the git binary found on PATH.
type GitCommitter struct {
	Author string
	Email  string
}

// Commit stages paths (additions and deletions) and creates one commit.
func (g GitCommitter) Commit(ctx context.Context, root string, paths []string, message string) (*VCSResult, error) {
	rels := make([]string, 0, len(paths))
	for _, p := range paths {
		if filepath.IsAbs(p) {
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return nil, fmt.Errorf("path %s outside repository: %w", p, err)
			}
			p = rel
		}
		rels = append(rels, filepath.ToSlash(p))
	}

	addArgs := append([]string{"-C", root, "add", "-A", "--"}, rels...)
	addCmd := exec.CommandContext(ctx, "git", addArgs...)
	if output, err := addCmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("failed to stage changes: %w\nOutput: %s", err, output)
	}

	args := []string{"-C", root}
	if g.Author != "" && g.Email != "" {
		args = append(args, "-c", "user.name="+g.Author, "-c", "user.email="+g.Email)
	}
	args = append(args, "commit", "-m", message, "--")
	args = append(args, rels...)
	commitCmd := exec.CommandContext(ctx, "git", args...)
	if output, err := commitCmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w\nOutput: %s", err, output)
	}

	revCmd := exec.CommandContext(ctx, "git", "-C", root, "rev-parse", "HEAD")
	out, err := revCmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to get commit: %w", err)
	}
	return &VCSResult{Commit: strings.TrimSpace(string(out)), Files: len(rels)}, nil
}

// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package gitinterface

import (
	"errors"
	"fmt"
	"os/exec"

	"github.com/go-git/go-git/v5"
	"github.com/jonboulle/clockwork"
	rpopts "github.com/repository-playground/playground/internal/gitinterface/options/gitinterface"
)

const (
	binary           = "git"
	committerTimeKey = "GIT_COMMITTER_DATE"
	authorTimeKey    = "GIT_AUTHOR_DATE"
)

// ErrGitExecution is returned when an invocation of the Git binary fails. The
// wrapped message carries the command and its stderr.
var ErrGitExecution = errors.New("git execution failed")

// Repository is a lightweight wrapper around a Git repository. It stores the
// location of the repository's GIT_DIR and, for non-bare repositories, the
// root of the worktree the metadata lives in.
type Repository struct {
	gitDirPath   string
	worktreePath string
	clock        clockwork.Clock
}

// LoadRepository returns a Repository instance for the repository containing
// the specified path, defaulting to the current working directory. It also
// inspects the PATH to ensure Git is installed.
func LoadRepository(opts ...rpopts.RepositoryOption) (*Repository, error) {
	options := &rpopts.RepositoryOptions{}
	for _, fn := range opts {
		fn(options)
	}

	if _, err := exec.LookPath(binary); err != nil {
		return nil, fmt.Errorf("unable to find Git binary, is Git installed?")
	}

	searchPath := options.RepositoryPath
	if searchPath == "" {
		searchPath = "."
	}

	repo := &Repository{clock: clockwork.NewRealClock()}

	gitDirPath, err := executeGitCommandIn(searchPath, "rev-parse", "--absolute-git-dir")
	if err != nil {
		return nil, fmt.Errorf("unable to identify GIT_DIR: %w", err)
	}
	repo.gitDirPath = gitDirPath

	bare, err := executeGitCommandIn(searchPath, "rev-parse", "--is-bare-repository")
	if err != nil {
		return nil, fmt.Errorf("unable to inspect repository: %w", err)
	}
	if bare != "true" {
		worktreePath, err := executeGitCommandIn(searchPath, "rev-parse", "--show-toplevel")
		if err != nil {
			return nil, fmt.Errorf("unable to identify repository worktree: %w", err)
		}
		repo.worktreePath = worktreePath
	}

	return repo, nil
}

// GetGoGitRepository returns the go-git representation of a repository. We
// use this to read blobs and trees at arbitrary commits without touching the
// worktree.
func (r *Repository) GetGoGitRepository() (*git.Repository, error) {
	return git.PlainOpenWithOptions(r.gitDirPath, &git.PlainOpenOptions{DetectDotGit: true})
}

// GetGitDir returns the GIT_DIR path for the repository.
func (r *Repository) GetGitDir() string {
	return r.gitDirPath
}

// GetWorktreePath returns the root of the repository's worktree. It is empty
// for bare repositories.
func (r *Repository) GetWorktreePath() string {
	return r.worktreePath
}

// IsBare indicates whether the repository has a worktree.
func (r *Repository) IsBare() bool {
	return r.worktreePath == ""
}

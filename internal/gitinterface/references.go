// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package gitinterface

import (
	"fmt"
	"strings"
)

const branchRefPrefix = "refs/heads/"

// BranchReferenceName returns the full reference name in the form
// `refs/heads/<name>` for the specified branch.
func BranchReferenceName(branch string) string {
	if strings.HasPrefix(branch, branchRefPrefix) {
		return branch
	}

	return branchRefPrefix + branch
}

// RemoteTrackingReferenceName returns the full reference name in the form
// `refs/remotes/<remote>/<name>` for the specified branch fetched from the
// specified remote.
func RemoteTrackingReferenceName(remote, branch string) string {
	return fmt.Sprintf("refs/remotes/%s/%s", remote, strings.TrimPrefix(branch, branchRefPrefix))
}

// Head returns the commit ID the repository's HEAD currently points to.
func (r *Repository) Head() (string, error) {
	commitID, err := r.executor("rev-parse", "HEAD").executeString()
	if err != nil {
		return "", fmt.Errorf("unable to resolve HEAD: %w", err)
	}

	return commitID, nil
}

// GetCurrentBranch returns the branch HEAD is on, or an empty string for a
// detached HEAD.
func (r *Repository) GetCurrentBranch() (string, error) {
	return r.executor("branch", "--show-current").executeString()
}

// GetReference resolves the specified reference to a commit ID.
func (r *Repository) GetReference(ref string) (string, error) {
	commitID, err := r.executor("rev-parse", ref).executeString()
	if err != nil {
		return "", fmt.Errorf("unable to resolve reference '%s': %w", ref, err)
	}

	return commitID, nil
}

// HasBranch indicates if the specified branch exists locally.
func (r *Repository) HasBranch(branch string) bool {
	_, err := r.executor("show-ref", "--verify", "--quiet", BranchReferenceName(branch)).executeString()
	return err == nil
}

// HasRemoteTrackingBranch indicates if the specified branch has been fetched
// from the specified remote.
func (r *Repository) HasRemoteTrackingBranch(remote, branch string) bool {
	_, err := r.executor("show-ref", "--verify", "--quiet", RemoteTrackingReferenceName(remote, branch)).executeString()
	return err == nil
}

// CreateBranch creates the specified branch pointing to the current HEAD
// without switching to it.
func (r *Repository) CreateBranch(branch string) error {
	if _, err := r.executor("branch", strings.TrimPrefix(branch, branchRefPrefix)).executeString(); err != nil {
		return fmt.Errorf("unable to create branch '%s': %w", branch, err)
	}

	return nil
}

// Checkout updates the worktree to the specified reference. Checking out a
// remote tracking reference leaves HEAD detached, which is fine for the
// signing flows that commit and then push HEAD to a named branch.
func (r *Repository) Checkout(ref string) error {
	if _, err := r.executor("checkout", ref).executeString(); err != nil {
		return fmt.Errorf("unable to check out '%s': %w", ref, err)
	}

	return nil
}

// MergeBase identifies the best common ancestor of the two revisions.
func (r *Repository) MergeBase(revA, revB string) (string, error) {
	commitID, err := r.executor("merge-base", revA, revB).executeString()
	if err != nil {
		return "", fmt.Errorf("unable to find merge base of '%s' and '%s': %w", revA, revB, err)
	}

	return commitID, nil
}

// ResetHard moves HEAD and the worktree to the specified revision, discarding
// local changes.
func (r *Repository) ResetHard(rev string) error {
	if _, err := r.executor("reset", "--hard", rev).executeString(); err != nil {
		return fmt.Errorf("unable to reset to '%s': %w", rev, err)
	}

	return nil
}

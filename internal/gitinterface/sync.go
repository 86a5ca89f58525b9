// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package gitinterface

import (
	"fmt"
)

// DefaultRemoteName is the remote the CI entry points fetch from and push to
// unless configured otherwise.
const DefaultRemoteName = "origin"

// AddRemote records a new remote for the repository.
func (r *Repository) AddRemote(remoteName, url string) error {
	_, err := r.executor("remote", "add", remoteName, url).executeString()
	return err
}

// Fetch updates the remote tracking references for the specified remote. An
// empty refspec list fetches the remote's default refspecs.
func (r *Repository) Fetch(remoteName string, refSpecs ...string) error {
	args := append([]string{"fetch", remoteName}, refSpecs...)
	if _, err := r.executor(args...).executeString(); err != nil {
		return fmt.Errorf("unable to fetch from '%s': %w", remoteName, err)
	}

	return nil
}

// Push sends the specified refspecs to the remote. Pushing a detached HEAD to
// a branch takes the `HEAD:refs/heads/<branch>` form.
func (r *Repository) Push(remoteName string, refSpecs ...string) error {
	args := append([]string{"push", remoteName}, refSpecs...)
	if _, err := r.executor(args...).executeString(); err != nil {
		return fmt.Errorf("unable to push to '%s': %w", remoteName, err)
	}

	return nil
}

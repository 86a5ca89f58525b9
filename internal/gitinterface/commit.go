// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package gitinterface

import (
	"fmt"
	"time"
)

// Commit stages the specified paths and commits them with the provided
// message, using the author and committer identity from the repository's Git
// config. It returns the ID of the new commit.
func (r *Repository) Commit(paths []string, message string) (string, error) {
	return r.commit(nil, paths, message)
}

// CommitWithIdentity is Commit with an explicit author and committer
// identity, overriding the repository's Git config. The automation entry
// points use this to commit as the repository bot.
func (r *Repository) CommitWithIdentity(name, email string, paths []string, message string) (string, error) {
	return r.commit([]string{"-c", "user.name=" + name, "-c", "user.email=" + email}, paths, message)
}

func (r *Repository) commit(configArgs, paths []string, message string) (string, error) {
	addArgs := append([]string{"add", "--"}, paths...)
	if _, err := r.executor(addArgs...).executeString(); err != nil {
		return "", fmt.Errorf("unable to stage changes: %w", err)
	}

	commitArgs := append(configArgs, "commit", "-m", message, "--") //nolint:gocritic
	commitArgs = append(commitArgs, paths...)

	now := r.clock.Now().Format(time.RFC3339)
	env := []string{
		fmt.Sprintf("%s=%s", committerTimeKey, now),
		fmt.Sprintf("%s=%s", authorTimeKey, now),
	}

	if _, err := r.executor(commitArgs...).withEnv(env...).executeString(); err != nil {
		return "", fmt.Errorf("unable to commit: %w", err)
	}

	return r.Head()
}

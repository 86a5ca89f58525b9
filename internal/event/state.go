// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/repository-playground/playground/internal/delta"
	"github.com/repository-playground/playground/internal/gitinterface"
	"github.com/repository-playground/playground/internal/repository"
	"github.com/repository-playground/playground/internal/roles"
)

// LoadRef loads the repository state as committed at rev: the role set from
// metadata/ and a content snapshot of every file under targets/. The worktree
// is not touched, so the baseline can be read while the signing event is
// checked out.
func LoadRef(git *gitinterface.Repository, rev string) (delta.State, error) {
	commitID, err := git.GetReference(rev)
	if err != nil {
		return delta.State{}, err
	}

	set := roles.NewSet()
	metaFiles, err := git.ListFilesAtCommit(commitID, repository.MetadataDirName)
	if err != nil {
		return delta.State{}, err
	}
	for _, file := range metaFiles {
		if !strings.HasSuffix(file, ".json") {
			continue
		}
		data, err := git.ReadBlobAtCommit(commitID, path.Join(repository.MetadataDirName, file))
		if err != nil {
			return delta.State{}, err
		}
		role, err := roles.FromBytes(strings.TrimSuffix(file, ".json"), data)
		if err != nil {
			return delta.State{}, fmt.Errorf("loading %s at %s: %w", file, rev, err)
		}
		set.Add(role)
	}

	state := delta.State{Roles: set, Files: map[string]delta.TargetSnapshot{}}
	targetFiles, err := git.ListAllFilesAtCommit(commitID, repository.TargetsDirName)
	if err != nil {
		return delta.State{}, err
	}
	for _, file := range targetFiles {
		data, err := git.ReadBlobAtCommit(commitID, path.Join(repository.TargetsDirName, file))
		if err != nil {
			return delta.State{}, err
		}
		state.Files[file] = snapshotOf(data)
	}
	return state, nil
}

// LoadWorktree loads the state of the checked-out working tree, for flows
// that evaluate changes before they are committed.
func LoadWorktree(repo *repository.Repository) (delta.State, error) {
	set, err := repo.LoadSet()
	if err != nil {
		return delta.State{}, err
	}
	state := delta.State{Roles: set, Files: map[string]delta.TargetSnapshot{}}

	targetsDir := repo.TargetsDir()
	err = filepath.WalkDir(targetsDir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(targetsDir, p)
		if err != nil {
			return err
		}
		state.Files[filepath.ToSlash(rel)] = snapshotOf(data)
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return delta.State{}, err
	}
	return state, nil
}

func snapshotOf(data []byte) delta.TargetSnapshot {
	digest := sha256.Sum256(data)
	return delta.TargetSnapshot{SHA256: hex.EncodeToString(digest[:]), Length: int64(len(data))}
}

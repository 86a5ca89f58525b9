// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package gitinterface

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ErrFileNotFoundAtCommit is returned when the requested path does not exist
// in the tree of the specified commit.
var ErrFileNotFoundAtCommit = errors.New("file not found at commit")

// ReadBlobAtCommit returns the contents of the file at the specified path in
// the tree of the specified commit. The worktree is not touched, so callers
// can compare historic metadata against the checked out signing event.
func (r *Repository) ReadBlobAtCommit(commitID, path string) ([]byte, error) {
	gitRepo, err := r.GetGoGitRepository()
	if err != nil {
		return nil, err
	}

	commitObj, err := gitRepo.CommitObject(plumbing.NewHash(commitID))
	if err != nil {
		return nil, fmt.Errorf("unable to load commit '%s': %w", commitID, err)
	}

	file, err := commitObj.File(path)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return nil, fmt.Errorf("%w: '%s' in '%s'", ErrFileNotFoundAtCommit, path, commitID)
		}
		return nil, err
	}

	reader, err := file.Blob.Reader()
	if err != nil {
		return nil, err
	}
	defer reader.Close() //nolint:errcheck

	return io.ReadAll(reader)
}

// ListFilesAtCommit returns the names of the files directly under the
// specified directory in the tree of the specified commit. Subdirectories are
// skipped. A directory absent from the tree yields an empty list.
func (r *Repository) ListFilesAtCommit(commitID, directory string) ([]string, error) {
	gitRepo, err := r.GetGoGitRepository()
	if err != nil {
		return nil, err
	}

	commitObj, err := gitRepo.CommitObject(plumbing.NewHash(commitID))
	if err != nil {
		return nil, fmt.Errorf("unable to load commit '%s': %w", commitID, err)
	}

	tree, err := commitObj.Tree()
	if err != nil {
		return nil, err
	}

	subTree, err := tree.Tree(directory)
	if err != nil {
		if errors.Is(err, object.ErrDirectoryNotFound) {
			return nil, nil
		}
		return nil, err
	}

	files := []string{}
	for _, entry := range subTree.Entries {
		if entry.Mode.IsFile() {
			files = append(files, entry.Name)
		}
	}

	return files, nil
}

// ListAllFilesAtCommit returns the paths of every file under the specified
// directory in the tree of the specified commit, including files in
// subdirectories. Paths are relative to the directory. A directory absent
// from the tree yields an empty list.
func (r *Repository) ListAllFilesAtCommit(commitID, directory string) ([]string, error) {
	gitRepo, err := r.GetGoGitRepository()
	if err != nil {
		return nil, err
	}

	commitObj, err := gitRepo.CommitObject(plumbing.NewHash(commitID))
	if err != nil {
		return nil, fmt.Errorf("unable to load commit '%s': %w", commitID, err)
	}

	tree, err := commitObj.Tree()
	if err != nil {
		return nil, err
	}

	subTree, err := tree.Tree(directory)
	if err != nil {
		if errors.Is(err, object.ErrDirectoryNotFound) {
			return nil, nil
		}
		return nil, err
	}

	files := []string{}
	if err := subTree.Files().ForEach(func(file *object.File) error {
		files = append(files, file.Name)
		return nil
	}); err != nil {
		return nil, err
	}

	return files, nil
}

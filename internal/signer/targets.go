// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package signer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/repository-playground/playground/internal/roles"
	"github.com/theupdateframework/go-tuf/v2/metadata"
)

// scanTargets diffs the files under the targets directory against the role
// listings. Files are attributed to roles by directory: top-level files
// belong to targets, a first-level directory must name a delegated role.
func (w *Workbench) scanTargets() ([]TargetChange, error) {
	onDisk := map[string]map[string]*metadata.TargetFiles{}
	root := w.repo.TargetsDir()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		role, err := w.targetRole(rel)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		digest := sha256.Sum256(data)
		if onDisk[role] == nil {
			onDisk[role] = map[string]*metadata.TargetFiles{}
		}
		onDisk[role][rel] = &metadata.TargetFiles{
			Length: int64(len(data)),
			Hashes: metadata.Hashes{"sha256": digest[:]},
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	var changes []TargetChange
	for _, name := range w.set.OfflineNames() {
		targets := w.set.Get(name).Targets()
		if targets == nil {
			continue
		}
		for path, entry := range onDisk[name] {
			listed, ok := targets.Signed.Targets[path]
			switch {
			case !ok:
				changes = append(changes, TargetChange{Role: name, Path: path, Kind: TargetAdded, Entry: entry})
			case !entriesEqual(listed, entry):
				changes = append(changes, TargetChange{Role: name, Path: path, Kind: TargetModified, Entry: entry})
			}
		}
		for path := range targets.Signed.Targets {
			if _, ok := onDisk[name][path]; !ok {
				changes = append(changes, TargetChange{Role: name, Path: path, Kind: TargetRemoved})
			}
		}
	}
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].Role != changes[j].Role {
			return changes[i].Role < changes[j].Role
		}
		return changes[i].Path < changes[j].Path
	})
	return changes, nil
}

// targetRole maps a target file path onto the role that must list it:
// top-level files belong to targets, anything else to the delegated role
// named by the first directory.
func (w *Workbench) targetRole(path string) (string, error) {
	dir, _, found := strings.Cut(path, "/")
	if !found {
		return metadata.TARGETS, nil
	}
	if !slices.Contains(w.set.DelegatedNames(), dir) {
		return "", fmt.Errorf("%w: target file %s added for unknown role %s", roles.ErrUnknownRole, path, dir)
	}
	return dir, nil
}

func entriesEqual(a, b *metadata.TargetFiles) bool {
	return a.Length == b.Length && bytes.Equal(a.Hashes["sha256"], b.Hashes["sha256"])
}

// UpdateTargets applies the pending target changes to the role listings and
// writes each touched role out through the signing event.
func (w *Workbench) UpdateTargets(ctx context.Context) error {
	byRole := map[string][]TargetChange{}
	for _, change := range w.changes {
		byRole[change.Role] = append(byRole[change.Role], change)
	}

	for _, name := range w.set.OfflineNames() {
		pending, ok := byRole[name]
		if !ok {
			continue
		}
		role := w.set.Get(name)
		targets := role.Targets()
		if targets.Signed.Targets == nil {
			targets.Signed.Targets = map[string]*metadata.TargetFiles{}
		}
		for _, change := range pending {
			if change.Kind == TargetRemoved {
				delete(targets.Signed.Targets, change.Path)
				continue
			}
			targets.Signed.Targets[change.Path] = change.Entry
		}
		if err := w.finishRole(ctx, role); err != nil {
			return err
		}
	}
	return w.refresh()
}

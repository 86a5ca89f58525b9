// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/repository-playground/playground/internal/roles"
	"github.com/theupdateframework/go-tuf/v2/metadata"
)

// PublishTree writes the publishable repository layout into dir:
//
//	metadata/<version>.root.json    one per recorded root version
//	metadata/timestamp.json
//	metadata/snapshot.json
//	metadata/<version>.targets.json and <version>.<delegated>.json
//	targets/**                      byte-identical to the working tree
//
// A repository whose timestamp has already expired is not publishable.
func (r *Repository) PublishTree(dir string) error {
	timestamp, err := r.ReadRole(metadata.TIMESTAMP)
	if err != nil {
		return err
	}
	if !r.clock.Now().Before(timestamp.Expires()) {
		return fmt.Errorf("%w: timestamp expired %s", roles.ErrExpiryPolicyViolation,
			timestamp.Expires().Format(time.RFC3339))
	}

	outMeta := filepath.Join(dir, MetadataDirName)
	if err := os.MkdirAll(outMeta, 0o755); err != nil {
		return err
	}

	// Every root version a client may need to walk.
	historyFiles, err := filepath.Glob(filepath.Join(r.MetadataDir(), rootHistoryDirName, "*.root.json"))
	if err != nil {
		return err
	}
	for _, src := range historyFiles {
		if err := copyFile(src, filepath.Join(outMeta, filepath.Base(src))); err != nil {
			return err
		}
	}

	root, err := r.ReadRole(metadata.ROOT)
	if err != nil {
		return err
	}
	currentRoot := filepath.Join(outMeta, fmt.Sprintf("%d.root%s", root.Version(), roleFileSuffix))
	if _, err := os.Stat(currentRoot); errors.Is(err, os.ErrNotExist) {
		if err := copyFile(r.RolePath(metadata.ROOT), currentRoot); err != nil {
			return err
		}
	}

	for _, name := range []string{metadata.TIMESTAMP, metadata.SNAPSHOT} {
		if err := copyFile(r.RolePath(name), filepath.Join(outMeta, name+roleFileSuffix)); err != nil {
			return err
		}
	}

	snapshot, err := r.ReadRole(metadata.SNAPSHOT)
	if err != nil {
		return err
	}
	for fname, metafile := range snapshot.Snapshot().Signed.Meta {
		src := filepath.Join(r.MetadataDir(), fname)
		dst := filepath.Join(outMeta, fmt.Sprintf("%d.%s", metafile.Version, fname))
		if err := copyFile(src, dst); err != nil {
			return err
		}
	}

	return r.copyTargets(filepath.Join(dir, TargetsDirName))
}

func (r *Repository) copyTargets(dst string) error {
	src := r.TargetsDir()
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(filepath.Join(dst, rel), 0o755)
		}
		return copyFile(p, filepath.Join(dst, rel))
	})
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

// Package repository implements the repository-side view of a playground
// working tree: reading and writing role metadata under metadata/, the
// online snapshot and timestamp engine, expiry-driven version bumps and the
// publishable-tree export used by CI.
package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/repository-playground/playground/internal/gitinterface"
	"github.com/repository-playground/playground/internal/roles"
	"github.com/repository-playground/playground/internal/signerverifier"
	"github.com/sigstore/sigstore/pkg/signature"
	"github.com/theupdateframework/go-tuf/v2/metadata"
)

// MetadataDirName and TargetsDirName are the repo-relative directories every
// playground checkout uses, shared with the state loaders that read them from
// git history.
const (
	MetadataDirName    = "metadata"
	TargetsDirName     = "targets"
	rootHistoryDirName = "root_history"

	roleFileSuffix = ".json"
)

// Bot identity for commits created by the online engine, matching the
// GitHub Actions committer so CI-produced history is attributable.
const (
	BotName  = "repository-playground"
	BotEmail = "41898282+github-actions[bot]@users.noreply.github.com"
)

var ErrNoWorktree = errors.New("repository has no working tree")

// OnlineSignerFunc resolves a signer for an online role key.
type OnlineSignerFunc func(ctx context.Context, key *metadata.Key) (signature.Signer, error)

// Repository owns the metadata/ and targets/ directories of a checked-out
// playground repository. Writes go to the working tree; only the operations
// that say so also create commits or branches.
type Repository struct {
	git          *gitinterface.Repository
	worktree     string
	clock        clockwork.Clock
	onlineSigner OnlineSignerFunc
}

type Option func(*Repository)

// WithClock replaces the wall clock, primarily for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Repository) { r.clock = clock }
}

// WithOnlineSigner replaces the online signer resolution.
func WithOnlineSigner(fn OnlineSignerFunc) Option {
	return func(r *Repository) { r.onlineSigner = fn }
}

// New returns the repository view of git's working tree. Bare repositories
// have no working tree to operate on and are rejected.
func New(git *gitinterface.Repository, opts ...Option) (*Repository, error) {
	worktree := git.GetWorktreePath()
	if worktree == "" {
		return nil, ErrNoWorktree
	}

	r := &Repository{
		git:          git,
		worktree:     worktree,
		clock:        clockwork.NewRealClock(),
		onlineSigner: signerverifier.OnlineSignerFor,
	}
	for _, fn := range opts {
		fn(r)
	}
	return r, nil
}

// GitRepository returns the underlying git handle.
func (r *Repository) GitRepository() *gitinterface.Repository {
	return r.git
}

func (r *Repository) MetadataDir() string {
	return filepath.Join(r.worktree, MetadataDirName)
}

func (r *Repository) TargetsDir() string {
	return filepath.Join(r.worktree, TargetsDirName)
}

// RolePath returns the absolute path of a role's metadata file.
func (r *Repository) RolePath(name string) string {
	return filepath.Join(r.MetadataDir(), name+roleFileSuffix)
}

// RoleGitPath returns the path of a role's metadata file relative to the
// repository root, suitable for git pathspecs.
func RoleGitPath(name string) string {
	return path.Join(MetadataDirName, name+roleFileSuffix)
}

func rootHistoryGitPath(version int64) string {
	return path.Join(MetadataDirName, rootHistoryDirName, fmt.Sprintf("%d.root%s", version, roleFileSuffix))
}

// ListRoles returns the names of the roles present in the metadata
// directory, in lexical order.
func (r *Repository) ListRoles() ([]string, error) {
	entries, err := os.ReadDir(r.MetadataDir())
	if err != nil {
		return nil, fmt.Errorf("listing roles: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), roleFileSuffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), roleFileSuffix))
	}
	sort.Strings(names)
	return names, nil
}

// ReadRole reads one role's metadata from the working tree.
func (r *Repository) ReadRole(name string) (*roles.Role, error) {
	data, err := os.ReadFile(r.RolePath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", roles.ErrUnknownRole, name)
		}
		return nil, err
	}
	return roles.FromBytes(name, data)
}

// LoadSet reads every role in the metadata directory into one Set.
func (r *Repository) LoadSet() (*roles.Set, error) {
	names, err := r.ListRoles()
	if err != nil {
		return nil, err
	}

	set := roles.NewSet()
	for _, name := range names {
		role, err := r.ReadRole(name)
		if err != nil {
			return nil, err
		}
		set.Add(role)
	}
	return set, nil
}

type writeConfig struct {
	partial     bool
	verifierFor roles.VerifierFunc
}

type WriteOption func(*writeConfig)

// PartialEvent writes the role without checking its signature threshold.
// Signing events legitimately carry partially signed metadata; anything
// headed for main must pass the default check.
func PartialEvent() WriteOption {
	return func(cfg *writeConfig) { cfg.partial = true }
}

// WriteRole serializes role into the metadata directory. Root versions are
// additionally recorded under metadata/root_history/ so every root a client
// may need to walk stays available.
func (r *Repository) WriteRole(role *roles.Role, opts ...WriteOption) error {
	cfg := writeConfig{verifierFor: signerverifier.VerifierFor}
	for _, fn := range opts {
		fn(&cfg)
	}

	if !cfg.partial {
		if err := r.checkThreshold(role, cfg.verifierFor); err != nil {
			return err
		}
	}

	data, err := role.ToBytes()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(r.MetadataDir(), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(r.RolePath(role.Name()), data, 0o644); err != nil {
		return err
	}

	if role.Name() == metadata.ROOT {
		historyDir := filepath.Join(r.MetadataDir(), rootHistoryDirName)
		if err := os.MkdirAll(historyDir, 0o755); err != nil {
			return err
		}
		historyPath := filepath.Join(historyDir, fmt.Sprintf("%d.root%s", role.Version(), roleFileSuffix))
		if err := os.WriteFile(historyPath, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) checkThreshold(role *roles.Role, verifierFor roles.VerifierFunc) error {
	delegator, err := r.ReadRole(roles.DelegatorName(role.Name()))
	if errors.Is(err, roles.ErrUnknownRole) && role.Name() == metadata.ROOT {
		// The first root vouches for itself.
		delegator, err = role, nil
	}
	if err != nil {
		return err
	}

	status, err := roles.VerifyAgainstDelegator(delegator, role, verifierFor)
	if err != nil {
		return err
	}
	if !status.Satisfied() {
		return fmt.Errorf("%w: %s v%d is signed by %d of %d required keys",
			roles.ErrSignatureRejected, role.Name(), role.Version(), len(status.Valid), status.Threshold)
	}
	return nil
}

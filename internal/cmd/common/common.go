// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

// Package common carries plumbing shared by the playground commands:
// repository and settings loading, the signing-event checkout flow and the
// interactive prompts for confirmations, PINs and signing keys.
package common

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/repository-playground/playground/internal/config"
	"github.com/repository-playground/playground/internal/event"
	"github.com/repository-playground/playground/internal/gitinterface"
	"github.com/repository-playground/playground/internal/repository"
	"github.com/repository-playground/playground/internal/signer"
	"github.com/repository-playground/playground/internal/signerverifier"
	"github.com/theupdateframework/go-tuf/v2/metadata"
	"golang.org/x/term"
)

// Exit-code sentinels. CI steps branch on exit codes, so the engine commands
// return these to distinguish "nothing to do" and "not ready" from real
// failures.
var (
	ErrNoChanges      = errors.New("no new metadata versions to publish")
	ErrNotPublishable = errors.New("signing event is not publishable")
)

// MainBranch is the baseline branch signing events are measured against.
const MainBranch = "main"

const signBranchPrefix = "sign/"

// EventBranch normalizes a signing event name to its branch name, so both
// "add-bob" and "sign/add-bob" address the same event.
func EventBranch(name string) string {
	if strings.HasPrefix(name, signBranchPrefix) {
		return name
	}
	return signBranchPrefix + name
}

// LoadRepository returns the repository view of the working tree the command
// was invoked in.
func LoadRepository() (*repository.Repository, error) {
	git, err := gitinterface.LoadRepository()
	if err != nil {
		return nil, err
	}
	return repository.New(git)
}

// Prompter reads interactive input for the signing commands. Secrets are
// requested at most once per invocation; they are read without echo when
// stdin is a terminal and as plain lines otherwise, so CI can drive the flow
// through a pipe.
type Prompter struct {
	assumeYes bool
	secrets   map[string]string
	in        *bufio.Reader
	out       io.Writer
}

func NewPrompter(assumeYes bool) *Prompter {
	return &Prompter{
		assumeYes: assumeYes,
		secrets:   map[string]string{},
		in:        bufio.NewReader(os.Stdin),
		out:       os.Stderr,
	}
}

// Secret prompts for a named secret such as the token PIN.
func (p *Prompter) Secret(name string) (string, error) {
	if value, ok := p.secrets[name]; ok {
		return value, nil
	}

	fmt.Fprintf(p.out, "Enter %s: ", name)

	var value string
	if fd := os.Stdin.Fd(); isatty.IsTerminal(fd) {
		raw, err := term.ReadPassword(int(fd))
		if err != nil {
			return "", err
		}
		fmt.Fprintln(p.out)
		value = string(raw)
	} else {
		line, err := p.in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		value = strings.TrimSpace(line)
	}

	p.secrets[name] = value
	return value, nil
}

// Confirm prints the message and waits for enter. Runs that assume yes
// return immediately.
func (p *Prompter) Confirm(message string) error {
	if p.assumeYes {
		return nil
	}

	fmt.Fprintf(p.out, "%s ", message)
	if _, err := p.in.ReadString('\n'); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ImportKey reads the public half of the user's signing key from uri and
// records the URI in the signer settings, so later signatures resolve the
// same backend without asking again.
func ImportKey(ctx context.Context, user *config.User, uri string, prompter *Prompter) (*metadata.Key, error) {
	opts := &signerverifier.Options{
		PKCS11Module: user.PKCS11ModulePath(),
		SecretFunc:   prompter.Secret,
	}

	key, err := signerverifier.ImportSignerKey(ctx, uri, opts)
	if err != nil {
		return nil, err
	}

	if err := user.StoreSignerURI(key.ID(), uri); err != nil {
		return nil, err
	}
	return key, nil
}

// Event is a checked-out signing event with the workbench bound to its
// baseline.
type Event struct {
	Branch    string
	Workbench *signer.Workbench
	Repo      *repository.Repository
	User      *config.User
}

// OpenEvent fetches the signing event from the user's pull remote and checks
// it out, branching off main when the event does not exist yet. The baseline
// is the merge base of main and the event head, read from git history so the
// checked-out working tree stays on the event.
func OpenEvent(name string, prompter *Prompter) (*Event, error) {
	git, err := gitinterface.LoadRepository()
	if err != nil {
		return nil, err
	}
	repo, err := repository.New(git)
	if err != nil {
		return nil, err
	}
	user, err := config.LoadForRepository(git.GetWorktreePath())
	if err != nil {
		return nil, err
	}

	branch := EventBranch(name)
	if err := git.Fetch(user.PullRemote); err != nil {
		return nil, err
	}

	if err := git.Checkout(user.PullRemote + "/" + branch); err != nil {
		fmt.Printf("Signing event %s not found on %s: branching off from %s\n", branch, user.PullRemote, MainBranch)
		if err := git.Checkout(user.PullRemote + "/" + MainBranch); err != nil {
			return nil, err
		}
	}

	baseSHA, err := git.MergeBase(user.PullRemote+"/"+MainBranch, "HEAD")
	if err != nil {
		return nil, err
	}
	baseState, err := event.LoadRef(git, baseSHA)
	if err != nil {
		return nil, err
	}

	workbench, err := signer.New(repo, baseState.Roles, user, signer.WithSecretFunc(prompter.Secret))
	if err != nil {
		return nil, err
	}

	return &Event{Branch: branch, Workbench: workbench, Repo: repo, User: user}, nil
}

// Finish commits the event's metadata and target changes and, when push is
// set, publishes HEAD to the event branch on the user's push remote and
// returns to the previously checked out branch.
func (e *Event) Finish(message string, push bool) error {
	git := e.Repo.GitRepository()

	paths := []string{repository.MetadataDirName}
	if e.hasTargets(git) {
		paths = append(paths, repository.TargetsDirName)
	}
	if _, err := git.Commit(paths, message); err != nil {
		return err
	}

	if !push {
		fmt.Printf("Changes committed. Push them with:\n  git push %s HEAD:%s\n", e.User.PushRemote, e.Branch)
		return nil
	}

	refSpec := fmt.Sprintf("HEAD:%s", gitinterface.BranchReferenceName(e.Branch))
	if err := git.Push(e.User.PushRemote, refSpec); err != nil {
		return err
	}
	fmt.Printf("Pushed %s to %s\n", e.Branch, e.User.PushRemote)

	// The event lives on the remote now, so the detached checkout can be
	// left behind.
	if err := git.Checkout("-"); err != nil {
		slog.Debug(fmt.Sprintf("Unable to return to the previous checkout: %v", err))
	}
	return nil
}

// hasTargets reports whether the targets directory holds files in the
// worktree or at HEAD. Deletions still need the pathspec to be staged, while
// a repository that never had targets must not pass git an unmatched one.
func (e *Event) hasTargets(git *gitinterface.Repository) bool {
	if _, err := os.Stat(e.Repo.TargetsDir()); err == nil {
		return true
	}

	head, err := git.Head()
	if err != nil {
		return false
	}
	files, err := git.ListAllFilesAtCommit(head, repository.TargetsDirName)
	return err == nil && len(files) > 0
}

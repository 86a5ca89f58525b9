// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package gitinterface

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// executeGitCommandIn runs a git command in the specified directory. It is
// used to resolve repository paths before a Repository instance exists.
func executeGitCommandIn(dir string, args ...string) (string, error) {
	cmd := exec.Command(binary, args...)
	cmd.Dir = dir

	var stdOut, stdErr bytes.Buffer
	cmd.Stdout = &stdOut
	cmd.Stderr = &stdErr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: `git %s`: %s", ErrGitExecution, strings.Join(args, " "), strings.TrimSpace(stdErr.String()))
	}

	return strings.TrimSpace(stdOut.String()), nil
}

// executor is a builder for one git invocation against the repository. The
// repository's GIT_DIR and worktree are always passed explicitly so commands
// behave the same regardless of the process working directory.
type executor struct {
	r     *Repository
	args  []string
	env   []string
	stdIn *bytes.Buffer
}

func (r *Repository) executor(args ...string) *executor {
	return &executor{r: r, args: args}
}

// withEnv sets the provided environment variables for this invocation, on
// top of os.Environ().
func (e *executor) withEnv(env ...string) *executor {
	e.env = append(e.env, env...)
	return e
}

// withStdIn supplies the process stdin.
func (e *executor) withStdIn(stdIn *bytes.Buffer) *executor {
	e.stdIn = stdIn
	return e
}

// executeString runs the command and returns stdout with surrounding
// whitespace trimmed. Failures include the command's stderr.
func (e *executor) executeString() (string, error) {
	stdOut, stdErr, err := e.execute()
	if err != nil {
		stdErrContents, newErr := io.ReadAll(stdErr)
		if newErr != nil {
			return "", fmt.Errorf("unable to read stderr contents: %w; original err: %w", newErr, err)
		}
		return "", fmt.Errorf("%w: `git %s`: %s", ErrGitExecution, strings.Join(e.args, " "), strings.TrimSpace(string(stdErrContents)))
	}

	stdOutContents, err := io.ReadAll(stdOut)
	if err != nil {
		return "", fmt.Errorf("unable to read stdout contents: %w", err)
	}

	return strings.TrimSpace(string(stdOutContents)), nil
}

// execute runs the command, returning its stdout and stderr streams.
func (e *executor) execute() (io.Reader, io.Reader, error) {
	args := []string{"--git-dir", e.r.gitDirPath}
	if e.r.worktreePath != "" {
		args = append(args, "--work-tree", e.r.worktreePath)
	}
	args = append(args, e.args...)

	cmd := exec.Command(binary, args...)
	cmd.Env = append(os.Environ(), e.env...)
	if e.r.worktreePath != "" {
		cmd.Dir = e.r.worktreePath
	}
	if e.stdIn != nil {
		cmd.Stdin = e.stdIn
	}

	var (
		stdOut bytes.Buffer
		stdErr bytes.Buffer
	)
	cmd.Stdout = &stdOut
	cmd.Stderr = &stdErr

	return &stdOut, &stdErr, cmd.Run()
}

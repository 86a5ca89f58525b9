// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package display

import (
	"bufio"
	"io"
	"os"
	"os/exec"
)

// NewDisplayWriter returns the writer report rendering should go to. With
// page set, output is piped through the first available pager ($PAGER, less,
// more); otherwise writes are buffered straight to output. Close flushes the
// buffer or waits for the pager to exit.
func NewDisplayWriter(output io.Writer, page bool) io.WriteCloser {
	if page {
		for _, bin := range []string{os.Getenv("PAGER"), "less", "more"} {
			if bin == "" {
				continue
			}
			if _, err := exec.LookPath(bin); err != nil {
				continue
			}
			cmd := exec.Command(bin)
			cmd.Stdout = output
			cmd.Stderr = os.Stderr
			return &pagerWriter{command: cmd}
		}
	}

	if closer, ok := output.(io.WriteCloser); ok {
		return closer
	}
	return &bufferedWriter{buffer: bufio.NewWriter(output)}
}

// pagerWriter feeds the pager's stdin. The pager process starts on the first
// write so constructing the writer never spawns a process for empty output.
type pagerWriter struct {
	command *exec.Cmd
	stdin   io.WriteCloser
	started bool
}

func (p *pagerWriter) Write(contents []byte) (int, error) {
	if !p.started {
		stdin, err := p.command.StdinPipe()
		if err != nil {
			return 0, err
		}
		p.stdin = stdin

		if err := p.command.Start(); err != nil {
			return 0, err
		}
		p.started = true
	}

	return p.stdin.Write(contents)
}

func (p *pagerWriter) Close() error {
	if p.stdin != nil {
		if err := p.stdin.Close(); err != nil {
			return err
		}
	}
	if p.started {
		return p.command.Wait()
	}
	return nil
}

type bufferedWriter struct {
	buffer *bufio.Writer
	closed bool
}

func (b *bufferedWriter) Write(contents []byte) (int, error) {
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	return b.buffer.Write(contents)
}

func (b *bufferedWriter) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.buffer.Flush()
}

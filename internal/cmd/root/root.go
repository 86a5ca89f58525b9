// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package root

import (
	"log/slog"
	"os"

	"github.com/go-logr/logr"
	"github.com/mattn/go-isatty"
	"github.com/repository-playground/playground/internal/cmd/bumpoffline"
	"github.com/repository-playground/playground/internal/cmd/bumponline"
	"github.com/repository-playground/playground/internal/cmd/delegate"
	"github.com/repository-playground/playground/internal/cmd/profile"
	"github.com/repository-playground/playground/internal/cmd/sign"
	"github.com/repository-playground/playground/internal/cmd/snapshot"
	"github.com/repository-playground/playground/internal/cmd/status"
	"github.com/repository-playground/playground/internal/cmd/version"
	"github.com/repository-playground/playground/internal/display"
	"github.com/spf13/cobra"
	"github.com/theupdateframework/go-tuf/v2/metadata"
)

type options struct {
	noColor           bool
	verbose           int
	profile           bool
	cpuProfileFile    string
	memoryProfileFile string
}

func (o *options) AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().BoolVar(
		&o.noColor,
		"no-color",
		false,
		"turn off colored output",
	)

	cmd.PersistentFlags().CountVarP(
		&o.verbose,
		"verbose",
		"v",
		"increase logging verbosity, repeatable",
	)

	cmd.PersistentFlags().BoolVar(
		&o.profile,
		"profile",
		false,
		"enable CPU and memory profiling",
	)

	cmd.PersistentFlags().StringVar(
		&o.cpuProfileFile,
		"profile-CPU-file",
		"cpu.prof",
		"file to store CPU profile",
	)

	cmd.PersistentFlags().StringVar(
		&o.memoryProfileFile,
		"profile-memory-file",
		"memory.prof",
		"file to store memory profile",
	)
}

func (o *options) PreRunE(_ *cobra.Command, _ []string) error {
	// Check if colored output must be disabled
	output := os.Stdout
	isTerminal := isatty.IsTerminal(output.Fd()) || isatty.IsCygwinTerminal(output.Fd())
	if o.noColor || !isTerminal {
		display.DisableColor()
	}

	// Setup logging. Each -v drops the threshold one slog band: warnings by
	// default, -v adds info, -vv adds debug. The TUF client logs through logr,
	// so it is pointed at the same handler.
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn - slog.Level(4*o.verbose),
	})
	slog.SetDefault(slog.New(handler))
	metadata.SetLogger(logr.FromSlogHandler(handler))

	// Start profiling if flag is set
	if o.profile {
		return profile.StartProfiling(o.cpuProfileFile, o.memoryProfileFile)
	}

	return nil
}

func New() *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:   "playground",
		Short: "Maintain a TUF repository through git signing events",
		Long: `playground maintains a The Update Framework (TUF) repository whose source of truth is a git repository.

Metadata changes are proposed on signing event branches (sign/<event>). The repository engine commands (status, snapshot, bump-online, bump-offline) run in CI: they judge whether an event is ready to merge, resign the online roles and open events when offline roles approach expiry. The signer commands (sign, delegate) run on a maintainer's machine: they check out an event, collect signatures or edit delegations and push the result back.

Exit codes matter to the CI caller: status exits 0 only when the event is publishable, and snapshot and bump-online exit 1 when there is nothing new to publish.`,

		SilenceUsage:      true,
		DisableAutoGenTag: true,
		PersistentPreRunE: o.PreRunE,
	}

	o.AddFlags(cmd)

	cmd.AddCommand(status.New())
	cmd.AddCommand(snapshot.New())
	cmd.AddCommand(bumponline.New())
	cmd.AddCommand(bumpoffline.New())
	cmd.AddCommand(sign.New())
	cmd.AddCommand(delegate.New())
	cmd.AddCommand(version.New())

	return cmd
}

// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

// Package delegate implements the delegation editor: bootstrapping a new
// repository and changing who signs a role, its thresholds and its expiry
// periods, through a terminal UI or flags.
package delegate

import (
	"context"
	"errors"
	"fmt"
	"slices"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/repository-playground/playground/internal/cmd/common"
	"github.com/repository-playground/playground/internal/roles"
	"github.com/repository-playground/playground/internal/signer"
	"github.com/repository-playground/playground/internal/signerverifier"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/theupdateframework/go-tuf/v2/metadata"
)

type options struct {
	push           bool
	nonInteractive bool
	key            string

	signers     []string
	threshold   int
	expiryDays  int
	signingDays int

	onlineKey       string
	timestampExpiry int
	snapshotExpiry  int

	flags *pflag.FlagSet
}

func (o *options) AddFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(
		&o.push,
		"push",
		true,
		"push the changed event to the push remote",
	)

	cmd.Flags().BoolVar(
		&o.nonInteractive,
		"non-interactive",
		false,
		"apply the configuration flags without the terminal UI",
	)

	cmd.Flags().StringVar(
		&o.key,
		"key",
		"hsm:",
		"signing key URI used when the change needs your signature",
	)

	cmd.Flags().StringSliceVar(
		&o.signers,
		"signers",
		nil,
		"signers of the role, as @handles",
	)

	cmd.Flags().IntVar(
		&o.threshold,
		"threshold",
		1,
		"number of signatures the role requires",
	)

	cmd.Flags().IntVar(
		&o.expiryDays,
		"expiry-days",
		365,
		"days each new version of the role stays valid",
	)

	cmd.Flags().IntVar(
		&o.signingDays,
		"signing-days",
		60,
		"days before expiry that re-signing starts",
	)

	cmd.Flags().StringVar(
		&o.onlineKey,
		"online-key",
		"",
		"online signing key URI for timestamp and snapshot",
	)

	cmd.Flags().IntVar(
		&o.timestampExpiry,
		"timestamp-expiry",
		1,
		"days each timestamp version stays valid",
	)

	cmd.Flags().IntVar(
		&o.snapshotExpiry,
		"snapshot-expiry",
		365,
		"days each snapshot version stays valid",
	)
}

func (o *options) Run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	o.flags = cmd.Flags()
	prompter := common.NewPrompter(o.nonInteractive)

	ev, err := common.OpenEvent(args[0], prompter)
	if err != nil {
		return err
	}

	var role string
	if len(args) > 1 {
		role = args[1]
	}

	var changed bool
	switch {
	case ev.Workbench.State() == signer.Uninitialized:
		changed, err = o.initRepository(ctx, ev, prompter)
	case role == metadata.TIMESTAMP || role == metadata.SNAPSHOT:
		changed, err = o.updateOnlineRoles(ctx, ev)
	case role != "":
		changed, err = o.updateOfflineRole(ctx, ev, prompter, role)
	default:
		return errors.New("a role argument is required once the repository is initialized")
	}
	if err != nil {
		return err
	}

	if !changed {
		fmt.Println("Nothing to do.")
		return nil
	}
	return ev.Finish(fmt.Sprintf("Delegation change by %s", ev.User.Name), o.push)
}

// initRepository bootstraps an empty repository: root and targets are
// configured in sequence, targets starting from root's configuration, then
// the online roles. The user's signing key is only needed when they put
// themselves in a signer list.
func (o *options) initRepository(ctx context.Context, ev *common.Event, prompter *common.Prompter) (bool, error) {
	fmt.Println("Creating a new playground TUF repository")

	rootCfg, ok, err := o.editOffline(metadata.ROOT, signer.DefaultOfflineConfig(ev.User.Name))
	if err != nil || !ok {
		return false, err
	}
	targetsCfg, ok, err := o.editOffline(metadata.TARGETS, rootCfg)
	if err != nil || !ok {
		return false, err
	}

	defaults := signer.DefaultOnlineConfig()
	edit, ok, err := o.editOnline(onlineEdit{
		URI:             o.onlineKey,
		TimestampExpiry: defaults.TimestampExpiry,
		SnapshotExpiry:  rootCfg.ExpiryDays,
	})
	if err != nil || !ok {
		return false, err
	}
	if edit.URI == "" {
		return false, errors.New("missing online signing key")
	}
	onlineKey, err := signerverifier.ImportOnlineKey(ctx, edit.URI)
	if err != nil {
		return false, err
	}

	var signingKey *metadata.Key
	if slices.Contains(rootCfg.Signers, ev.User.Name) || slices.Contains(targetsCfg.Signers, ev.User.Name) {
		if err := prompter.Confirm("Insert your signing key and press enter."); err != nil {
			return false, err
		}
		signingKey, err = common.ImportKey(ctx, ev.User, o.key, prompter)
		if err != nil {
			return false, err
		}
	}

	onlineCfg := signer.OnlineConfig{
		Key:             onlineKey,
		TimestampExpiry: edit.TimestampExpiry,
		SnapshotExpiry:  edit.SnapshotExpiry,
	}
	if err := ev.Workbench.Initialize(ctx, rootCfg, targetsCfg, onlineCfg, signingKey); err != nil {
		return false, err
	}
	return true, nil
}

func (o *options) updateOnlineRoles(ctx context.Context, ev *common.Event) (bool, error) {
	fmt.Println("Modifying online roles")

	cfg, err := ev.Workbench.OnlineConfig()
	if err != nil {
		return false, err
	}
	current := onlineEdit{
		URI:             roles.OnlineURI(cfg.Key),
		TimestampExpiry: cfg.TimestampExpiry,
		SnapshotExpiry:  cfg.SnapshotExpiry,
	}

	edit, ok, err := o.editOnline(current)
	if err != nil || !ok {
		return false, err
	}
	if edit == current {
		return false, nil
	}

	key := cfg.Key
	if edit.URI != current.URI {
		key, err = signerverifier.ImportOnlineKey(ctx, edit.URI)
		if err != nil {
			return false, err
		}
	}

	return ev.Workbench.SetOnlineConfig(ctx, signer.OnlineConfig{
		Key:             key,
		TimestampExpiry: edit.TimestampExpiry,
		SnapshotExpiry:  edit.SnapshotExpiry,
	})
}

func (o *options) updateOfflineRole(ctx context.Context, ev *common.Event, prompter *common.Prompter, role string) (bool, error) {
	fmt.Printf("Modifying delegation for %s\n", role)

	cfg, err := ev.Workbench.OfflineConfig(role)
	if err != nil {
		return false, err
	}

	newCfg, ok, err := o.editOffline(role, cfg)
	if err != nil || !ok {
		return false, err
	}
	if offlineConfigsEqual(cfg, newCfg) {
		return false, nil
	}

	// Existing signers re-sign the role as part of the change; a signer just
	// adding themselves is invited instead and signs when accepting.
	var signingKey *metadata.Key
	if slices.Contains(cfg.Signers, ev.User.Name) {
		if err := prompter.Confirm("Insert your signing key and press enter."); err != nil {
			return false, err
		}
		signingKey, err = common.ImportKey(ctx, ev.User, o.key, prompter)
		if err != nil {
			return false, err
		}
	}

	return ev.Workbench.SetOfflineConfig(ctx, role, newCfg, signingKey)
}

// editOffline collects an offline role configuration, either from the
// configuration flags or interactively. The second return is false when the
// user left the editor without accepting.
func (o *options) editOffline(role string, cfg signer.OfflineConfig) (signer.OfflineConfig, bool, error) {
	if o.nonInteractive {
		out := cloneOfflineConfig(cfg)
		if o.flags.Changed("signers") {
			out.Signers = normalizeSigners(o.signers)
		}
		if o.flags.Changed("threshold") {
			out.Threshold = o.threshold
		}
		if o.flags.Changed("expiry-days") {
			out.ExpiryDays = o.expiryDays
		}
		if o.flags.Changed("signing-days") {
			out.SigningDays = o.signingDays
		}
		if len(out.Signers) == 1 {
			out.Threshold = 1
		}
		if len(out.Signers) == 0 || out.Threshold < 1 || out.Threshold > len(out.Signers) {
			return signer.OfflineConfig{}, false, fmt.Errorf("invalid configuration for %s: %d signers with threshold %d", role, len(out.Signers), out.Threshold)
		}
		return out, true, nil
	}

	final, err := runEditor(newOfflineModel(role, cfg))
	if err != nil {
		return signer.OfflineConfig{}, false, err
	}
	return final.offline, final.done, nil
}

func (o *options) editOnline(edit onlineEdit) (onlineEdit, bool, error) {
	if o.nonInteractive {
		out := edit
		if o.flags.Changed("online-key") {
			out.URI = o.onlineKey
		}
		if o.flags.Changed("timestamp-expiry") {
			out.TimestampExpiry = o.timestampExpiry
		}
		if o.flags.Changed("snapshot-expiry") {
			out.SnapshotExpiry = o.snapshotExpiry
		}
		return out, true, nil
	}

	final, err := runEditor(newOnlineModel(edit))
	if err != nil {
		return onlineEdit{}, false, err
	}
	return final.online, final.done, nil
}

func runEditor(m model) (model, error) {
	p := tea.NewProgram(m, tea.WithAltScreen())
	final, err := p.Run()
	if err != nil {
		return model{}, err
	}
	return final.(model), nil
}

func cloneOfflineConfig(cfg signer.OfflineConfig) signer.OfflineConfig {
	cfg.Signers = slices.Clone(cfg.Signers)
	return cfg
}

func offlineConfigsEqual(a, b signer.OfflineConfig) bool {
	return slices.Equal(a.Signers, b.Signers) &&
		a.Threshold == b.Threshold &&
		a.ExpiryDays == b.ExpiryDays &&
		a.SigningDays == b.SigningDays
}

func New() *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:   "delegate <event> [role]",
		Short: "Edit a role's delegation on a signing event",
		Long:  `delegate checks out the named signing event and edits who signs a role and when it expires. On an empty repository it bootstraps root, targets and the online roles in one pass. Naming timestamp or snapshot edits the shared online configuration instead. The change is committed and pushed to the event branch on the push remote; signers it adds are invited and sign when they accept.`,

		Args:              cobra.RangeArgs(1, 2),
		RunE:              o.Run,
		DisableAutoGenTag: true,
	}
	o.AddFlags(cmd)

	return cmd
}

// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package display

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/repository-playground/playground/internal/delta"
	"github.com/repository-playground/playground/internal/event"
)

// PrintReport writes the signing-event evaluation to writer in its terminal
// form: one marked section per role, open invitations and the verdict line.
// The CI comment uses event.Result.Report instead; this rendering swaps the
// markdown markers for colored ones and closes the writer when done.
func PrintReport(result *event.Result, writer io.WriteCloser) error {
	defer writer.Close() //nolint:errcheck

	for _, rr := range result.Roles {
		if err := printRoleSection(writer, rr); err != nil {
			return err
		}
	}

	if len(result.Roles) > 0 {
		if _, err := fmt.Fprintln(writer); err != nil {
			return err
		}
	}
	if len(result.Invites) > 0 {
		if _, err := fmt.Fprintf(writer, "Open invitations: %s.\n", formatInvites(result.Invites)); err != nil {
			return err
		}
	}

	_, err := fmt.Fprintln(writer, verdictLine(result.Verdict))
	return err
}

func printRoleSection(writer io.Writer, rr event.RoleResult) error {
	marker := colorer("✗", red)
	if rr.Verified {
		marker = colorer("✓", green)
	}
	if _, err := fmt.Fprintf(writer, "%s %s\n", marker, colorer(rr.Name, cyan)); err != nil {
		return err
	}

	var lines []string
	switch {
	case rr.Kind == delta.Removed:
		if rr.Verified {
			lines = append(lines, "removed together with its delegation")
		} else {
			lines = append(lines, "removed")
		}
	case rr.Counts == nil:
		// The reasons below explain why no signatures could be counted.
	case rr.Verified:
		lines = append(lines, fmt.Sprintf("verified, signed by %s signers (%s)",
			countsString(rr), strings.Join(rr.Signed, ", ")))
	case len(rr.Signed) > 0:
		lines = append(lines, fmt.Sprintf("not yet verified, signed by %s signers (%s)",
			countsString(rr), strings.Join(rr.Signed, ", ")))
	default:
		lines = append(lines, "unsigned and not yet verified")
	}

	for _, reason := range rr.Reasons {
		lines = append(lines, colorer(fmt.Sprintf("%s: %s", reason.Kind, reason.Detail), red))
	}
	if len(rr.Missing) > 0 {
		lines = append(lines, colorer(fmt.Sprintf("still missing signatures from %s",
			strings.Join(rr.Missing, ", ")), yellow))
	}

	for _, line := range lines {
		if _, err := fmt.Fprintf(writer, "  %s\n", line); err != nil {
			return err
		}
	}
	return nil
}

func countsString(rr event.RoleResult) string {
	counts := fmt.Sprintf("%d/%d", rr.Counts.Signed, rr.Counts.Threshold)
	if rr.PrevCounts != nil {
		counts = fmt.Sprintf("%s (%d/%d)", counts, rr.PrevCounts.Signed, rr.PrevCounts.Threshold)
	}
	return counts
}

func verdictLine(v event.Verdict) string {
	line := fmt.Sprintf("Verdict: %s.", v)
	switch v {
	case event.Publishable:
		return colorer(line, green)
	case event.Invalid:
		return colorer(line, red)
	case event.Incomplete:
		return colorer(line, yellow)
	default:
		return line
	}
}

func formatInvites(invites map[string][]string) string {
	names := make([]string, 0, len(invites))
	for name := range invites {
		names = append(names, name)
	}
	sort.Strings(names)

	var entries []string
	for _, name := range names {
		for _, owner := range invites[name] {
			entries = append(entries, fmt.Sprintf("%s (%s)", owner, name))
		}
	}
	return strings.Join(entries, ", ")
}

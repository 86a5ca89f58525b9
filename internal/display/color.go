// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

// Package display renders playground state for terminals: the signing-event
// report with colored role markers, and an optional pager for long output.
package display

import "fmt"

type color uint

const (
	reset color = iota
	red
	green
	yellow
	cyan
)

func (c color) code() string {
	switch c {
	case red:
		return "\033[31m"
	case green:
		return "\033[32m"
	case yellow:
		return "\033[33m"
	case cyan:
		return "\033[36m"
	default:
		return "\033[0m"
	}
}

type colorerFunc = func(string, color) string

var colorer colorerFunc = colorerOn //nolint:revive

func colorerOn(s string, c color) string {
	return fmt.Sprintf("%s%s%s", c.code(), s, reset.code())
}

func colorerOff(s string, _ color) string {
	return s
}

// EnableColor turns ANSI coloring on. It is the default.
func EnableColor() {
	colorer = colorerOn
}

// DisableColor turns ANSI coloring off, for non-terminal output.
func DisableColor() {
	colorer = colorerOff
}

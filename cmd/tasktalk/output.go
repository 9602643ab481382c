package main

import (
	"fmt"
	"io"
	"os"

	"github.com/kalambet/tasktalk/internal/storage"
	"github.com/kalambet/tasktalk/internal/tools"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorDim    = "\033[2m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

// writeTask prints one task as "[x] #12  title" with an indented
// description line when present.
func writeTask(w io.Writer, t storage.Task) {
	box := "[ ]"
	if t.Completed {
		box = colorize(colorGreen, "[x]")
	}
	fmt.Fprintf(w, "%s %s  %s\n", box, colorize(colorCyan, fmt.Sprintf("#%d", t.ID)), t.Title)
	if t.Description != "" {
		fmt.Fprintf(w, "      %s\n", colorize(colorDim, t.Description))
	}
}

// writeInvocation prints a one-line summary of a tool call made during a
// chat turn.
func writeInvocation(w io.Writer, inv tools.Invocation) {
	if inv.Success {
		fmt.Fprintf(w, "  %s %s\n", colorize(colorGreen, "✓"), inv.Name)
		return
	}
	fmt.Fprintf(w, "  %s %s: %s\n", colorize(colorRed, "✗"), inv.Name, inv.Message())
}

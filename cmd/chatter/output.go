package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/kalambet/chatter/internal/api"
	"github.com/kalambet/chatter/internal/chat"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorDim    = "\033[2m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor || text == "" {
		return text
	}
	return color + text + colorReset
}

// Status lines go to stderr so that answers piped from stdout stay clean.

func printSuccess(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+fmt.Sprintf(format, args...)))
}

func printError(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+fmt.Sprintf(format, args...)))
}

func printWarning(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+fmt.Sprintf(format, args...)))
}

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

func printStep(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+fmt.Sprintf(format, args...)))
}

var roleColors = map[chat.Role]string{
	chat.RoleUser:      colorGreen,
	chat.RoleAssistant: colorBlue,
	chat.RoleSystem:    colorYellow,
}

// printMessage renders one stored message as a role header followed by
// its content.
func printMessage(m api.MessageJSON) {
	header := strings.ToUpper(string(m.Role))
	if m.Model != "" {
		header += " · " + m.Model
	}
	fmt.Println(colorize(colorBold+roleColors[m.Role], header))
	for _, a := range m.Attachments {
		fmt.Println(colorize(colorDim, "[attached] "+a.Location()))
	}
	if m.Content == "" && m.Role == chat.RoleAssistant {
		fmt.Println(colorize(colorDim, "(no answer)"))
	} else {
		fmt.Println(m.Content)
	}
	if m.CreditsConsumed != nil {
		fmt.Println(colorize(colorDim, fmt.Sprintf("%d credits", *m.CreditsConsumed)))
	}
	fmt.Println()
}

// formatRates renders model prices in USD per million tokens.
func formatRates(m api.ModelInfo) string {
	r := m.Rates
	if r.Prompt == 0 && r.Completion == 0 {
		if r.Request > 0 {
			return fmt.Sprintf("$%g/request", r.Request)
		}
		return colorize(colorDim, "free")
	}
	return fmt.Sprintf("$%g in  $%g out  per 1M tokens", r.Prompt, r.Completion)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

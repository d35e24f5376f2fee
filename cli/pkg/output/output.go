package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	infoColor    = color.New(color.FgCyan)
	warnColor    = color.New(color.FgYellow)
	headerColor  = color.New(color.FgWhite, color.Bold)
)

// Stdout and Stderr are where output goes; tests swap them.
var (
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr
)

func Success(format string, a ...any) {
	successColor.Fprintf(Stdout, "✓ "+format+"\n", a...)
}

func Error(format string, a ...any) {
	errorColor.Fprintf(Stderr, "✗ "+format+"\n", a...)
}

func Info(format string, a ...any) {
	infoColor.Fprintf(Stdout, format+"\n", a...)
}

func Warn(format string, a ...any) {
	warnColor.Fprintf(Stdout, "⚠ "+format+"\n", a...)
}

func JSON(v any) error {
	enc := json.NewEncoder(Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Status colors a sync status for terminal display.
func Status(s string) string {
	switch s {
	case "success", "closed", "ok":
		return successColor.Sprint(s)
	case "error", "open":
		return errorColor.Sprint(s)
	case "partial", "pending", "half_open":
		return warnColor.Sprint(s)
	default:
		return s
	}
}

type Table struct {
	headers []string
	rows    [][]string
}

func NewTable(headers []string) *Table {
	return &Table{
		headers: headers,
		rows:    [][]string{},
	}
}

func (t *Table) AddRow(row []string) {
	t.rows = append(t.rows, row)
}

func (t *Table) Render() {
	// Calculate column widths on the uncolored text
	widths := make([]int, len(t.headers))
	for i, header := range t.headers {
		widths[i] = len(header)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if n := visibleLen(cell); i < len(widths) && n > widths[i] {
				widths[i] = n
			}
		}
	}

	for i, header := range t.headers {
		headerColor.Fprintf(Stdout, "%-*s  ", widths[i], header)
	}
	fmt.Fprintln(Stdout)

	for i := range t.headers {
		fmt.Fprint(Stdout, strings.Repeat("-", widths[i])+"  ")
	}
	fmt.Fprintln(Stdout)

	for _, row := range t.rows {
		for i, cell := range row {
			if i >= len(widths) {
				break
			}
			fmt.Fprint(Stdout, cell+strings.Repeat(" ", widths[i]-visibleLen(cell))+"  ")
		}
		fmt.Fprintln(Stdout)
	}
}

// visibleLen is the length of s without ANSI escape sequences.
func visibleLen(s string) int {
	n, esc := 0, false
	for _, r := range s {
		switch {
		case r == '\x1b':
			esc = true
		case esc:
			if r == 'm' {
				esc = false
			}
		default:
			n++
		}
	}
	return n
}

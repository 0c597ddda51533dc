// Package ui renders CLI output.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Printer writes styled text to one output.
type Printer struct {
	out io.Writer
	r   *lipgloss.Renderer

	title  lipgloss.Style
	ok     lipgloss.Style
	warn   lipgloss.Style
	bad    lipgloss.Style
	muted  lipgloss.Style
	header lipgloss.Style
	tty    bool
}

// New returns a printer for w. Colors are disabled when w is not a
// terminal or NO_COLOR is set.
func New(w io.Writer) *Printer {
	tty := false
	if f, ok := w.(*os.File); ok {
		tty = term.IsTerminal(int(f.Fd()))
	}
	r := lipgloss.NewRenderer(w)
	profile := termenv.NewOutput(w).EnvColorProfile()
	if !tty {
		profile = termenv.Ascii
	}
	r.SetColorProfile(profile)

	p := &Printer{out: w, r: r, tty: tty}
	p.title = r.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	p.ok = r.NewStyle().Foreground(lipgloss.Color("10"))
	p.warn = r.NewStyle().Foreground(lipgloss.Color("11"))
	p.bad = r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	p.muted = r.NewStyle().Foreground(lipgloss.Color("8"))
	p.header = r.NewStyle().Bold(true).Padding(0, 1)
	return p
}

// Interactive reports whether the output is a terminal.
func (p *Printer) Interactive() bool { return p.tty }

func (p *Printer) Title(s string) string   { return p.title.Render(s) }
func (p *Printer) Success(s string) string { return p.ok.Render(s) }
func (p *Printer) Warn(s string) string    { return p.warn.Render(s) }
func (p *Printer) Error(s string) string   { return p.bad.Render(s) }
func (p *Printer) Muted(s string) string   { return p.muted.Render(s) }

// Println writes a line.
func (p *Printer) Println(a ...any) {
	fmt.Fprintln(p.out, a...)
}

// Printf writes formatted text.
func (p *Printer) Printf(format string, a ...any) {
	fmt.Fprintf(p.out, format, a...)
}

// Table renders rows under headers.
func (p *Printer) Table(headers []string, rows [][]string) string {
	cell := p.r.NewStyle().Padding(0, 1)
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(p.muted).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return p.header
			}
			return cell
		})
	return t.String()
}

// Status renders a state word colored by meaning.
func (p *Printer) Status(s string) string {
	switch strings.ToUpper(s) {
	case "ACTIVE", "OK", "DONE", "SYNCED":
		return p.Success(s)
	case "SUBSCRIBING", "PENDING", "IN_PROGRESS":
		return p.Warn(s)
	case "ERROR", "FAILED", "OFFLINE":
		return p.Error(s)
	default:
		return s
	}
}

// Duration formats d for humans, rounded to milliseconds.
func Duration(d time.Duration) string {
	if d < time.Millisecond {
		return d.String()
	}
	return d.Round(time.Millisecond).String()
}

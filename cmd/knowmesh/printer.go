package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

// printer writes reports to out and human status lines to errOut. Reports
// stay plain JSON so they can be piped; status lines are colored unless
// NO_COLOR is set or errOut is not a terminal.
type printer struct {
	out    io.Writer
	errOut io.Writer

	green  *color.Color
	yellow *color.Color
	red    *color.Color
	cyan   *color.Color
}

func newPrinter(out, errOut io.Writer) *printer {
	p := &printer{
		out:    out,
		errOut: errOut,
		green:  color.New(color.FgGreen),
		yellow: color.New(color.FgYellow),
		red:    color.New(color.FgRed, color.Bold),
		cyan:   color.New(color.FgCyan),
	}
	if f, ok := errOut.(*os.File); !ok || f != os.Stderr || os.Getenv("NO_COLOR") != "" {
		for _, c := range []*color.Color{p.green, p.yellow, p.red, p.cyan} {
			c.DisableColor()
		}
	}
	return p
}

// JSON writes v as indented JSON to out.
func (p *printer) JSON(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Success prints a green status line.
func (p *printer) Success(format string, a ...any) {
	p.green.Fprintf(p.errOut, "✓ %s\n", fmt.Sprintf(format, a...))
}

// Warning prints a yellow status line.
func (p *printer) Warning(format string, a ...any) {
	p.yellow.Fprintf(p.errOut, "⚠️  %s\n", fmt.Sprintf(format, a...))
}

// Failure prints a red status line.
func (p *printer) Failure(format string, a ...any) {
	p.red.Fprintf(p.errOut, "✗ %s\n", fmt.Sprintf(format, a...))
}

// Step prints a cyan progress line.
func (p *printer) Step(format string, a ...any) {
	p.cyan.Fprintf(p.errOut, "→ %s\n", fmt.Sprintf(format, a...))
}

// Status prints a line colored by exit code.
func (p *printer) Status(code int, format string, a ...any) {
	switch code {
	case exitOK:
		p.Success(format, a...)
	case exitWarning:
		p.Warning(format, a...)
	default:
		p.Failure(format, a...)
	}
}

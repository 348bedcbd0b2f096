package bridgectl

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

var (
	green = color.New(color.FgGreen)
	red   = color.New(color.FgRed, color.Bold)
	cyan  = color.New(color.FgCyan)
	faint = color.New(color.Faint)
)

// printer writes human output to out and diagnostics to errOut.
type printer struct {
	out    io.Writer
	errOut io.Writer
}

func (p printer) success(format string, a ...any) {
	green.Fprintf(p.out, "✓ %s\n", fmt.Sprintf(format, a...))
}

func (p printer) step(format string, a ...any) {
	cyan.Fprintf(p.errOut, "→ %s\n", fmt.Sprintf(format, a...))
}

func (p printer) field(key string, value any) {
	faint.Fprintf(p.out, "  %s: ", key)
	fmt.Fprintf(p.out, "%v\n", value)
}

func (p printer) raw(s string) {
	fmt.Fprintln(p.out, s)
}

// failure prints a titled error with optional hints to errOut and returns a
// plain error for cobra, which is configured not to print it again.
func (p printer) failure(title, explanation string, hints ...string) error {
	red.Fprintf(p.errOut, "%s\n", title)
	if explanation != "" {
		fmt.Fprintf(p.errOut, "%s\n", explanation)
	}
	for _, hint := range hints {
		fmt.Fprintf(p.errOut, "  - %s\n", hint)
	}
	return fmt.Errorf("%s", title)
}

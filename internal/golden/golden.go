// Package golden compares multi-line text fixtures (frame dumps, rendered
// GATT trees) and reports mismatches as a colorized unified diff.
package golden

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
)

// TestingT matches the subset of *testing.T golden needs.
type TestingT interface {
	Helper()
	Errorf(format string, args ...interface{})
}

// Assert fails t with a colorized unified diff if actual != expected.
func Assert(t TestingT, expected, actual string) {
	t.Helper()
	if expected == actual {
		return
	}
	edits := myers.ComputeEdits("", expected, actual)
	unified := gotextdiff.ToUnified("expected", "actual", expected, edits)
	t.Errorf("golden mismatch:\n%s", colorize(fmt.Sprint(unified)))
}

func colorize(diff string) string {
	red := color.New(color.FgRed)
	red.EnableColor()
	green := color.New(color.FgGreen)
	green.EnableColor()
	cyan := color.New(color.FgCyan)
	cyan.EnableColor()
	yellow := color.New(color.FgYellow)
	yellow.EnableColor()

	lines := strings.Split(diff, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "---") || strings.HasPrefix(line, "+++"):
			out = append(out, yellow.Sprint(line))
		case strings.HasPrefix(line, "@@"):
			out = append(out, cyan.Sprint(line))
		case strings.HasPrefix(line, "-"):
			out = append(out, red.Sprint(line))
		case strings.HasPrefix(line, "+"):
			out = append(out, green.Sprint(line))
		default:
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

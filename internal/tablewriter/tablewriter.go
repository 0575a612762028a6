// Package tablewriter renders fixed-column text tables for terminal output.
package tablewriter

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/mattn/go-runewidth"
)

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// Table collects rows and writes them with aligned columns. Cells may carry
// ANSI color codes; they do not count toward the column width.
type Table struct {
	out     io.Writer
	headers []string
	rows    [][]string
	widths  []int
}

// New returns a table with the given column headers. Rows are cut or padded
// to the header count.
func New(out io.Writer, headers ...string) *Table {
	t := &Table{out: out, headers: headers, widths: make([]int, len(headers))}
	t.measure(headers)
	return t
}

// Row appends one row.
func (t *Table) Row(cells ...string) {
	row := make([]string, len(t.headers))
	copy(row, cells)
	t.rows = append(t.rows, row)
	t.measure(row)
}

// Len returns the number of rows appended so far.
func (t *Table) Len() int {
	return len(t.rows)
}

// Render writes the table. A table without rows writes nothing.
func (t *Table) Render() {
	if len(t.rows) == 0 {
		return
	}
	t.border()
	t.line(t.headers)
	t.border()
	for _, row := range t.rows {
		t.line(row)
	}
	t.border()
}

func (t *Table) measure(row []string) {
	for i, cell := range row {
		if w := DisplayWidth(cell); w > t.widths[i] {
			t.widths[i] = w
		}
	}
}

func (t *Table) border() {
	var b strings.Builder
	b.WriteString("+")
	for _, w := range t.widths {
		b.WriteString(strings.Repeat("-", w+2))
		b.WriteString("+")
	}
	fmt.Fprintln(t.out, b.String())
}

func (t *Table) line(row []string) {
	var b strings.Builder
	b.WriteString("|")
	for i, cell := range row {
		b.WriteString(" ")
		b.WriteString(cell)
		b.WriteString(strings.Repeat(" ", t.widths[i]-DisplayWidth(cell)))
		b.WriteString(" |")
	}
	fmt.Fprintln(t.out, b.String())
}

// DisplayWidth returns the terminal width of s, ignoring ANSI escape codes
// and counting wide runes as two columns.
func DisplayWidth(s string) int {
	return runewidth.StringWidth(ansiRegex.ReplaceAllString(s, ""))
}

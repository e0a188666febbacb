// Package render writes command results as aligned tables, TSV, JSON or YAML,
// and field changes as unified diffs.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	"gopkg.in/yaml.v3"
)

// Format represents an output format
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
	FormatTSV   Format = "tsv"
)

// ParseFormat validates a format name. An empty name is the table format.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "":
		return FormatTable, nil
	case FormatTable, FormatJSON, FormatYAML, FormatTSV:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want table, json, yaml or tsv)", s)
	}
}

// Structured reports whether f encodes data rather than a table.
func (f Format) Structured() bool {
	return f == FormatJSON || f == FormatYAML
}

// Table is the row view of a result, used by the table and TSV formats.
type Table struct {
	Headers []string
	Rows    [][]string
}

// NewTable starts a table with the given column headers.
func NewTable(headers ...string) *Table {
	return &Table{Headers: headers}
}

// Row appends one row. Empty strings and nil become "-", times are
// formatted in local time and everything else goes through fmt.
func (t *Table) Row(cells ...any) {
	row := make([]string, len(cells))
	for i, c := range cells {
		row[i] = cellText(c)
	}
	t.Rows = append(t.Rows, row)
}

func cellText(c any) string {
	switch v := c.(type) {
	case nil:
		return "-"
	case string:
		if v == "" {
			return "-"
		}
		return v
	case time.Time:
		if v.IsZero() {
			return "-"
		}
		return v.Local().Format("2006-01-02 15:04:05")
	default:
		return fmt.Sprint(v)
	}
}

// Options for rendering
type Options struct {
	Format    Format
	Porcelain bool
}

// Renderer handles output rendering
type Renderer struct {
	w    io.Writer
	opts Options
}

func NewRenderer(w io.Writer, opts Options) *Renderer {
	return &Renderer{w: w, opts: opts}
}

// Render writes data in the configured format. Structured formats encode
// data itself; table and TSV output use t.
func (r *Renderer) Render(data any, t *Table) error {
	switch r.opts.Format {
	case FormatJSON:
		return r.JSON(data)
	case FormatYAML:
		return r.YAML(data)
	case FormatTSV:
		return r.separated(t)
	default:
		if r.opts.Porcelain {
			return r.separated(t)
		}
		return r.aligned(t)
	}
}

// JSON is indented unless the renderer is in porcelain mode.
func (r *Renderer) JSON(data any) error {
	enc := json.NewEncoder(r.w)
	if !r.opts.Porcelain {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(data)
}

func (r *Renderer) YAML(data any) error {
	enc := yaml.NewEncoder(r.w)
	if err := enc.Encode(data); err != nil {
		return err
	}
	return enc.Close()
}

func (r *Renderer) separated(t *Table) error {
	var b strings.Builder
	b.WriteString(strings.Join(t.Headers, "\t"))
	b.WriteByte('\n')
	for _, row := range t.Rows {
		b.WriteString(strings.Join(row, "\t"))
		b.WriteByte('\n')
	}
	_, err := io.WriteString(r.w, b.String())
	return err
}

// aligned pads every column to its widest cell and underlines the headers.
// An empty table prints nothing.
func (r *Renderer) aligned(t *Table) error {
	if len(t.Rows) == 0 {
		return nil
	}

	widths := make([]int, len(t.Headers))
	for i, h := range t.Headers {
		widths[i] = len(h)
	}
	for _, row := range t.Rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			widths[i] = max(widths[i], len(row[i]))
		}
	}

	rule := make([]string, len(widths))
	for i, w := range widths {
		rule[i] = strings.Repeat("-", w)
	}

	var b strings.Builder
	writeLine := func(cells []string) {
		for i := 0; i < len(cells) && i < len(widths); i++ {
			if i > 0 {
				b.WriteString("  ")
			}
			fmt.Fprintf(&b, "%-*s", widths[i], cells[i])
		}
		b.WriteByte('\n')
	}
	writeLine(t.Headers)
	writeLine(rule)
	for _, row := range t.Rows {
		writeLine(row)
	}
	_, err := io.WriteString(r.w, b.String())
	return err
}

// RenderChange writes a unified diff of one field's old and new value.
func (r *Renderer) RenderChange(name string, old, new any) error {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(valueText(old)),
		B:        difflib.SplitLines(valueText(new)),
		FromFile: name + " (stored)",
		ToFile:   name + " (remote)",
		Context:  1,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return err
	}
	_, err = io.WriteString(r.w, text)
	return err
}

// valueText renders a field value one line per element so diffs of
// structured values stay readable.
func valueText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		if strings.HasSuffix(t, "\n") {
			return t
		}
		return t + "\n"
	default:
		data, err := json.MarshalIndent(t, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v\n", t)
		}
		return string(data) + "\n"
	}
}

package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/edgeo-scada/bacnet/bacnet"
)

// OutputFormat represents output format types
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatCSV   OutputFormat = "csv"
	FormatRaw   OutputFormat = "raw"
)

// Formatter handles output formatting
type Formatter struct {
	format OutputFormat
	writer io.Writer
}

// NewFormatter creates a new formatter
func NewFormatter(format string) *Formatter {
	return &Formatter{
		format: OutputFormat(format),
		writer: os.Stdout,
	}
}

// SetWriter sets the output writer
func (f *Formatter) SetWriter(w io.Writer) {
	f.writer = w
}

// Format returns the selected output format
func (f *Formatter) Format() OutputFormat {
	return f.format
}

// Printf formats and prints output
func (f *Formatter) Printf(format string, args ...any) {
	fmt.Fprintf(f.writer, format, args...)
}

// Println prints a line
func (f *Formatter) Println(args ...any) {
	fmt.Fprintln(f.writer, args...)
}

// PrintJSON writes v as indented JSON
func (f *Formatter) PrintJSON(v any) error {
	enc := json.NewEncoder(f.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// PrintCSV writes a header and rows as CSV
func (f *Formatter) PrintCSV(headers []string, rows [][]string) error {
	w := csv.NewWriter(f.writer)
	if err := w.Write(headers); err != nil {
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	return w.Error()
}

// PrintTable prints data in table format
func (f *Formatter) PrintTable(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	for i, h := range headers {
		fmt.Fprintf(f.writer, "%-*s ", widths[i], h)
	}
	fmt.Fprintln(f.writer)

	for i := range headers {
		fmt.Fprint(f.writer, strings.Repeat("-", widths[i]), " ")
	}
	fmt.Fprintln(f.writer)

	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				fmt.Fprintf(f.writer, "%-*s ", widths[i], cell)
			}
		}
		fmt.Fprintln(f.writer)
	}
}

// PrintKeyValue prints key-value pairs
func (f *Formatter) PrintKeyValue(pairs map[string]any, order []string) {
	maxKeyLen := 0
	for _, key := range order {
		if len(key) > maxKeyLen {
			maxKeyLen = len(key)
		}
	}

	for _, key := range order {
		if val, ok := pairs[key]; ok {
			fmt.Fprintf(f.writer, "%-*s: %v\n", maxKeyLen, key, val)
		}
	}
}

// formatValue renders a decoded property value for humans
func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case float32:
		return fmt.Sprintf("%.4g", v)
	case float64:
		return fmt.Sprintf("%.6g", v)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case string:
		return fmt.Sprintf("%q", v)
	case bacnet.ObjectIdentifier:
		return v.String()
	case []byte:
		return fmt.Sprintf("0x%x", v)
	case []bool:
		var sb strings.Builder
		for _, bit := range v {
			if bit {
				sb.WriteByte('1')
			} else {
				sb.WriteByte('0')
			}
		}
		return sb.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// formatValues renders every element of a property, joined for arrays
func formatValues(pv *bacnet.PropertyValue) string {
	if len(pv.Values) <= 1 {
		return formatValue(pv.Value.Value)
	}
	parts := make([]string, len(pv.Values))
	for i, v := range pv.Values {
		parts[i] = formatValue(v.Value)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// jsonValue converts a value into something encoding/json renders well
func jsonValue(value any) any {
	switch v := value.(type) {
	case bacnet.ObjectIdentifier:
		return v.String()
	case []byte:
		return fmt.Sprintf("%x", v)
	default:
		return v
	}
}

// jsonValues returns the single value of pv, or all of them for arrays
func jsonValues(pv *bacnet.PropertyValue) any {
	if len(pv.Values) <= 1 {
		return jsonValue(pv.Value.Value)
	}
	out := make([]any, len(pv.Values))
	for i, v := range pv.Values {
		out[i] = jsonValue(v.Value)
	}
	return out
}

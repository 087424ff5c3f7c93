package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/haivivi/svbackend/pkg/metrics"
)

// OutputFormat selects how a command result is written.
type OutputFormat string

const (
	FormatYAML  OutputFormat = "yaml"
	FormatJSON  OutputFormat = "json"
	FormatTable OutputFormat = "table"
	// FormatRaw writes strings and byte slices untouched and anything
	// else as YAML.
	FormatRaw OutputFormat = "raw"
)

// OutputOptions configures Output. Writer wins over File; with neither
// the result goes to stdout.
type OutputOptions struct {
	Format OutputFormat
	Title  string // table heading
	File   string
	Indent string // JSON indent, two spaces when empty
	Writer io.Writer
}

// Renderer is a result with its own table form.
type Renderer interface {
	Render() string
}

// Output writes result in the selected format.
func Output(result any, opts OutputOptions) error {
	w := opts.Writer
	if w == nil && opts.File != "" {
		f, err := os.Create(opts.File)
		if err != nil {
			return fmt.Errorf("cli: create output: %w", err)
		}
		defer f.Close()
		w = f
	}
	if w == nil {
		w = os.Stdout
	}

	switch opts.Format {
	case FormatYAML, "":
		return writeYAML(w, result)
	case FormatJSON:
		indent := opts.Indent
		if indent == "" {
			indent = "  "
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", indent)
		return enc.Encode(result)
	case FormatRaw:
		switch v := result.(type) {
		case []byte:
			_, err := w.Write(v)
			return err
		case string:
			_, err := io.WriteString(w, v)
			return err
		}
		return writeYAML(w, result)
	case FormatTable:
		r, ok := result.(Renderer)
		if reports, isReports := result.([]metrics.Report); isReports {
			r, ok = ReportTable{Styles: NewStyles(DefaultTheme), Params: metrics.DefaultParams, Reports: reports, Title: opts.Title}, true
		}
		if !ok {
			return writeYAML(w, result)
		}
		_, err := io.WriteString(w, r.Render()+"\n")
		return err
	}
	return fmt.Errorf("cli: unsupported output format %q", opts.Format)
}

func writeYAML(w io.Writer, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("cli: encode yaml: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// Status lines. Results go to stdout, so only success and info notes
// share it; everything else goes to stderr.

func status(w io.Writer, mark, format string, args ...any) {
	fmt.Fprintf(w, mark+" "+format+"\n", args...)
}

// PrintSuccess reports a completed change.
func PrintSuccess(format string, args ...any) { status(os.Stdout, "✓", format, args...) }

// PrintInfo prints a note.
func PrintInfo(format string, args ...any) { status(os.Stdout, "ℹ", format, args...) }

// PrintWarning reports a problem that did not stop the command.
func PrintWarning(format string, args ...any) { status(os.Stderr, "⚠", format, args...) }

// PrintError reports the error that ended the command.
func PrintError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

// PrintVerbose prints to stderr when verbose is set.
func PrintVerbose(verbose bool, format string, args ...any) {
	if verbose {
		status(os.Stderr, "[verbose]", format, args...)
	}
}

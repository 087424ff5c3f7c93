package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/haivivi/svbackend/pkg/metrics"
)

// Theme defines the color scheme of rendered reports.
type Theme struct {
	Primary lipgloss.Color // borders and headers
	Dim     lipgloss.Color // footnotes
	Warn    lipgloss.Color // poorly calibrated rows
}

// DefaultTheme is the default bright green theme.
var DefaultTheme = Theme{
	Primary: lipgloss.Color("#00ff9f"),
	Dim:     lipgloss.Color("#6e7681"),
	Warn:    lipgloss.Color("#ffb86c"),
}

// Styles holds all styles derived from a theme.
type Styles struct {
	Title  lipgloss.Style
	Header lipgloss.Style
	Border lipgloss.Style
	Help   lipgloss.Style
	Warn   lipgloss.Style
}

// NewStyles creates styles from a theme.
func NewStyles(t Theme) Styles {
	return Styles{
		Title:  lipgloss.NewStyle().Bold(true).Foreground(t.Primary).Padding(0, 1),
		Header: lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Border: lipgloss.NewStyle().Foreground(t.Primary),
		Help:   lipgloss.NewStyle().Foreground(t.Dim),
		Warn:   lipgloss.NewStyle().Foreground(t.Warn),
	}
}

// MaxNameWidth caps the layer name column.
const MaxNameWidth = 40

var reportHeader = []string{"layer", "tar", "non", "EER", "minDCF", "actDCF", "Cllr"}

// ReportTable renders metrics reports as a boxed table.
type ReportTable struct {
	Styles  Styles
	Title   string
	Params  metrics.Params
	Reports []metrics.Report
}

func reportRow(r metrics.Report) []string {
	return []string{
		truncateString(r.Name, MaxNameWidth),
		fmt.Sprint(r.Targets),
		fmt.Sprint(r.NonTargets),
		FormatPercent(r.EER),
		fmt.Sprintf("%.4f", r.MinDCF),
		fmt.Sprintf("%.4f", r.ActDCF),
		fmt.Sprintf("%.4f", r.Cllr),
	}
}

// Render renders the table. Rows whose actual DCF exceeds the minimum
// by more than half are styled as warnings.
func (t ReportTable) Render() string {
	rows := make([][]string, len(t.Reports))
	widths := make([]int, len(reportHeader))
	for i, h := range reportHeader {
		widths[i] = lipgloss.Width(h)
	}
	for i, r := range t.Reports {
		rows[i] = reportRow(r)
		for j, c := range rows[i] {
			widths[j] = max(widths[j], lipgloss.Width(c))
		}
	}

	bc := t.Styles.Border
	inner := len(widths) - 1
	for _, w := range widths {
		inner += w + 2
	}

	cells := func(row []string, style func(string) string) string {
		parts := make([]string, len(row))
		for j, c := range row {
			pad := strings.Repeat(" ", widths[j]-lipgloss.Width(c))
			if j == 0 {
				c = c + pad // names left-aligned
			} else {
				c = pad + c
			}
			parts[j] = " " + style(c) + " "
		}
		return bc.Render("│") + strings.Join(parts, bc.Render("│")) + bc.Render("│")
	}
	rule := func(l, m, r string) string {
		segs := make([]string, len(widths))
		for j, w := range widths {
			segs[j] = strings.Repeat("─", w+2)
		}
		return bc.Render(l + strings.Join(segs, m) + r)
	}

	var lines []string
	lines = append(lines, bc.Render("╭"+strings.Repeat("─", inner)+"╮"))
	title := t.Styles.Title.Render(t.Title)
	lines = append(lines, bc.Render("│")+title+strings.Repeat(" ", max(0, inner-lipgloss.Width(title)))+bc.Render("│"))
	lines = append(lines, rule("├", "┬", "┤"))
	lines = append(lines, cells(reportHeader, func(s string) string { return t.Styles.Header.Render(s) }))
	lines = append(lines, rule("├", "┼", "┤"))
	for i, row := range rows {
		style := func(s string) string { return s }
		if r := t.Reports[i]; r.ActDCF > 1.5*r.MinDCF && r.ActDCF-r.MinDCF > 0.01 {
			style = func(s string) string { return t.Styles.Warn.Render(s) }
		}
		lines = append(lines, cells(row, style))
	}
	lines = append(lines, rule("╰", "┴", "╯"))
	lines = append(lines, t.Styles.Help.Render(fmt.Sprintf("P_target=%g C_miss=%g C_fa=%g",
		t.Params.PTarget, t.Params.CMiss, t.Params.CFA)))
	return strings.Join(lines, "\n")
}

// truncateString safely truncates a string to the given width,
// handling multi-byte characters correctly.
func truncateString(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if lipgloss.Width(s) <= width {
		return s
	}
	runes := []rune(s)
	currentWidth := 0
	for i, r := range runes {
		w := lipgloss.Width(string(r))
		if currentWidth+w > width-1 {
			return string(runes[:i]) + "…"
		}
		currentWidth += w
	}
	return s
}

package report

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/gateway-fm/chainbench/internal/monitor"
	"github.com/gateway-fm/chainbench/internal/stats"
)

var (
	colorHeader = lipgloss.Color("#7D56F4")
	colorBorder = lipgloss.Color("#767676")

	headerStyle = lipgloss.NewStyle().Foreground(colorHeader).Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(colorBorder)
)

// ResultHeaders are the columns of a round performance table.
var ResultHeaders = []string{
	"Name", "Succ", "Fail", "Send Rate", "Max Latency", "Min Latency", "Avg Latency", "Throughput",
}

// PercentileHeader is appended when delay detail is kept.
const PercentileHeader = "75%ile Latency"

// Table is a header row plus data rows.
type Table struct {
	Headers []string
	Rows    [][]string
}

// ResultTable builds the single-row performance table of a sub-round.
// A null round yields a table without data rows.
func ResultTable(s stats.RoundStatistics, percentile bool) Table {
	t := Table{Headers: append([]string(nil), ResultHeaders...)}
	if percentile {
		t.Headers = append(t.Headers, PercentileHeader)
	}
	if s.IsNull() {
		return t
	}
	t.Rows = [][]string{ResultRow(s, percentile)}
	return t
}

// ResultRow formats one sub-round's statistics.
func ResultRow(s stats.RoundStatistics, percentile bool) []string {
	if s.IsNull() {
		row := []string{s.Label, "0", "0", "N/A", "N/A", "N/A", "N/A", "N/A"}
		if percentile {
			row = append(row, "N/A")
		}
		return row
	}

	row := []string{
		s.Label,
		strconv.Itoa(s.Succ),
		strconv.Itoa(s.Fail),
		formatRate(s.SendRate()),
	}
	if avg, ok := s.AvgLatency(); ok {
		row = append(row, seconds(s.Delay.Max), seconds(s.Delay.Min), seconds(avg))
	} else {
		row = append(row, "N/A", "N/A", "N/A")
	}
	row = append(row, formatRate(s.Throughput()))
	if percentile {
		if p, ok := s.Percentile(stats.DefaultPercentile); ok {
			row = append(row, seconds(p))
		} else {
			row = append(row, "N/A")
		}
	}
	return row
}

func formatRate(r stats.Rate) string {
	switch {
	case r.NA:
		return "N/A"
	case r.Instant:
		return fmt.Sprintf("%d tps", int(r.Value))
	default:
		return fmt.Sprintf("%.1f tps", r.Value)
	}
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%.2f s", d.Seconds())
}

// FromMonitor converts a monitor table.
func FromMonitor(t monitor.Table) Table {
	return Table{Headers: t.Headers, Rows: t.Rows}
}

// Render draws t for the console.
func Render(t Table) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(t.Headers...).
		Rows(t.Rows...).
		String()
}

// Markdown draws t as a GitHub-flavored markdown table.
func Markdown(t Table) string {
	return table.New().
		Border(lipgloss.MarkdownBorder()).
		BorderTop(false).
		BorderBottom(false).
		StyleFunc(func(int, int) lipgloss.Style { return cellStyle }).
		Headers(t.Headers...).
		Rows(t.Rows...).
		String()
}

// Summary accumulates every executed sub-round into the "all test results"
// table.
type Summary struct {
	percentile bool
	rows       [][]string
}

// NewSummary creates an empty summary.
func NewSummary(percentile bool) *Summary {
	return &Summary{percentile: percentile}
}

// Add appends a non-null round.
func (s *Summary) Add(st stats.RoundStatistics) {
	if st.IsNull() {
		return
	}
	s.rows = append(s.rows, ResultRow(st, s.percentile))
}

// Len returns the number of rows.
func (s *Summary) Len() int { return len(s.rows) }

// Table returns the summary with a leading 1-based Test column.
func (s *Summary) Table() Table {
	t := ResultTable(stats.Null(""), s.percentile)
	t.Headers = append([]string{"Test"}, t.Headers...)
	for i, row := range s.rows {
		t.Rows = append(t.Rows, append([]string{strconv.Itoa(i + 1)}, row...))
	}
	return t
}

// Package report renders round results for the console and writes the
// markdown report of a run.
package report

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileName returns the report file name for a run finished at t.
func FileName(t time.Time) string {
	return "report-" + t.Format("20060102T150405") + ".md"
}

type keyValue struct {
	Key   string
	Value string
}

type round struct {
	Label       string
	Index       int // 1-based within the label
	Performance Table
	Resources   []titled
}

type titled struct {
	Title string
	Table Table
}

// Report collects run metadata and per-round tables.
type Report struct {
	mu            sync.Mutex
	metadata      []keyValue
	sut           []keyValue
	benchmarkInfo string
	labels        []keyValue
	rounds        []round
	summary       *Table
}

// New creates an empty report.
func New() *Report {
	return &Report{}
}

// AddMetadata appends a metadata entry. Entries keep insertion order.
func (r *Report) AddMetadata(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata = append(r.metadata, keyValue{Key: key, Value: fmt.Sprint(value)})
}

// AddSUTInfo records a property of the system under test.
func (r *Report) AddSUTInfo(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sut = append(r.sut, keyValue{Key: key, Value: fmt.Sprint(value)})
}

// SetSUTInfo records every entry of info in key order.
func (r *Report) SetSUTInfo(info map[string]any) {
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		r.AddSUTInfo(k, info[k])
	}
}

// SetBenchmarkInfo stores the benchmark configuration dump.
func (r *Report) SetBenchmarkInfo(info string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.benchmarkInfo = info
}

// AddLabelDescription describes a round label. The first description of a
// label wins.
func (r *Report) AddLabelDescription(label, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, kv := range r.labels {
		if kv.Key == label {
			return
		}
	}
	r.labels = append(r.labels, keyValue{Key: label, Value: description})
}

// AddRound records a sub-round's performance table and returns its 1-based
// index among rounds with the same label.
func (r *Report) AddRound(label string, performance Table) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := 1
	for _, rd := range r.rounds {
		if rd.Label == label {
			idx++
		}
	}
	r.rounds = append(r.rounds, round{Label: label, Index: idx, Performance: performance})
	return idx
}

// SetRoundResources attaches resource tables to a recorded round.
func (r *Report) SetRoundResources(label string, idx int, title string, t Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.rounds {
		if r.rounds[i].Label == label && r.rounds[i].Index == idx {
			r.rounds[i].Resources = append(r.rounds[i].Resources, titled{Title: title, Table: t})
			return
		}
	}
}

// SetSummary stores the "all test results" table.
func (r *Report) SetSummary(t Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary = &t
}

// Rounds returns the number of recorded rounds.
func (r *Report) Rounds() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rounds)
}

// WriteMarkdown renders the report.
func (r *Report) WriteMarkdown(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	bw := bufio.NewWriter(w)
	p := func(format string, args ...any) { fmt.Fprintf(bw, format, args...) }

	p("# Benchmark Report\n\n")
	if len(r.metadata) > 0 {
		p("## Metadata\n\n")
		for _, kv := range r.metadata {
			p("- **%s**: %s\n", kv.Key, kv.Value)
		}
		p("\n")
	}

	if r.summary != nil {
		p("## Summary\n\n%s\n\n", Markdown(*r.summary))
	}

	// Rounds grouped by label, labels in first-seen order.
	var order []string
	seen := make(map[string]bool)
	for _, rd := range r.rounds {
		if !seen[rd.Label] {
			seen[rd.Label] = true
			order = append(order, rd.Label)
		}
	}
	for _, label := range order {
		p("## %s\n\n", label)
		if desc := r.labelDescription(label); desc != "" {
			p("%s\n\n", desc)
		}
		for _, rd := range r.rounds {
			if rd.Label != label {
				continue
			}
			p("### Round %d\n\n", rd.Index)
			if len(rd.Performance.Rows) == 0 {
				p("No transaction outcome was recorded.\n\n")
			} else {
				p("%s\n\n", Markdown(rd.Performance))
			}
			for _, res := range rd.Resources {
				p("#### %s\n\n%s\n\n", res.Title, Markdown(res.Table))
			}
		}
	}

	if len(r.sut) > 0 {
		p("## System Under Test\n\n")
		for _, kv := range r.sut {
			p("- **%s**: %s\n", kv.Key, kv.Value)
		}
		p("\n")
	}

	if r.benchmarkInfo != "" {
		p("## Benchmark Configuration\n\n```yaml\n%s\n```\n", strings.TrimRight(r.benchmarkInfo, "\n"))
	}
	return bw.Flush()
}

func (r *Report) labelDescription(label string) string {
	for _, kv := range r.labels {
		if kv.Key == label {
			return kv.Value
		}
	}
	return ""
}

// Generate writes the report into dir under FileName(now) and returns the
// file path.
func (r *Report) Generate(dir string, now time.Time) (string, error) {
	if dir == "" {
		dir = "."
	}
	path := filepath.Join(dir, FileName(now))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create report: %w", err)
	}
	if err := r.WriteMarkdown(f); err != nil {
		f.Close()
		return "", fmt.Errorf("write report: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close report: %w", err)
	}
	return path, nil
}

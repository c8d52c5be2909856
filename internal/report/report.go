// Package report renders the freshness report for operators as an aligned
// table, CSV, JSON, or an XLSX workbook.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/planfinder/internal/model"
	"github.com/sells-group/planfinder/internal/orchestrator"
)

// Format is an output encoding.
type Format string

const (
	FormatTable Format = "table"
	FormatCSV   Format = "csv"
	FormatJSON  Format = "json"
	FormatXLSX  Format = "xlsx"
)

// ParseFormat normalizes s. Empty means table.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case "":
		return FormatTable, nil
	case FormatTable, FormatCSV, FormatJSON, FormatXLSX:
		return f, nil
	}
	return "", eris.Errorf("report: unknown format %q", s)
}

var header = []string{
	"plan_id", "state", "age", "confidence", "source",
	"failures", "next_eligible", "exhausted", "last_error",
}

// states is the summary order.
var states = []model.FreshnessState{
	model.StateFresh, model.StateStale, model.StateRefreshing, model.StateFailed,
}

// Write renders rep to w in format f, ordered by plan id.
func Write(w io.Writer, rep orchestrator.FreshnessReport, f Format) error {
	switch f {
	case FormatTable, "":
		return writeTable(w, rep)
	case FormatCSV:
		return writeCSV(w, rep)
	case FormatJSON:
		return writeJSON(w, rep)
	case FormatXLSX:
		return writeXLSX(w, rep)
	}
	return eris.Errorf("report: unknown format %q", f)
}

func row(e orchestrator.FreshnessEntry) []string {
	next := ""
	if !e.NextEligibleAt.IsZero() {
		next = e.NextEligibleAt.UTC().Format(time.RFC3339)
	}
	return []string{
		e.PlanID,
		string(e.State),
		e.Age.Round(time.Second).String(),
		strconv.FormatFloat(e.Confidence, 'f', 3, 64),
		string(e.LastSource),
		strconv.Itoa(e.ConsecutiveFailures),
		next,
		strconv.FormatBool(e.Exhausted),
		e.LastError,
	}
}

func writeTable(w io.Writer, rep orchestrator.FreshnessReport) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, strings.ToUpper(strings.Join(header, "\t")))
	for _, id := range rep.IDs() {
		r := row(rep[id])
		r[8] = truncate(r[8], 60)
		_, _ = fmt.Fprintln(tw, strings.Join(r, "\t"))
	}
	_, _ = fmt.Fprintln(tw)

	counts := rep.Counts()
	for _, s := range states {
		_, _ = fmt.Fprintf(tw, "%s:\t%d\n", s, counts[s])
	}
	_, _ = fmt.Fprintf(tw, "total:\t%d\n", len(rep))
	return tw.Flush()
}

func writeCSV(w io.Writer, rep orchestrator.FreshnessReport) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return eris.Wrap(err, "report: csv header")
	}
	for _, id := range rep.IDs() {
		if err := cw.Write(row(rep[id])); err != nil {
			return eris.Wrapf(err, "report: csv row %s", id)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return eris.Wrap(err, "report: csv flush")
	}
	return nil
}

func writeJSON(w io.Writer, rep orchestrator.FreshnessReport) error {
	entries := make([]orchestrator.FreshnessEntry, 0, len(rep))
	for _, id := range rep.IDs() {
		entries = append(entries, rep[id])
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	err := enc.Encode(map[string]any{
		"plans":  entries,
		"counts": rep.Counts(),
	})
	if err != nil {
		return eris.Wrap(err, "report: encode json")
	}
	return nil
}

func writeXLSX(w io.Writer, rep orchestrator.FreshnessReport) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("freshness")
	if err != nil {
		return eris.Wrap(err, "report: add freshness sheet")
	}
	addRow(sheet, header)
	for _, id := range rep.IDs() {
		e := rep[id]
		r := sheet.AddRow()
		r.AddCell().SetString(e.PlanID)
		r.AddCell().SetString(string(e.State))
		r.AddCell().SetFloat(e.Age.Seconds())
		r.AddCell().SetFloat(e.Confidence)
		r.AddCell().SetString(string(e.LastSource))
		r.AddCell().SetInt(e.ConsecutiveFailures)
		if e.NextEligibleAt.IsZero() {
			r.AddCell().SetString("")
		} else {
			r.AddCell().SetDateTime(e.NextEligibleAt.UTC())
		}
		r.AddCell().SetBool(e.Exhausted)
		r.AddCell().SetString(e.LastError)
	}

	summary, err := f.AddSheet("summary")
	if err != nil {
		return eris.Wrap(err, "report: add summary sheet")
	}
	addRow(summary, []string{"state", "plans"})
	counts := rep.Counts()
	for _, s := range states {
		r := summary.AddRow()
		r.AddCell().SetString(string(s))
		r.AddCell().SetInt(counts[s])
	}

	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "report: write xlsx")
	}
	return nil
}

func addRow(sheet *xlsx.Sheet, cells []string) {
	r := sheet.AddRow()
	for _, c := range cells {
		r.AddCell().SetString(c)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

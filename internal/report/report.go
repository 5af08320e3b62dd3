// Package report renders a reconciliation report as JSON, YAML, CSV or a short
// human-readable summary.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/vaintrub/azdo-roster/models"
)

// Format is an output format.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatCSV  Format = "csv"
	FormatText Format = "text"
)

// ParseFormat accepts json, yaml/yml, csv and text in any case.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "csv":
		return FormatCSV, nil
	case "text", "txt", "":
		return FormatText, nil
	default:
		return "", fmt.Errorf("unknown report format %q: use json, yaml, csv or text", s)
	}
}

// Row is one directive outcome, flattened for output.
type Row struct {
	Email     string    `json:"email" yaml:"email"`
	Team      string    `json:"team" yaml:"team"`
	Role      string    `json:"role" yaml:"role"`
	Action    string    `json:"action" yaml:"action"`
	License   string    `json:"license,omitempty" yaml:"license,omitempty"`
	Status    string    `json:"status" yaml:"status"`
	Detail    string    `json:"detail,omitempty" yaml:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// TeamSummary counts outcomes for one team name.
type TeamSummary struct {
	Team      string `json:"team" yaml:"team"`
	Succeeded int    `json:"succeeded" yaml:"succeeded"`
	Failed    int    `json:"failed" yaml:"failed"`
	Errored   int    `json:"errored" yaml:"errored"`
}

// Totals mirrors models.Totals with YAML names.
type Totals struct {
	Total       int     `json:"total" yaml:"total"`
	Succeeded   int     `json:"succeeded" yaml:"succeeded"`
	Failed      int     `json:"failed" yaml:"failed"`
	Errored     int     `json:"errored" yaml:"errored"`
	SuccessRate float64 `json:"successRate" yaml:"successRate"`
}

// Invitations summarizes organization invitations of the run.
type Invitations struct {
	Invited          int `json:"invited" yaml:"invited"`
	PendingProcessed int `json:"pendingProcessed" yaml:"pendingProcessed"`
	PendingRemaining int `json:"pendingRemaining" yaml:"pendingRemaining"`
}

// Document is the serialized form of a report.
type Document struct {
	RunID       string        `json:"runId" yaml:"runId"`
	StartedAt   time.Time     `json:"startedAt" yaml:"startedAt"`
	FinishedAt  time.Time     `json:"finishedAt" yaml:"finishedAt"`
	Duration    string        `json:"duration" yaml:"duration"`
	Cancelled   bool          `json:"cancelled" yaml:"cancelled"`
	Totals      Totals        `json:"totals" yaml:"totals"`
	Invitations Invitations   `json:"invitations" yaml:"invitations"`
	Teams       []TeamSummary `json:"teams" yaml:"teams"`
	Outcomes    []Row         `json:"outcomes" yaml:"outcomes"`
}

// NewDocument flattens a report.
func NewDocument(r *models.Report) Document {
	t := r.Totals()
	doc := Document{
		RunID:      r.RunID,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Duration:   r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
		Cancelled:  r.Cancelled,
		Totals: Totals{
			Total:       t.Total,
			Succeeded:   t.Succeeded,
			Failed:      t.Failed,
			Errored:     t.Errored,
			SuccessRate: t.Rate,
		},
		Invitations: Invitations{
			Invited:          r.Invited,
			PendingProcessed: r.PendingProcessed,
			PendingRemaining: r.PendingRemaining,
		},
		Teams:    Teams(r),
		Outcomes: make([]Row, 0, len(r.Outcomes)),
	}
	for _, o := range r.Outcomes {
		doc.Outcomes = append(doc.Outcomes, rowOf(o))
	}
	return doc
}

func rowOf(o models.OperationOutcome) Row {
	return Row{
		Email:     o.Directive.UserEmail,
		Team:      o.Directive.TeamName,
		Role:      o.Directive.Role.String(),
		Action:    string(o.Directive.Action),
		License:   string(o.Directive.License),
		Status:    string(o.Status),
		Detail:    o.Detail,
		Timestamp: o.Timestamp,
	}
}

// Teams returns the per-team status counts sorted by team name.
func Teams(r *models.Report) []TeamSummary {
	byTeam := r.TeamSummary()
	out := make([]TeamSummary, 0, len(byTeam))
	for team, counts := range byTeam {
		out = append(out, TeamSummary{
			Team:      team,
			Succeeded: counts[models.StatusSuccess],
			Failed:    counts[models.StatusFailed],
			Errored:   counts[models.StatusError],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Team < out[j].Team })
	return out
}

// Write renders r to w in the given format.
func Write(w io.Writer, r *models.Report, format Format) error {
	switch format {
	case FormatJSON:
		return WriteJSON(w, r)
	case FormatYAML:
		return WriteYAML(w, r)
	case FormatCSV:
		return WriteCSV(w, r)
	case FormatText:
		return WriteSummary(w, r)
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}

// WriteJSON writes the report document as indented JSON.
func WriteJSON(w io.Writer, r *models.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(NewDocument(r))
}

// WriteYAML writes the report document as YAML.
func WriteYAML(w io.Writer, r *models.Report) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(NewDocument(r)); err != nil {
		return err
	}
	return enc.Close()
}

// CSVHeader is the header row written by WriteCSV.
var CSVHeader = []string{"User Email", "Team Name", "Role", "Action", "License Type", "Status", "Detail", "Timestamp"}

// WriteCSV writes one row per outcome.
func WriteCSV(w io.Writer, r *models.Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, o := range r.Outcomes {
		row := rowOf(o)
		if err := cw.Write([]string{
			row.Email, row.Team, row.Role, row.Action, row.License, row.Status, row.Detail,
			row.Timestamp.UTC().Format(time.RFC3339),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteSummary writes totals, invitation counts and the per-team table.
func WriteSummary(w io.Writer, r *models.Report) error {
	p := message.NewPrinter(language.English)
	doc := NewDocument(r)
	t := doc.Totals

	var b strings.Builder
	p.Fprintf(&b, "Run %s finished in %s\n", doc.RunID, doc.Duration)
	if doc.Cancelled {
		b.WriteString("Run was cancelled before every directive was processed.\n")
	}
	p.Fprintf(&b, "Directives: %d  succeeded: %d  failed: %d  errored: %d  success rate: %.2f%%\n",
		t.Total, t.Succeeded, t.Failed, t.Errored, t.SuccessRate)
	p.Fprintf(&b, "Invitations: %d sent, %d confirmed, %d still pending\n",
		doc.Invitations.Invited, doc.Invitations.PendingProcessed, doc.Invitations.PendingRemaining)

	if len(doc.Teams) > 0 {
		b.WriteString("\nTeams:\n")
		for _, ts := range doc.Teams {
			name := ts.Team
			if name == "" {
				name = "(none)"
			}
			p.Fprintf(&b, "  %-30s %d ok, %d failed, %d errors\n", name, ts.Succeeded, ts.Failed, ts.Errored)
		}
	}

	var problems []Row
	for _, row := range doc.Outcomes {
		if row.Status != string(models.StatusSuccess) {
			problems = append(problems, row)
		}
	}
	if len(problems) > 0 {
		b.WriteString("\nProblems:\n")
		for _, row := range problems {
			fmt.Fprintf(&b, "  [%s] %s %s -> %s: %s\n", row.Status, row.Action, row.Email, row.Team, row.Detail)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

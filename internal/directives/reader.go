// Package directives reads directive sheets (CSV or YAML) into models.Directive
// values and writes sample templates.
package directives

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vaintrub/azdo-roster/models"
)

// Column headers. Matching is case-insensitive and ignores surrounding spaces.
const (
	ColumnEmail   = "User Email"
	ColumnAction  = "Action"
	ColumnTeam    = "Team Name"
	ColumnRole    = "Role"
	ColumnLicense = "License Type"
)

// ErrInvalidSheet is matched by every error caused by sheet content.
var ErrInvalidSheet = errors.New("invalid directive sheet")

// RowError describes one rejected row. Row is the 1-based line in the source,
// counting the CSV header.
type RowError struct {
	Row     int
	Field   string
	Message string
}

func (e RowError) String() string {
	return fmt.Sprintf("row %d: %s: %s", e.Row, e.Field, e.Message)
}

// SheetError collects every problem found in a sheet.
type SheetError struct {
	Missing []string // required columns absent from the header
	Rows    []RowError
}

// Error implements the error interface.
func (e *SheetError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing columns: "+strings.Join(e.Missing, ", "))
	}
	for _, r := range e.Rows {
		parts = append(parts, r.String())
	}
	return "invalid directive sheet: " + strings.Join(parts, "; ")
}

// Is matches ErrInvalidSheet.
func (e *SheetError) Is(target error) bool {
	return target == ErrInvalidSheet
}

// Options control how rows become directives.
type Options struct {
	// DefaultLicense applies to rows without a License Type.
	DefaultLicense models.License
}

// record is one row before validation.
type record struct {
	row     int
	email   string
	action  string
	team    string
	role    string
	license string
}

func (r record) blank() bool {
	return r.email == "" && r.action == ""
}

// directive validates a record. A missing team is not rejected here; the reconciler
// reports it as an Error outcome.
func (r record) directive(opts Options) (models.Directive, []RowError) {
	var errs []RowError
	if r.email == "" {
		errs = append(errs, RowError{Row: r.row, Field: ColumnEmail, Message: "cannot be empty"})
	} else if !strings.Contains(r.email, "@") {
		errs = append(errs, RowError{Row: r.row, Field: ColumnEmail, Message: fmt.Sprintf("invalid email %q", r.email)})
	}

	action, err := models.ParseAction(r.action)
	if err != nil {
		errs = append(errs, RowError{Row: r.row, Field: ColumnAction, Message: fmt.Sprintf("%q must be Add or Remove", r.action)})
	}

	license := models.ParseLicense(r.license, "")
	if license == "" {
		if r.license != "" {
			errs = append(errs, RowError{Row: r.row, Field: ColumnLicense, Message: fmt.Sprintf("unknown license %q", r.license)})
		}
		license = opts.DefaultLicense
	}

	return models.Directive{
		UserEmail: r.email,
		TeamName:  r.team,
		Role:      models.ParseRole(r.role),
		Action:    action,
		License:   license,
	}, errs
}

func build(records []record, opts Options) ([]models.Directive, error) {
	var out []models.Directive
	sheetErr := &SheetError{}
	for _, r := range records {
		if r.blank() {
			continue
		}
		d, errs := r.directive(opts)
		if len(errs) > 0 {
			sheetErr.Rows = append(sheetErr.Rows, errs...)
			continue
		}
		out = append(out, d)
	}
	if len(sheetErr.Rows) > 0 {
		return nil, sheetErr
	}
	return out, nil
}

// ReadCSV reads a directive sheet with a header row. Rows with an invalid email,
// action or license are all reported together in a *SheetError.
func ReadCSV(r io.Reader, opts Options) ([]models.Directive, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, &SheetError{Missing: []string{ColumnEmail, ColumnAction}}
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimPrefix(h, "\ufeff")
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	col := func(name string) int {
		if i, ok := index[strings.ToLower(name)]; ok {
			return i
		}
		return -1
	}

	var missing []string
	for _, c := range []string{ColumnEmail, ColumnAction} {
		if col(c) < 0 {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, &SheetError{Missing: missing}
	}

	field := func(row []string, name string) string {
		i := col(name)
		if i < 0 || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var records []record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", line, err)
		}
		records = append(records, record{
			row:     line,
			email:   field(row, ColumnEmail),
			action:  field(row, ColumnAction),
			team:    field(row, ColumnTeam),
			role:    field(row, ColumnRole),
			license: field(row, ColumnLicense),
		})
	}
	return build(records, opts)
}

// yamlEntry is one directive in a YAML sheet.
type yamlEntry struct {
	Email   string `yaml:"email"`
	Team    string `yaml:"team"`
	Role    string `yaml:"role"`
	Action  string `yaml:"action"`
	License string `yaml:"license"`
}

// ReadYAML reads a document of the form
//
//	directives:
//	  - email: alice@example.com
//	    team: Dev Team
//	    role: Contributor
//	    action: add
//
// Row numbers in errors are the line of each entry.
func ReadYAML(r io.Reader, opts Options) ([]models.Directive, error) {
	var doc struct {
		Directives []yaml.Node `yaml:"directives"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidSheet, err)
	}

	records := make([]record, 0, len(doc.Directives))
	for _, n := range doc.Directives {
		var e yamlEntry
		if err := n.Decode(&e); err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", ErrInvalidSheet, n.Line, err)
		}
		records = append(records, record{
			row:     n.Line,
			email:   strings.TrimSpace(e.Email),
			action:  strings.TrimSpace(e.Action),
			team:    strings.TrimSpace(e.Team),
			role:    strings.TrimSpace(e.Role),
			license: strings.TrimSpace(e.License),
		})
	}
	return build(records, opts)
}

// ReadFile picks the reader from the file extension: .csv, .yaml or .yml.
func ReadFile(path string, opts Options) ([]models.Directive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return ReadCSV(f, opts)
	case ".yaml", ".yml":
		return ReadYAML(f, opts)
	default:
		return nil, fmt.Errorf("unsupported directive file %q: use .csv, .yaml or .yml", path)
	}
}

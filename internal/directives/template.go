package directives

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is a directive sheet format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts csv, yaml and yml in any case.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "csv":
		return FormatCSV, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown format %q: use csv or yaml", s)
	}
}

var sampleRows = []yamlEntry{
	{Email: "user1@company.com", Action: "add", Team: "Development Team", Role: "Contributor", License: "stakeholder"},
	{Email: "user2@company.com", Action: "add", Team: "Marketing Team", Role: "Reader", License: "basic"},
	{Email: "user3@company.com", Action: "add", Team: "Finance Team", Role: "Member", License: "stakeholder"},
	{Email: "user4@company.com", Action: "add", Team: "HR Team", Role: "Admin", License: "basic"},
	{Email: "user5@company.com", Action: "remove", Team: "Development Team", Role: "Member", License: "stakeholder"},
}

// WriteTemplate writes a sample sheet that ReadCSV or ReadYAML accepts.
func WriteTemplate(w io.Writer, format Format) error {
	switch format {
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{ColumnEmail, ColumnAction, ColumnTeam, ColumnRole, ColumnLicense}); err != nil {
			return err
		}
		for _, r := range sampleRows {
			if err := cw.Write([]string{r.Email, r.Action, r.Team, r.Role, r.License}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(map[string][]yamlEntry{"directives": sampleRows}); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

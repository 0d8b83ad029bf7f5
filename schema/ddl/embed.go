// Package ddl holds the schema of the events table for each SQL backend.
package ddl

import (
	_ "embed"
	"strings"
)

//go:embed postgres.sql
var Postgres string

//go:embed sqlite.sql
var SQLite string

// Spanner is applied one statement at a time through the database admin API.
//
//go:embed spanner.sql
var Spanner string

// Statements splits a script into its individual statements.
func Statements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

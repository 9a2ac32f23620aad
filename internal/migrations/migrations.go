package migrations

import (
	_ "embed"
)

//go:embed schema.sql
var initialSchema string

// InitialSchema returns the idempotent database schema. It is embedded in
// the binary so the application is relocatable.
func InitialSchema() string {
	return initialSchema
}

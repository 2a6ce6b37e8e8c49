// Package db provides the embedded registry schema.
package db

import _ "embed"

// Schema contains the DDL for the api_clients table. It is idempotent.
//
//go:embed migrations/001_schema.sql
var Schema string

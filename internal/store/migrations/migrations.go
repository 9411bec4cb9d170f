// Package migrations embeds the ordered SQL migration set applied to the
// embedded store on startup. Unlike the teacher's hand-rolled embed.FS
// runner (which re-applies every *.sql file on every boot, relying only on
// IF NOT EXISTS guards), this uses golang-migrate so that each step records
// itself in a schema_migrations table and runs at most once, per §9's
// "each migration is idempotent and records itself in a migrations table."
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

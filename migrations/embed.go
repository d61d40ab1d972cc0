// Package migrations embeds the reference schema the updater runs against:
// the messages table, the fts_update_log change log, and the triggers that
// populate and NOTIFY it. Production schemas are owned elsewhere; this copy
// backs integration tests and local development databases.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Package migrations embeds the SQL migration files so the bizpulse binary
// carries its own schema management without shipping files alongside it.
package migrations

import "embed"

// FS holds the numbered up/down migration pairs consumed through the iofs
// source driver.
//
//go:embed *.sql
var FS embed.FS

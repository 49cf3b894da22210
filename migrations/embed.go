// Package migrations предоставляет встроенные SQL-миграции схемы чата.
package migrations

import "embed"

// Files содержит пары NNN_name.up.sql / NNN_name.down.sql в формате golang-migrate.
//
//go:embed *.sql
var Files embed.FS

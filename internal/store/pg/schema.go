package pg

import (
	"embed"
	"io/fs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

//go:embed seeds/*.sql
var seedFiles embed.FS

// Migrations returns the schema migrations for the identity tables.
func Migrations() fs.FS {
	sub, _ := fs.Sub(migrationFiles, "migrations")
	return sub
}

// Seeds returns development fixtures.
func Seeds() fs.FS {
	sub, _ := fs.Sub(seedFiles, "seeds")
	return sub
}

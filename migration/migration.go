// This package defines the migration type consumed by the internal database migrator.
package migration

import "database/sql"

type Migration struct {
	Name string
	Func func(tx *sql.Tx) error
}

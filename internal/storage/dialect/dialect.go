// Package dialect provides database dialect abstractions for multi-database support.
package dialect

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect represents a SQL database dialect.
type Dialect interface {
	// Name returns the dialect name (e.g., "sqlite", "postgres", "mysql")
	Name() string

	// DriverName returns the database/sql driver name to use
	DriverName() string

	// Rebind converts ? placeholders to the dialect's format.
	// For example, PostgreSQL uses $1, $2, etc.
	Rebind(query string) string

	// AutoIncrementClause returns the clause for auto-increment primary keys
	AutoIncrementClause() string

	// KeyType returns the SQL type for indexed string keys such as session ids
	KeyType() string

	// TextType returns the SQL type for JSON snapshot columns
	TextType() string

	// UpsertClause returns the ON CONFLICT/ON DUPLICATE KEY clause for upserts
	UpsertClause(conflictColumn string, updateColumns []string) string

	// PragmaStatements returns dialect-specific initialization statements (e.g., PRAGMA for SQLite)
	PragmaStatements() []string

	// MaxOpenConns returns the connection pool ceiling, 0 meaning unlimited.
	// SQLite serializes writers, so a single connection keeps conditional
	// writes from failing with SQLITE_BUSY.
	MaxOpenConns() int
}

// DialectType represents supported database types
type DialectType string

const (
	SQLite   DialectType = "sqlite"
	Postgres DialectType = "postgres"
	MySQL    DialectType = "mysql"
)

// New creates a new Dialect based on the dialect type
func New(dialectType DialectType) (Dialect, error) {
	switch dialectType {
	case SQLite:
		return sqliteDialect, nil
	case Postgres:
		return postgresDialect, nil
	case MySQL:
		return mysqlDialect, nil
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialectType)
	}
}

// FromDriverName returns the dialect for a given driver name
func FromDriverName(driverName string) (Dialect, error) {
	switch strings.ToLower(driverName) {
	case "sqlite", "sqlite3":
		return sqliteDialect, nil
	case "postgres", "pgx":
		return postgresDialect, nil
	case "mysql":
		return mysqlDialect, nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driverName)
	}
}

// dialect is a table-driven Dialect. Each supported database is one value.
type dialect struct {
	name     string
	driver   string
	numbered bool
	autoInc  string
	keyType  string
	textType string
	pragmas  []string
	maxOpen  int
	upsert   func(conflictColumn string, updateColumns []string) string
}

var sqliteDialect = &dialect{
	name:     "sqlite",
	driver:   "sqlite",
	autoInc:  "INTEGER PRIMARY KEY AUTOINCREMENT",
	keyType:  "TEXT",
	textType: "TEXT",
	pragmas: []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	},
	maxOpen: 1,
	upsert: func(conflictColumn string, updateColumns []string) string {
		return onConflict(conflictColumn, updateColumns, "%s=excluded.%s")
	},
}

var postgresDialect = &dialect{
	name:     "postgres",
	driver:   "pgx",
	numbered: true,
	autoInc:  "BIGSERIAL PRIMARY KEY",
	keyType:  "TEXT",
	textType: "TEXT",
	upsert: func(conflictColumn string, updateColumns []string) string {
		return onConflict(conflictColumn, updateColumns, "%s = EXCLUDED.%s")
	},
}

var mysqlDialect = &dialect{
	name:     "mysql",
	driver:   "mysql",
	autoInc:  "BIGINT AUTO_INCREMENT PRIMARY KEY",
	keyType:  "VARCHAR(191)",
	textType: "LONGTEXT",
	upsert: func(conflictColumn string, updateColumns []string) string {
		if len(updateColumns) == 0 {
			return fmt.Sprintf("ON DUPLICATE KEY UPDATE %s = %s", conflictColumn, conflictColumn)
		}
		updates := make([]string, len(updateColumns))
		for i, col := range updateColumns {
			updates[i] = fmt.Sprintf("%s = VALUES(%s)", col, col)
		}
		return "ON DUPLICATE KEY UPDATE " + strings.Join(updates, ", ")
	},
}

func (d *dialect) Name() string                { return d.name }
func (d *dialect) DriverName() string          { return d.driver }
func (d *dialect) AutoIncrementClause() string { return d.autoInc }
func (d *dialect) KeyType() string             { return d.keyType }
func (d *dialect) TextType() string            { return d.textType }
func (d *dialect) PragmaStatements() []string  { return d.pragmas }
func (d *dialect) MaxOpenConns() int           { return d.maxOpen }

func (d *dialect) UpsertClause(conflictColumn string, updateColumns []string) string {
	return d.upsert(conflictColumn, updateColumns)
}

func (d *dialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}
	// Convert ? placeholders to $1, $2, etc.
	var result strings.Builder
	idx := 1
	for _, ch := range query {
		if ch == '?' {
			result.WriteByte('$')
			result.WriteString(strconv.Itoa(idx))
			idx++
		} else {
			result.WriteRune(ch)
		}
	}
	return result.String()
}

func onConflict(conflictColumn string, updateColumns []string, assign string) string {
	if len(updateColumns) == 0 {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", conflictColumn)
	}
	updates := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		updates[i] = fmt.Sprintf(assign, col, col)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", conflictColumn, strings.Join(updates, ", "))
}

package dialect

import (
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		dialectType DialectType
		wantName    string
		wantErr     bool
	}{
		{"sqlite", SQLite, "sqlite", false},
		{"postgres", Postgres, "postgres", false},
		{"mysql", MySQL, "mysql", false},
		{"unknown", DialectType("unknown"), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.dialectType)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err == nil && d.Name() != tt.wantName {
				t.Errorf("Name() = %v, want %v", d.Name(), tt.wantName)
			}
		})
	}
}

func TestFromDriverName(t *testing.T) {
	tests := []struct {
		driverName string
		wantName   string
		wantErr    bool
	}{
		{"sqlite", "sqlite", false},
		{"sqlite3", "sqlite", false},
		{"postgres", "postgres", false},
		{"pgx", "postgres", false},
		{"mysql", "mysql", false},
		{"unknown", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.driverName, func(t *testing.T) {
			d, err := FromDriverName(tt.driverName)
			if (err != nil) != tt.wantErr {
				t.Errorf("FromDriverName() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err == nil && d.Name() != tt.wantName {
				t.Errorf("Name() = %v, want %v", d.Name(), tt.wantName)
			}
		})
	}
}

func TestRebind(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		query   string
		want    string
	}{
		{"sqlite", sqliteDialect, "UPDATE sessions SET status = ? WHERE id = ?", "UPDATE sessions SET status = ? WHERE id = ?"},
		{"mysql", mysqlDialect, "UPDATE sessions SET status = ? WHERE id = ?", "UPDATE sessions SET status = ? WHERE id = ?"},
		{"postgres single", postgresDialect, "SELECT * FROM sessions WHERE id = ?", "SELECT * FROM sessions WHERE id = $1"},
		{"postgres multiple", postgresDialect, "UPDATE sessions SET status = ? WHERE id = ? AND revision = ?", "UPDATE sessions SET status = $1 WHERE id = $2 AND revision = $3"},
		{"postgres no placeholders", postgresDialect, "SELECT * FROM sessions", "SELECT * FROM sessions"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.dialect.Rebind(tt.query); got != tt.want {
				t.Errorf("Rebind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUpsertClause(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		columns []string
		want    string
	}{
		{"sqlite no updates", sqliteDialect, nil, "ON CONFLICT (session_id) DO NOTHING"},
		{"sqlite", sqliteDialect, []string{"status", "attempts"}, "ON CONFLICT (session_id) DO UPDATE SET status=excluded.status, attempts=excluded.attempts"},
		{"postgres no updates", postgresDialect, nil, "ON CONFLICT (session_id) DO NOTHING"},
		{"postgres", postgresDialect, []string{"status", "attempts"}, "ON CONFLICT (session_id) DO UPDATE SET status = EXCLUDED.status, attempts = EXCLUDED.attempts"},
		{"mysql no updates", mysqlDialect, nil, "ON DUPLICATE KEY UPDATE session_id = session_id"},
		{"mysql", mysqlDialect, []string{"status", "attempts"}, "ON DUPLICATE KEY UPDATE status = VALUES(status), attempts = VALUES(attempts)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.dialect.UpsertClause("session_id", tt.columns); got != tt.want {
				t.Errorf("UpsertClause() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDialect_Types(t *testing.T) {
	tests := []struct {
		name     string
		dialect  Dialect
		keyType  string
		textType string
		maxOpen  int
	}{
		{"sqlite", sqliteDialect, "TEXT", "TEXT", 1},
		{"postgres", postgresDialect, "TEXT", "TEXT", 0},
		{"mysql", mysqlDialect, "VARCHAR(191)", "LONGTEXT", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.dialect.KeyType(); got != tt.keyType {
				t.Errorf("KeyType() = %v, want %v", got, tt.keyType)
			}
			if got := tt.dialect.TextType(); got != tt.textType {
				t.Errorf("TextType() = %v, want %v", got, tt.textType)
			}
			if got := tt.dialect.MaxOpenConns(); got != tt.maxOpen {
				t.Errorf("MaxOpenConns() = %v, want %v", got, tt.maxOpen)
			}
		})
	}
}

func TestDialect_PragmaStatements(t *testing.T) {
	if len(sqliteDialect.PragmaStatements()) == 0 {
		t.Error("SQLite should have pragma statements")
	}
	if postgresDialect.PragmaStatements() != nil {
		t.Error("PostgreSQL should not have pragma statements")
	}
	if mysqlDialect.PragmaStatements() != nil {
		t.Error("MySQL should not have pragma statements")
	}
}

// Package dialect names the supported SQL drivers and the small
// portability shims the repository layer needs across them.
package dialect

// Driver names as registered with database/sql.
const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres reports whether the driver speaks PostgreSQL syntax.
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BoolToInt renders a bool for storage; SQLite has no native boolean and
// the schema uses INTEGER columns on both backends.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

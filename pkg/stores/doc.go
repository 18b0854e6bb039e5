// Package stores provides the SQLite sample store used by every Auri phase.
// It runs with WAL mode and embedded migrations, and it doubles as the work queue
// of the analysis phases through an identifier-ordered polling cursor.
package stores

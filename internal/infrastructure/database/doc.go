// Package database provides the SQLite store used for roast logs.
//
// It owns the connection lifecycle and a small forward-only migration runner.
// Migration files are embedded by the migrations package and follow the
// naming scheme YYYYMMDD_HHMMSS_description.{up,down}.sql.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// All queries use parameterised statements. The database file is created
// with 0600 permissions.
package database

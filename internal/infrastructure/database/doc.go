// Package database provides SQLite connectivity for the Souliss bridge.
//
// The database remembers what the bridge learns from its gateways so a
// restart does not have to wait for a full typical and state refresh
// before commands can be validated:
//   - gateways and their node counts
//   - the typical of every slot
//   - the last raw state of every typical
//   - node health and action message topic values
//
// WAL mode allows concurrent reads during writes and the busy timeout
// avoids lock contention errors. The database file is created 0600.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migrations are additive-only: new columns must be NULLABLE or carry
// a DEFAULT, and every .up.sql file has a matching .down.sql.
package database

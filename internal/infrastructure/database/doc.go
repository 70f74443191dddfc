// Package database owns the bridge's SQLite file.
//
// It provides the connection wrapper (WAL mode, busy timeout, single
// writer), embedded schema migrations, and BlobStore: the namespaced
// key/value store the lamp registry and mesh session persist into.
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil { ... }
//	if err := db.Migrate(ctx); err != nil { ... }
//	store := database.NewBlobStore(db)
//	raw, err := store.Load(ctx, "lamps", "lamp_list")
package database

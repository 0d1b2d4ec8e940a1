package repos

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"certgate/internal/validate"
)

// OpenDB connects to the metadata database and makes sure the product
// collection table exists. driver is "sqlite" or "postgres".
func OpenDB(driver, dsn, collection string) (*sqlx.DB, error) {
	if !validate.Collection(collection) {
		return nil, fmt.Errorf("invalid collection name %q", collection)
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// One connection: keeps :memory: databases shared and avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if err := ensureSchema(db, collection); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func ensureSchema(db *sqlx.DB, collection string) error {
	// Both sqlite and postgres accept this DDL. One row per product; the
	// certificate sequence is a JSON document.
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s(
  product_id TEXT PRIMARY KEY,
  certificates_json TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
)`, collection)
	_, err := db.Exec(schema)
	return err
}

package migrations

import (
	"database/sql"
)

// GetInitialMigrations returns the migrations creating the coordinator tables
func GetInitialMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_peers_table",
			Up: func(tx *sql.Tx) error {
				// address stays NULL only inside the registration transaction,
				// before the pool has assigned one.
				_, err := tx.Exec(`
					CREATE TABLE peers (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						name TEXT NOT NULL UNIQUE,
						public_key TEXT NOT NULL UNIQUE,
						address TEXT UNIQUE,
						enabled INTEGER NOT NULL DEFAULT 1,
						admin INTEGER NOT NULL DEFAULT 0,
						token TEXT NOT NULL UNIQUE,
						description TEXT NOT NULL DEFAULT '',
						last_seen DATETIME,
						created_at DATETIME NOT NULL,
						updated_at DATETIME NOT NULL
					)
				`)
				return err
			},
			Down: func(tx *sql.Tx) error {
				_, err := tx.Exec(`DROP TABLE IF EXISTS peers`)
				return err
			},
		},
		{
			Version: 2,
			Name:    "create_address_allocations_table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE address_allocations (
						address TEXT PRIMARY KEY,
						peer_id INTEGER UNIQUE,
						reserved INTEGER NOT NULL DEFAULT 0,
						created_at DATETIME NOT NULL,
						FOREIGN KEY (peer_id) REFERENCES peers(id)
					)
				`)
				return err
			},
			Down: func(tx *sql.Tx) error {
				_, err := tx.Exec(`DROP TABLE IF EXISTS address_allocations`)
				return err
			},
		},
		{
			Version: 3,
			Name:    "create_invites_table",
			Up: func(tx *sql.Tx) error {
				// consumed_by_peer_id has no foreign key: invites outlive the
				// peers that consumed them.
				_, err := tx.Exec(`
					CREATE TABLE invites (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						code TEXT NOT NULL UNIQUE,
						expires_at DATETIME,
						consumed_by_peer_id INTEGER,
						consumed_at DATETIME,
						description TEXT NOT NULL DEFAULT '',
						created_at DATETIME NOT NULL,
						updated_at DATETIME NOT NULL
					)
				`)
				return err
			},
			Down: func(tx *sql.Tx) error {
				_, err := tx.Exec(`DROP TABLE IF EXISTS invites`)
				return err
			},
		},
		{
			Version: 4,
			Name:    "create_bootstrap_admin_table",
			Up: func(tx *sql.Tx) error {
				// A single row that outlives the peer it names. Stores that
				// already hold peers count as bootstrapped.
				if _, err := tx.Exec(`
					CREATE TABLE bootstrap_admin (
						id INTEGER PRIMARY KEY CHECK (id = 1),
						peer_id INTEGER NOT NULL,
						created_at DATETIME NOT NULL
					)
				`); err != nil {
					return err
				}
				_, err := tx.Exec(`
					INSERT INTO bootstrap_admin (id, peer_id, created_at)
					SELECT 1, id, CURRENT_TIMESTAMP FROM peers ORDER BY id LIMIT 1
				`)
				return err
			},
			Down: func(tx *sql.Tx) error {
				_, err := tx.Exec(`DROP TABLE IF EXISTS bootstrap_admin`)
				return err
			},
		},
	}
}

package migrations

import (
	"database/sql"
)

// GetIndexMigrations returns query performance migrations
func GetIndexMigrations() []Migration {
	return []Migration{
		{
			Version: 10,
			Name:    "add_lookup_indices",
			Up: func(tx *sql.Tx) error {
				indices := []string{
					"CREATE INDEX IF NOT EXISTS idx_peers_enabled ON peers(enabled)",
					"CREATE INDEX IF NOT EXISTS idx_address_allocations_reserved ON address_allocations(reserved)",
					"CREATE INDEX IF NOT EXISTS idx_invites_consumed_by ON invites(consumed_by_peer_id)",
				}

				for _, indexSQL := range indices {
					if _, err := tx.Exec(indexSQL); err != nil {
						return err
					}
				}

				return nil
			},
			Down: func(tx *sql.Tx) error {
				indices := []string{
					"DROP INDEX IF EXISTS idx_peers_enabled",
					"DROP INDEX IF EXISTS idx_address_allocations_reserved",
					"DROP INDEX IF EXISTS idx_invites_consumed_by",
				}

				for _, dropSQL := range indices {
					if _, err := tx.Exec(dropSQL); err != nil {
						return err
					}
				}

				return nil
			},
		},
	}
}

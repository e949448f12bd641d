package db

import (
	"database/sql"

	"github.com/rs/zerolog/log"
)

const (
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts (
		id TEXT NOT NULL PRIMARY KEY,
		nickname TEXT UNIQUE NOT NULL,
		domain TEXT NOT NULL,
		port INTEGER DEFAULT 0,
		manually_approves_followers INTEGER DEFAULT 0,
		web_public_key TEXT NOT NULL,
		web_private_key TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	// Remote actor cache
	sqlCreateRemoteAccountsTable = `CREATE TABLE IF NOT EXISTS remote_accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		actor_uri TEXT UNIQUE NOT NULL,
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT DEFAULT '',
		outbox_uri TEXT DEFAULT '',
		public_key_pem TEXT NOT NULL,
		last_fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateRemoteAccountsIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_domain ON remote_accounts(domain);
	`

	// Inbound activity log, for de-duplication
	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT,
		raw_json TEXT NOT NULL,
		processed INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_processed ON activities(processed);
		CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC);
	`
)

// RunMigrations creates the schema. It is safe to run on every start.
func (db *DB) RunMigrations() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		tables := []struct {
			name, create, indices string
		}{
			{"accounts", sqlCreateAccountsTable, ""},
			{"remote_accounts", sqlCreateRemoteAccountsTable, sqlCreateRemoteAccountsIndices},
			{"activities", sqlCreateActivitiesTable, sqlCreateActivitiesIndices},
		}
		for _, t := range tables {
			if _, err := tx.Exec(t.create); err != nil {
				log.Error().Err(err).Str("table", t.name).Msg("error creating table")
				return err
			}
			if t.indices == "" {
				continue
			}
			if _, err := tx.Exec(t.indices); err != nil {
				log.Warn().Err(err).Str("table", t.name).Msg("failed to create indices")
			}
		}
		return nil
	})
}

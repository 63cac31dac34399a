package database

import (
	"database/sql"
	"fmt"
	"sort"
)

// Migration represents a database migration
type Migration struct {
	Version int
	Up      string
	Down    string
}

// Migrations contains all database migrations
var Migrations = []Migration{
	{
		Version: 1,
		Up: `
			CREATE EXTENSION IF NOT EXISTS "uuid-ossp";

			CREATE TABLE IF NOT EXISTS profiles (
				id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				display_name VARCHAR(100) NOT NULL,
				role VARCHAR(20) NOT NULL DEFAULT 'user',
				is_suspended BOOLEAN NOT NULL DEFAULT false,
				ban_reason TEXT,
				ban_expires_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
		`,
		Down: `
			DROP TABLE IF EXISTS profiles;
		`,
	},
	{
		Version: 2,
		Up: `
			CREATE TABLE IF NOT EXISTS messages (
				id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				author_id UUID NOT NULL REFERENCES profiles(id),
				content VARCHAR(2000) NOT NULL,
				reply_to_id UUID REFERENCES messages(id) ON DELETE SET NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
				is_deleted BOOLEAN NOT NULL DEFAULT false
			);

			CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at DESC, id DESC);
			CREATE INDEX IF NOT EXISTS idx_messages_author ON messages(author_id);
		`,
		Down: `
			DROP TABLE IF EXISTS messages;
		`,
	},
	{
		Version: 3,
		Up: `
			CREATE TABLE IF NOT EXISTS direct_messages (
				id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				sender_id UUID NOT NULL REFERENCES profiles(id),
				recipient_id UUID NOT NULL REFERENCES profiles(id),
				content VARCHAR(2000) NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
				is_deleted BOOLEAN NOT NULL DEFAULT false
			);

			CREATE INDEX IF NOT EXISTS idx_direct_messages_pair ON direct_messages(LEAST(sender_id, recipient_id), GREATEST(sender_id, recipient_id), created_at DESC);
		`,
		Down: `
			DROP TABLE IF EXISTS direct_messages;
		`,
	},
	{
		Version: 4,
		Up: `
			CREATE TABLE IF NOT EXISTS moderation_logs (
				id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				target_user_id UUID NOT NULL REFERENCES profiles(id),
				moderator_id UUID NOT NULL,
				action VARCHAR(20) NOT NULL CHECK (action IN ('warn', 'timeout', 'kick', 'ban', 'unban')),
				reason TEXT NOT NULL,
				duration_minutes INT,
				expires_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
			);

			CREATE INDEX IF NOT EXISTS idx_moderation_logs_target ON moderation_logs(target_user_id, created_at);
		`,
		Down: `
			DROP TABLE IF EXISTS moderation_logs;
		`,
	},
	{
		Version: 5,
		Up: `
			CREATE TABLE IF NOT EXISTS automod_logs (
				id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				message_id UUID,
				author_id UUID NOT NULL,
				context VARCHAR(10) NOT NULL,
				content TEXT NOT NULL,
				reason TEXT NOT NULL,
				severity VARCHAR(10) NOT NULL,
				action_taken VARCHAR(10) NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
			);

			CREATE INDEX IF NOT EXISTS idx_automod_logs_author ON automod_logs(author_id, created_at DESC);
		`,
		Down: `
			DROP TABLE IF EXISTS automod_logs;
		`,
	},
}

// RunMigrations runs all pending migrations
func RunMigrations(db *sql.DB) error {
	// Ensure migrations table exists
	if err := ensureMigrationsTable(db); err != nil {
		return err
	}

	// Get current version
	currentVersion, err := CurrentVersion(db)
	if err != nil {
		return err
	}

	// Run pending migrations in ascending order by version
	sorted := make([]Migration, len(Migrations))
	copy(sorted, Migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	for _, migration := range sorted {
		if migration.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if _, err := tx.Exec(migration.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to run migration %d: %w", migration.Version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", migration.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

func ensureMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// CurrentVersion returns the highest applied migration version.
func CurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// RollbackMigration reverts the most recently applied migration. It returns
// the reverted version, or 0 when nothing was applied.
func RollbackMigration(db *sql.DB) (int, error) {
	if err := ensureMigrationsTable(db); err != nil {
		return 0, err
	}

	current, err := CurrentVersion(db)
	if err != nil || current == 0 {
		return 0, err
	}

	var migration *Migration
	for i := range Migrations {
		if Migrations[i].Version == current {
			migration = &Migrations[i]
			break
		}
	}
	if migration == nil {
		return 0, fmt.Errorf("migration %d is applied but unknown", current)
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}

	if _, err := tx.Exec(migration.Down); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("failed to roll back migration %d: %w", current, err)
	}

	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = $1", current); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("failed to unrecord migration %d: %w", current, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit rollback of %d: %w", current, err)
	}
	return current, nil
}

package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertUser inserts or updates a directory entry, keyed by user id.
// Directory rows are only ever upserted, never deleted.
func (db *DB) UpsertUser(u *User) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO users (user_id, display_name, avatar_url, synced_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE users.display_name END,
			avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE users.avatar_url END,
			synced_at = excluded.synced_at`,
		u.UserID, u.DisplayName, u.AvatarURL, now)
	return err
}

// BulkUpsertUsers applies a full directory fetch in a single transaction.
func (db *DB) BulkUpsertUsers(users []User) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, u := range users {
		if _, err := tx.Exec(`
			INSERT INTO users (user_id, display_name, avatar_url, synced_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE users.display_name END,
				avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE users.avatar_url END,
				synced_at = excluded.synced_at`,
			u.UserID, u.DisplayName, u.AvatarURL, now); err != nil {
			return fmt.Errorf("upsert user %d: %w", u.UserID, err)
		}
	}
	return tx.Commit()
}

// GetUser returns a directory entry by id, or nil when unknown.
func (db *DB) GetUser(userID int64) (*User, error) {
	var u User
	err := db.QueryRow(`SELECT user_id, display_name, avatar_url, synced_at FROM users WHERE user_id = ?`, userID).
		Scan(&u.UserID, &u.DisplayName, &u.AvatarURL, &u.SyncedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// DisplayName resolves a user id to a display name, falling back to the
// deterministic "User {id}" placeholder for ids the directory has not seen.
func (db *DB) DisplayName(userID int64) string {
	u, err := db.GetUser(userID)
	if err != nil || u == nil || u.DisplayName == "" {
		return fmt.Sprintf("User %d", userID)
	}
	return u.DisplayName
}

// UserCount returns the number of cached directory entries.
func (db *DB) UserCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}

package cache

import (
	"database/sql"
	"errors"
	"strconv"
	"time"
)

// Sync state keys.
const (
	KeyLastResyncAt = "last_resync_at"
	KeyOwnerUserID  = "owner_user_id"
)

// SetState stores a sync_state value.
func (db *DB) SetState(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// State returns a sync_state value, or "" when unset.
func (db *DB) State(key string) (string, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// LastResync returns the last successful resync time, zero if none.
func (db *DB) LastResync() (time.Time, error) {
	v, err := db.State(KeyLastResyncAt)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return fromMillis(ms), nil
}

// RecordResync stores the resync checkpoint.
func (db *DB) RecordResync(at time.Time) error {
	return db.SetState(KeyLastResyncAt, strconv.FormatInt(millis(at), 10))
}

// Owner returns the user id the cached data belongs to, 0 if unknown.
func (db *DB) Owner() (int64, error) {
	v, err := db.State(KeyOwnerUserID)
	if err != nil || v == "" {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// ClaimFor makes the cache belong to userID, wiping it first when it holds
// another user's data. It reports whether a wipe happened.
func (db *DB) ClaimFor(userID int64) (bool, error) {
	owner, err := db.Owner()
	if err != nil {
		return false, err
	}
	if owner == userID {
		return false, nil
	}
	wiped := false
	if owner != 0 {
		if err := db.Reset(); err != nil {
			return false, err
		}
		wiped = true
	}
	return wiped, db.SetState(KeyOwnerUserID, strconv.FormatInt(userID, 10))
}

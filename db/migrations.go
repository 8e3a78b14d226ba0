package db

import (
	"database/sql"
)

const (
	sqlCreateProfileTable = `CREATE TABLE IF NOT EXISTS profile (
		id TEXT NOT NULL PRIMARY KEY,
		nickname TEXT NOT NULL,
		fullname TEXT,
		bio TEXT,
		profile_url TEXT,
		avatar_url TEXT,
		avatar_file TEXT,
		is_local INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		modified_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateProfileIndices = `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_profile_local_nickname ON profile(nickname) WHERE is_local = 1;
	`

	sqlCreateActorTable = `CREATE TABLE IF NOT EXISTS activitypub_actor (
		uri TEXT NOT NULL UNIQUE,
		profile_id TEXT NOT NULL PRIMARY KEY,
		inbox_uri TEXT NOT NULL,
		inbox_shared_uri TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		modified_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateRsaTable = `CREATE TABLE IF NOT EXISTS activitypub_rsa (
		profile_id TEXT NOT NULL PRIMARY KEY,
		private_key TEXT,
		public_key TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		modified_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateFollowQueueTable = `CREATE TABLE IF NOT EXISTS activitypub_follow_request_queue (
		subscriber TEXT NOT NULL,
		subscribed TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (subscriber, subscribed)
	)`

	sqlCreateActivityTable = `CREATE TABLE IF NOT EXISTS activitypub_activity (
		uri TEXT NOT NULL PRIMARY KEY,
		actor_id TEXT NOT NULL,
		verb TEXT NOT NULL,
		object_uri TEXT,
		entity_id TEXT,
		is_local INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		modified_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateActivityIndices = `
		CREATE INDEX IF NOT EXISTS idx_activity_entity ON activitypub_activity(entity_id);
		CREATE INDEX IF NOT EXISTS idx_activity_actor_verb ON activitypub_activity(actor_id, verb, object_uri);
	`

	sqlCreateObjectTable = `CREATE TABLE IF NOT EXISTS activitypub_object (
		uri TEXT NOT NULL PRIMARY KEY,
		object_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		modified_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateObjectIndices = `
		CREATE INDEX IF NOT EXISTS idx_object_entity ON activitypub_object(entity_id);
	`

	sqlCreateNoticeTable = `CREATE TABLE IF NOT EXISTS notice (
		id TEXT NOT NULL PRIMARY KEY,
		profile_id TEXT NOT NULL,
		uri TEXT NOT NULL UNIQUE,
		url TEXT,
		content TEXT,
		verb TEXT NOT NULL,
		object_type TEXT,
		reply_to TEXT,
		repeat_of TEXT,
		scope TEXT DEFAULT 'public',
		source TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateNoticeIndices = `
		CREATE INDEX IF NOT EXISTS idx_notice_profile ON notice(profile_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_notice_repeat_of ON notice(repeat_of);
	`

	sqlCreateAttentionTable = `CREATE TABLE IF NOT EXISTS notice_attention (
		notice_id TEXT NOT NULL,
		profile_id TEXT NOT NULL,
		PRIMARY KEY (notice_id, profile_id)
	)`

	sqlCreateSubscriptionTable = `CREATE TABLE IF NOT EXISTS subscription (
		subscriber TEXT NOT NULL,
		subscribed TEXT NOT NULL,
		uri TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (subscriber, subscribed)
	)`

	sqlCreateSubscriptionIndices = `
		CREATE INDEX IF NOT EXISTS idx_subscription_subscribed ON subscription(subscribed);
	`

	sqlCreateFaveTable = `CREATE TABLE IF NOT EXISTS fave (
		profile_id TEXT NOT NULL,
		notice_id TEXT NOT NULL,
		uri TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (profile_id, notice_id)
	)`

	sqlCreateJobQueueTable = `CREATE TABLE IF NOT EXISTS job_queue (
		id TEXT NOT NULL PRIMARY KEY,
		transport TEXT NOT NULL,
		payload TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		last_error TEXT,
		next_retry_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateJobQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_job_queue_next_retry ON job_queue(next_retry_at);
	`
)

type migration struct {
	table   string
	create  string
	indices string
}

var migrations = []migration{
	{"profile", sqlCreateProfileTable, sqlCreateProfileIndices},
	{"activitypub_actor", sqlCreateActorTable, ""},
	{"activitypub_rsa", sqlCreateRsaTable, ""},
	{"activitypub_follow_request_queue", sqlCreateFollowQueueTable, ""},
	{"activitypub_activity", sqlCreateActivityTable, sqlCreateActivityIndices},
	{"activitypub_object", sqlCreateObjectTable, sqlCreateObjectIndices},
	{"notice", sqlCreateNoticeTable, sqlCreateNoticeIndices},
	{"notice_attention", sqlCreateAttentionTable, ""},
	{"subscription", sqlCreateSubscriptionTable, sqlCreateSubscriptionIndices},
	{"fave", sqlCreateFaveTable, ""},
	{"job_queue", sqlCreateJobQueueTable, sqlCreateJobQueueIndices},
}

// RunMigrations creates every table and index that does not exist yet.
func (db *DB) RunMigrations() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		for _, m := range migrations {
			if err := db.createTableIfNotExists(tx, m.create, m.table); err != nil {
				return err
			}
			if m.indices == "" {
				continue
			}
			if _, err := tx.Exec(m.indices); err != nil {
				logger.Warn("failed to create indices", "table", m.table, "err", err)
			}
		}
		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	_, err := tx.Exec(createSQL)
	if err != nil {
		logger.Error("error creating table", "table", tableName, "err", err)
		return err
	}
	logger.Debug("table created or already exists", "table", tableName)
	return nil
}

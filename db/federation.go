package db

import (
	"database/sql"
	"errors"
	"time"

	"github.com/deemkeen/courier/domain"
	"github.com/google/uuid"
)

// ErrKeyExists is returned when a private key would overwrite an existing one.
var ErrKeyExists = errors.New("key pair already exists")

// Remote actors
const (
	sqlActorColumns           = `uri, profile_id, inbox_uri, inbox_shared_uri, created_at, modified_at`
	sqlSelectActorByURI       = `SELECT ` + sqlActorColumns + ` FROM activitypub_actor WHERE uri = ?`
	sqlSelectActorByProfileId = `SELECT ` + sqlActorColumns + ` FROM activitypub_actor WHERE profile_id = ?`
	sqlCountActors            = `SELECT COUNT(*) FROM activitypub_actor`
	sqlUpdateActorURI         = `UPDATE activitypub_actor SET uri = ?, modified_at = ? WHERE uri = ?`
	sqlUpsertActor            = `INSERT INTO activitypub_actor(` + sqlActorColumns + `) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(profile_id) DO UPDATE SET uri = excluded.uri, inbox_uri = excluded.inbox_uri,
		inbox_shared_uri = excluded.inbox_shared_uri, modified_at = excluded.modified_at`
	sqlSelectSubscriberActors = `SELECT a.uri, a.profile_id, a.inbox_uri, a.inbox_shared_uri, a.created_at, a.modified_at
		FROM subscription s INNER JOIN activitypub_actor a ON a.profile_id = s.subscriber
		WHERE s.subscribed = ?`
	sqlSelectActorsByNickname = `SELECT a.uri, a.profile_id, a.inbox_uri, a.inbox_shared_uri, a.created_at, a.modified_at
		FROM activitypub_actor a INNER JOIN profile p ON p.id = a.profile_id
		WHERE p.nickname = ? AND p.is_local = 0`
)

func scanActor(row rowScanner) (*domain.RemoteActor, error) {
	var a domain.RemoteActor
	var shared sql.NullString
	if err := row.Scan(&a.URI, &a.ProfileId, &a.InboxURI, &shared, &a.CreatedAt, &a.ModifiedAt); err != nil {
		return nil, err
	}
	a.SharedInboxURI = shared.String
	return &a, nil
}

func (db *DB) ReadRemoteActorByURI(uri string) (*domain.RemoteActor, error) {
	a, err := scanActor(db.db.QueryRow(sqlSelectActorByURI, uri))
	if err != nil {
		return nil, notFound(err, "remote actor "+uri)
	}
	return a, nil
}

func (db *DB) ReadRemoteActorByProfileId(id uuid.UUID) (*domain.RemoteActor, error) {
	a, err := scanActor(db.db.QueryRow(sqlSelectActorByProfileId, id))
	if err != nil {
		return nil, notFound(err, "remote actor for profile "+id.String())
	}
	return a, nil
}

// ReadSubscriberActors returns the remote actors following the given profile.
func (db *DB) ReadSubscriberActors(subscribedId uuid.UUID) ([]domain.RemoteActor, error) {
	rows, err := db.db.Query(sqlSelectSubscriberActors, subscribedId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actors []domain.RemoteActor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return actors, err
		}
		actors = append(actors, *a)
	}
	return actors, rows.Err()
}

// ReadRemoteActorsByNickname returns the cached remote actors whose profile
// carries nickname, on any host.
func (db *DB) ReadRemoteActorsByNickname(nickname string) ([]domain.RemoteActor, error) {
	rows, err := db.db.Query(sqlSelectActorsByNickname, nickname)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actors []domain.RemoteActor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return actors, err
		}
		actors = append(actors, *a)
	}
	return actors, rows.Err()
}

func (db *DB) CountRemoteActors() (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountActors).Scan(&n)
	return n, err
}

// UpdateRemoteActorURI rewrites the canonical URI of an actor after an alias
// was confirmed to point elsewhere.
func (db *DB) UpdateRemoteActorURI(oldURI, newURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlUpdateActorURI, newURI, time.Now().UTC(), oldURI)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFound(sql.ErrNoRows, "remote actor "+oldURI)
		}
		return nil
	})
}

// SaveRemoteActor persists a freshly discovered or refreshed actor in one
// transaction: the profile (inserted or updated), the actor row and its
// public key. When an actor already exists for the URI its profile id wins
// and is written back into profile and actor.
func (db *DB) SaveRemoteActor(profile *domain.Profile, actor *domain.RemoteActor, publicKey string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		existing, err := scanActor(tx.QueryRow(sqlSelectActorByURI, actor.URI))
		switch {
		case err == nil:
			profile.Id = existing.ProfileId
			profile.CreatedAt = existing.CreatedAt
			if err := updateProfile(tx, profile); err != nil {
				return err
			}
		case errors.Is(err, sql.ErrNoRows):
			profile.Local = false
			if err := insertProfile(tx, profile); err != nil {
				return err
			}
		default:
			return err
		}

		actor.ProfileId = profile.Id
		now := time.Now().UTC()
		if actor.CreatedAt.IsZero() {
			actor.CreatedAt = now
		}
		actor.ModifiedAt = now
		if _, err := tx.Exec(sqlUpsertActor, actor.URI, actor.ProfileId, actor.InboxURI, nullString(actor.SharedInboxURI), actor.CreatedAt, actor.ModifiedAt); err != nil {
			return err
		}
		return upsertPublicKey(tx, profile.Id, publicKey)
	})
}

// Keys
const (
	sqlSelectKeyPair         = `SELECT profile_id, private_key, public_key, created_at, modified_at FROM activitypub_rsa WHERE profile_id = ?`
	sqlInsertKeyPair         = `INSERT INTO activitypub_rsa(profile_id, private_key, public_key, created_at, modified_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT(profile_id) DO NOTHING`
	sqlUpsertPublicKey       = `INSERT INTO activitypub_rsa(profile_id, private_key, public_key, created_at, modified_at) VALUES (?, NULL, ?, ?, ?)
		ON CONFLICT(profile_id) DO UPDATE SET public_key = excluded.public_key, modified_at = excluded.modified_at`
	sqlUpsertPublicKeyRemote = sqlUpsertPublicKey + ` WHERE activitypub_rsa.private_key IS NULL`
)

func (db *DB) ReadKeyPair(profileId uuid.UUID) (*domain.KeyPair, error) {
	var kp domain.KeyPair
	var priv sql.NullString
	err := db.db.QueryRow(sqlSelectKeyPair, profileId).Scan(&kp.ProfileId, &priv, &kp.PublicKey, &kp.CreatedAt, &kp.ModifiedAt)
	if err != nil {
		return nil, notFound(err, "key pair for "+profileId.String())
	}
	kp.PrivateKey = priv.String
	return &kp, nil
}

// CreateKeyPair stores a new key pair. It never overwrites an existing
// record and returns ErrKeyExists instead, so a concurrent generator loses.
func (db *DB) CreateKeyPair(kp *domain.KeyPair) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlInsertKeyPair, kp.ProfileId, nullString(kp.PrivateKey), kp.PublicKey, kp.CreatedAt, kp.ModifiedAt)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrKeyExists
		}
		return nil
	})
}

// UpsertPublicKey replaces or inserts the public key of a remote actor.
// Rows holding a private key are left untouched.
func (db *DB) UpsertPublicKey(profileId uuid.UUID, publicKey string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		return upsertPublicKey(tx, profileId, publicKey)
	})
}

func upsertPublicKey(tx *sql.Tx, profileId uuid.UUID, publicKey string) error {
	now := time.Now().UTC()
	_, err := tx.Exec(sqlUpsertPublicKeyRemote, profileId, publicKey, now, now)
	return err
}

// Pending follows
const (
	sqlInsertPendingFollow = `INSERT OR IGNORE INTO activitypub_follow_request_queue(subscriber, subscribed, created_at) VALUES (?, ?, ?)`
	sqlDeletePendingFollow = `DELETE FROM activitypub_follow_request_queue WHERE subscriber = ? AND subscribed = ?`
	sqlSelectPendingFollow = `SELECT subscriber, subscribed, created_at FROM activitypub_follow_request_queue WHERE subscriber = ? AND subscribed = ?`
	sqlCountPendingFollows = `SELECT COUNT(*) FROM activitypub_follow_request_queue`
)

// CreatePendingFollow records an outgoing Follow. Repeated calls for the same
// pair are no-ops.
func (db *DB) CreatePendingFollow(subscriber, subscribed uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertPendingFollow, subscriber, subscribed, time.Now().UTC())
		return err
	})
}

// DeletePendingFollow removes the pair and reports whether this call was
// the one that removed it.
func (db *DB) DeletePendingFollow(subscriber, subscribed uuid.UUID) (bool, error) {
	var removed bool
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlDeletePendingFollow, subscriber, subscribed)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		removed = n > 0
		return err
	})
	return removed, err
}

func (db *DB) ReadPendingFollow(subscriber, subscribed uuid.UUID) (*domain.PendingFollow, error) {
	var pf domain.PendingFollow
	err := db.db.QueryRow(sqlSelectPendingFollow, subscriber, subscribed).Scan(&pf.SubscriberId, &pf.SubscribedId, &pf.CreatedAt)
	if err != nil {
		return nil, notFound(err, "pending follow")
	}
	return &pf, nil
}

func (db *DB) CountPendingFollows() (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountPendingFollows).Scan(&n)
	return n, err
}

// Activity and object indexes
const (
	sqlActivityColumns        = `uri, actor_id, verb, object_uri, entity_id, is_local, created_at, modified_at`
	sqlInsertActivity         = `INSERT OR IGNORE INTO activitypub_activity(` + sqlActivityColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectActivityByURI    = `SELECT ` + sqlActivityColumns + ` FROM activitypub_activity WHERE uri = ?`
	sqlSelectActivityByObject = `SELECT ` + sqlActivityColumns + ` FROM activitypub_activity WHERE actor_id = ? AND verb = ? AND object_uri = ? ORDER BY created_at DESC LIMIT 1`
	sqlDeleteActivityByURI    = `DELETE FROM activitypub_activity WHERE uri = ?`
	sqlDeleteActivityByEntity = `DELETE FROM activitypub_activity WHERE entity_id = ?`

	sqlObjectColumns        = `uri, object_type, entity_id, created_at, modified_at`
	sqlInsertObject         = `INSERT INTO activitypub_object(` + sqlObjectColumns + `) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(uri) DO UPDATE SET modified_at = excluded.modified_at`
	sqlSelectObjectByURI    = `SELECT ` + sqlObjectColumns + ` FROM activitypub_object WHERE uri = ?`
	sqlSelectObjectByEntity = `SELECT ` + sqlObjectColumns + ` FROM activitypub_object WHERE entity_id = ?`
	sqlDeleteObjectByEntity = `DELETE FROM activitypub_object WHERE entity_id = ?`
)

func scanActivity(row rowScanner) (*domain.ActivityRecord, error) {
	var a domain.ActivityRecord
	var objectURI sql.NullString
	var entityId uuid.NullUUID
	if err := row.Scan(&a.URI, &a.ActorId, &a.Verb, &objectURI, &entityId, &a.IsLocal, &a.CreatedAt, &a.ModifiedAt); err != nil {
		return nil, err
	}
	a.ObjectURI = objectURI.String
	a.EntityId = entityId.UUID
	return &a, nil
}

// CreateActivityRecord indexes an activity URI. It reports false when the
// URI was already known.
func (db *DB) CreateActivityRecord(rec *domain.ActivityRecord) (bool, error) {
	var created bool
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlInsertActivity, rec.URI, rec.ActorId, rec.Verb, nullString(rec.ObjectURI),
			uuid.NullUUID{UUID: rec.EntityId, Valid: rec.EntityId != uuid.Nil}, rec.IsLocal, rec.CreatedAt, rec.ModifiedAt)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		created = n > 0
		return err
	})
	return created, err
}

func (db *DB) ReadActivityRecord(uri string) (*domain.ActivityRecord, error) {
	a, err := scanActivity(db.db.QueryRow(sqlSelectActivityByURI, uri))
	if err != nil {
		return nil, notFound(err, "activity "+uri)
	}
	return a, nil
}

// ReadLatestActivity finds the most recent activity of verb by actor on object.
func (db *DB) ReadLatestActivity(actorId uuid.UUID, verb, objectURI string) (*domain.ActivityRecord, error) {
	a, err := scanActivity(db.db.QueryRow(sqlSelectActivityByObject, actorId, verb, objectURI))
	if err != nil {
		return nil, notFound(err, verb+" of "+objectURI)
	}
	return a, nil
}

func (db *DB) DeleteActivityRecord(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteActivityByURI, uri)
		return err
	})
}

func (db *DB) DeleteActivityRecordsByEntity(entityId uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteActivityByEntity, entityId)
		return err
	})
}

func scanObject(row rowScanner) (*domain.ObjectRecord, error) {
	var o domain.ObjectRecord
	if err := row.Scan(&o.URI, &o.ObjectType, &o.EntityId, &o.CreatedAt, &o.ModifiedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

func (db *DB) CreateObjectRecord(rec *domain.ObjectRecord) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertObject, rec.URI, rec.ObjectType, rec.EntityId, rec.CreatedAt, rec.ModifiedAt)
		return err
	})
}

func (db *DB) ReadObjectRecord(uri string) (*domain.ObjectRecord, error) {
	o, err := scanObject(db.db.QueryRow(sqlSelectObjectByURI, uri))
	if err != nil {
		return nil, notFound(err, "object "+uri)
	}
	return o, nil
}

func (db *DB) ReadObjectRecordByEntity(entityId uuid.UUID) (*domain.ObjectRecord, error) {
	o, err := scanObject(db.db.QueryRow(sqlSelectObjectByEntity, entityId))
	if err != nil {
		return nil, notFound(err, "object for "+entityId.String())
	}
	return o, nil
}

package db

import (
	"database/sql"
	"time"

	"github.com/deemkeen/courier/domain"
	"github.com/google/uuid"
)

// Notices
const (
	sqlNoticeColumns          = `id, profile_id, uri, url, content, verb, object_type, reply_to, repeat_of, scope, source, created_at`
	sqlInsertNotice           = `INSERT INTO notice(` + sqlNoticeColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectNoticeById       = `SELECT ` + sqlNoticeColumns + ` FROM notice WHERE id = ?`
	sqlSelectNoticeByURI      = `SELECT ` + sqlNoticeColumns + ` FROM notice WHERE uri = ?`
	sqlSelectNoticesByProfile = `SELECT ` + sqlNoticeColumns + ` FROM notice WHERE profile_id = ? AND scope = 'public' ORDER BY created_at DESC LIMIT ? OFFSET ?`
	sqlCountNoticesByProfile  = `SELECT COUNT(*) FROM notice WHERE profile_id = ? AND scope = 'public'`
	sqlSelectShareOf          = `SELECT ` + sqlNoticeColumns + ` FROM notice WHERE profile_id = ? AND repeat_of = ? AND verb = 'share'`
	sqlInsertAttention        = `INSERT OR IGNORE INTO notice_attention(notice_id, profile_id) VALUES (?, ?)`
	sqlSelectAttention        = `SELECT profile_id FROM notice_attention WHERE notice_id = ?`
)

func scanNotice(row rowScanner) (*domain.Notice, error) {
	var n domain.Notice
	var url, content, objectType sql.NullString
	var verb, scope string
	if err := row.Scan(&n.Id, &n.ProfileId, &n.URI, &url, &content, &verb, &objectType, &n.ReplyTo, &n.RepeatOf, &scope, &n.Source, &n.CreatedAt); err != nil {
		return nil, err
	}
	n.URL = url.String
	n.Content = content.String
	n.ObjectType = objectType.String
	n.Verb = domain.Verb(verb)
	n.Scope = domain.Scope(scope)
	return &n, nil
}

// CreateNotice stores the notice and its attention list.
func (db *DB) CreateNotice(n *domain.Notice) error {
	if n.Id == uuid.Nil {
		n.Id = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.Scope == "" {
		n.Scope = domain.ScopePublic
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertNotice, n.Id, n.ProfileId, n.URI, n.URL, n.Content, string(n.Verb), n.ObjectType,
			n.ReplyTo, n.RepeatOf, string(n.Scope), n.Source, n.CreatedAt)
		if err != nil {
			return err
		}
		for _, pid := range n.Attention {
			if _, err := tx.Exec(sqlInsertAttention, n.Id, pid); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *DB) readNotice(query string, arg any, what string) (*domain.Notice, error) {
	n, err := scanNotice(db.db.QueryRow(query, arg))
	if err != nil {
		return nil, notFound(err, what)
	}
	if n.Attention, err = db.ReadAttention(n.Id); err != nil {
		return nil, err
	}
	return n, nil
}

func (db *DB) ReadNoticeById(id uuid.UUID) (*domain.Notice, error) {
	return db.readNotice(sqlSelectNoticeById, id, "notice "+id.String())
}

func (db *DB) ReadNoticeByURI(uri string) (*domain.Notice, error) {
	return db.readNotice(sqlSelectNoticeByURI, uri, "notice "+uri)
}

// ReadShareOf finds profileId's share of the notice repeatOf.
func (db *DB) ReadShareOf(profileId, repeatOf uuid.UUID) (*domain.Notice, error) {
	n, err := scanNotice(db.db.QueryRow(sqlSelectShareOf, profileId, repeatOf))
	if err != nil {
		return nil, notFound(err, "share of "+repeatOf.String())
	}
	return n, nil
}

func (db *DB) ReadAttention(noticeId uuid.UUID) ([]uuid.UUID, error) {
	rows, err := db.db.Query(sqlSelectAttention, noticeId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReadNoticesByProfile pages through a profile's public notices, newest first.
func (db *DB) ReadNoticesByProfile(profileId uuid.UUID, limit, offset int) ([]domain.Notice, error) {
	rows, err := db.db.Query(sqlSelectNoticesByProfile, profileId, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notices []domain.Notice
	for rows.Next() {
		n, err := scanNotice(rows)
		if err != nil {
			return notices, err
		}
		notices = append(notices, *n)
	}
	return notices, rows.Err()
}

func (db *DB) CountNoticesByProfile(profileId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountNoticesByProfile, profileId).Scan(&n)
	return n, err
}

const (
	sqlSelectRepeatIds       = `SELECT id FROM notice WHERE repeat_of = ?`
	sqlSelectProfileNoticeIds = `SELECT id FROM notice WHERE profile_id = ?1
		OR repeat_of IN (SELECT id FROM notice WHERE profile_id = ?1)`
)

// DeleteNotice removes a notice, its repeats and everything indexed against
// any of them.
func (db *DB) DeleteNotice(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		repeats, err := selectIds(tx, sqlSelectRepeatIds, id)
		if err != nil {
			return err
		}
		if err := purgeNotices(tx, repeats...); err != nil {
			return err
		}
		if err := purgeIndexes(tx, id); err != nil {
			return err
		}
		res, err := tx.Exec(`DELETE FROM notice WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFound(sql.ErrNoRows, "notice "+id.String())
		}
		return nil
	})
}

func selectIds(tx *sql.Tx, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// purgeIndexes drops the rows that point at a notice: attention, faves and
// its federation object and activity records.
func purgeIndexes(tx *sql.Tx, id uuid.UUID) error {
	stmts := []string{
		`DELETE FROM notice_attention WHERE notice_id = ?`,
		`DELETE FROM fave WHERE notice_id = ?`,
		sqlDeleteObjectByEntity,
		sqlDeleteActivityByEntity,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt, id); err != nil {
			return err
		}
	}
	return nil
}

func purgeNotices(tx *sql.Tx, ids ...uuid.UUID) error {
	for _, id := range ids {
		if err := purgeIndexes(tx, id); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM notice WHERE id = ?`, id); err != nil {
			return err
		}
	}
	return nil
}

// Subscriptions
const (
	sqlInsertSubscription = `INSERT OR IGNORE INTO subscription(subscriber, subscribed, uri, created_at) VALUES (?, ?, ?, ?)`
	sqlDeleteSubscription = `DELETE FROM subscription WHERE subscriber = ? AND subscribed = ?`
	sqlSelectSubscription = `SELECT subscriber, subscribed, uri, created_at FROM subscription WHERE subscriber = ? AND subscribed = ?`
	sqlSelectSubscribers  = `SELECT subscriber FROM subscription WHERE subscribed = ? ORDER BY created_at LIMIT ? OFFSET ?`
	sqlSelectSubscribed   = `SELECT subscribed FROM subscription WHERE subscriber = ? ORDER BY created_at LIMIT ? OFFSET ?`
	sqlCountSubscribers   = `SELECT COUNT(*) FROM subscription WHERE subscribed = ?`
	sqlCountSubscribed    = `SELECT COUNT(*) FROM subscription WHERE subscriber = ?`
)

// CreateSubscription establishes a follow. It reports false if the pair
// was already subscribed.
func (db *DB) CreateSubscription(s *domain.Subscription) (bool, error) {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	var created bool
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlInsertSubscription, s.SubscriberId, s.SubscribedId, nullString(s.URI), s.CreatedAt)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		created = n > 0
		return err
	})
	return created, err
}

func (db *DB) DeleteSubscription(subscriber, subscribed uuid.UUID) (bool, error) {
	var removed bool
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlDeleteSubscription, subscriber, subscribed)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		removed = n > 0
		return err
	})
	return removed, err
}

func (db *DB) ReadSubscription(subscriber, subscribed uuid.UUID) (*domain.Subscription, error) {
	var s domain.Subscription
	var uri sql.NullString
	err := db.db.QueryRow(sqlSelectSubscription, subscriber, subscribed).Scan(&s.SubscriberId, &s.SubscribedId, &uri, &s.CreatedAt)
	if err != nil {
		return nil, notFound(err, "subscription")
	}
	s.URI = uri.String
	return &s, nil
}

func (db *DB) readIds(query string, args ...any) ([]uuid.UUID, error) {
	rows, err := db.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (db *DB) ReadSubscriberIds(subscribed uuid.UUID, limit, offset int) ([]uuid.UUID, error) {
	return db.readIds(sqlSelectSubscribers, subscribed, limit, offset)
}

func (db *DB) ReadSubscribedIds(subscriber uuid.UUID, limit, offset int) ([]uuid.UUID, error) {
	return db.readIds(sqlSelectSubscribed, subscriber, limit, offset)
}

func (db *DB) CountSubscribers(subscribed uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountSubscribers, subscribed).Scan(&n)
	return n, err
}

func (db *DB) CountSubscribed(subscriber uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountSubscribed, subscriber).Scan(&n)
	return n, err
}

// Favorites
const (
	sqlInsertFave         = `INSERT OR IGNORE INTO fave(profile_id, notice_id, uri, created_at) VALUES (?, ?, ?, ?)`
	sqlDeleteFave         = `DELETE FROM fave WHERE profile_id = ? AND notice_id = ?`
	sqlSelectFave         = `SELECT profile_id, notice_id, uri, created_at FROM fave WHERE profile_id = ? AND notice_id = ?`
	sqlSelectFavedNotices = `SELECT notice_id FROM fave WHERE profile_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`
	sqlCountFaves         = `SELECT COUNT(*) FROM fave WHERE profile_id = ?`
)

func (db *DB) CreateFave(f *domain.Favorite) (bool, error) {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	var created bool
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlInsertFave, f.ProfileId, f.NoticeId, nullString(f.URI), f.CreatedAt)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		created = n > 0
		return err
	})
	return created, err
}

func (db *DB) DeleteFave(profileId, noticeId uuid.UUID) (bool, error) {
	var removed bool
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlDeleteFave, profileId, noticeId)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		removed = n > 0
		return err
	})
	return removed, err
}

func (db *DB) ReadFave(profileId, noticeId uuid.UUID) (*domain.Favorite, error) {
	var f domain.Favorite
	var uri sql.NullString
	err := db.db.QueryRow(sqlSelectFave, profileId, noticeId).Scan(&f.ProfileId, &f.NoticeId, &uri, &f.CreatedAt)
	if err != nil {
		return nil, notFound(err, "favorite")
	}
	f.URI = uri.String
	return &f, nil
}

func (db *DB) ReadFavedNoticeIds(profileId uuid.UUID, limit, offset int) ([]uuid.UUID, error) {
	return db.readIds(sqlSelectFavedNotices, profileId, limit, offset)
}

func (db *DB) CountFaves(profileId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountFaves, profileId).Scan(&n)
	return n, err
}

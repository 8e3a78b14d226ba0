package db

import (
	"database/sql"
	"time"

	"github.com/deemkeen/courier/domain"
	"github.com/google/uuid"
)

const (
	sqlProfileColumns        = `id, nickname, fullname, bio, profile_url, avatar_url, avatar_file, is_local, created_at, modified_at`
	sqlInsertProfile         = `INSERT INTO profile(` + sqlProfileColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdateProfile         = `UPDATE profile SET nickname = ?, fullname = ?, bio = ?, profile_url = ?, avatar_url = ?, avatar_file = ?, modified_at = ? WHERE id = ?`
	sqlSelectProfileById     = `SELECT ` + sqlProfileColumns + ` FROM profile WHERE id = ?`
	sqlSelectLocalByNickname = `SELECT ` + sqlProfileColumns + ` FROM profile WHERE is_local = 1 AND nickname = ?`
	sqlSelectLocalProfiles   = `SELECT ` + sqlProfileColumns + ` FROM profile WHERE is_local = 1 ORDER BY nickname`
	sqlCountRemoteProfiles   = `SELECT COUNT(*) FROM profile WHERE is_local = 0`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*domain.Profile, error) {
	var p domain.Profile
	var fullname, bio, profileURL, avatarURL, avatarFile sql.NullString
	err := row.Scan(&p.Id, &p.Nickname, &fullname, &bio, &profileURL, &avatarURL, &avatarFile, &p.Local, &p.CreatedAt, &p.ModifiedAt)
	if err != nil {
		return nil, err
	}
	p.Fullname = fullname.String
	p.Bio = bio.String
	p.ProfileURL = profileURL.String
	p.AvatarURL = avatarURL.String
	p.AvatarFile = avatarFile.String
	return &p, nil
}

// CreateProfile inserts p, assigning an id and timestamps when unset.
func (db *DB) CreateProfile(p *domain.Profile) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		return insertProfile(tx, p)
	})
}

func insertProfile(tx *sql.Tx, p *domain.Profile) error {
	if p.Id == uuid.Nil {
		p.Id = uuid.New()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.ModifiedAt = now
	_, err := tx.Exec(sqlInsertProfile, p.Id, p.Nickname, p.Fullname, p.Bio, p.ProfileURL, p.AvatarURL, p.AvatarFile, p.Local, p.CreatedAt, p.ModifiedAt)
	return err
}

func updateProfile(tx *sql.Tx, p *domain.Profile) error {
	p.ModifiedAt = time.Now().UTC()
	res, err := tx.Exec(sqlUpdateProfile, p.Nickname, p.Fullname, p.Bio, p.ProfileURL, p.AvatarURL, p.AvatarFile, p.ModifiedAt, p.Id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(sql.ErrNoRows, "profile "+p.Id.String())
	}
	return nil
}

func (db *DB) UpdateProfile(p *domain.Profile) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		return updateProfile(tx, p)
	})
}

func (db *DB) ReadProfileById(id uuid.UUID) (*domain.Profile, error) {
	p, err := scanProfile(db.db.QueryRow(sqlSelectProfileById, id))
	if err != nil {
		return nil, notFound(err, "profile "+id.String())
	}
	return p, nil
}

func (db *DB) ReadLocalProfileByNickname(nickname string) (*domain.Profile, error) {
	p, err := scanProfile(db.db.QueryRow(sqlSelectLocalByNickname, nickname))
	if err != nil {
		return nil, notFound(err, "local profile "+nickname)
	}
	return p, nil
}

func (db *DB) ReadLocalProfiles() ([]domain.Profile, error) {
	rows, err := db.db.Query(sqlSelectLocalProfiles)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []domain.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return profiles, err
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}

func (db *DB) CountRemoteProfiles() (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountRemoteProfiles).Scan(&n)
	return n, err
}

// DeleteProfile purges a profile together with everything keyed on it:
// its actor row, keys, follow state, favorites and notices. Notices go the
// way DeleteNotice removes them, repeats by others included.
func (db *DB) DeleteProfile(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		notices, err := selectIds(tx, sqlSelectProfileNoticeIds, id)
		if err != nil {
			return err
		}
		if err := purgeNotices(tx, notices...); err != nil {
			return err
		}

		stmts := []string{
			`DELETE FROM fave WHERE profile_id = ?`,
			`DELETE FROM subscription WHERE subscriber = ?1 OR subscribed = ?1`,
			`DELETE FROM activitypub_follow_request_queue WHERE subscriber = ?1 OR subscribed = ?1`,
			`DELETE FROM activitypub_activity WHERE actor_id = ?`,
			`DELETE FROM activitypub_rsa WHERE profile_id = ?`,
			`DELETE FROM activitypub_actor WHERE profile_id = ?`,
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(stmt, id); err != nil {
				return err
			}
		}
		res, err := tx.Exec(`DELETE FROM profile WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFound(sql.ErrNoRows, "profile "+id.String())
		}
		return nil
	})
}

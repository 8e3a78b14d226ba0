package activitypub

import (
	"context"
	"errors"
	"time"

	"github.com/deemkeen/courier/db"
	"github.com/deemkeen/courier/domain"
	"github.com/google/uuid"
)

// maxReplyDepth bounds how far up a reply chain GrabNotice fetches.
const maxReplyDepth = 4

// GrabNotice resolves a Note URI to a notice, importing it from its origin
// server when it is not known yet and online is set.
func (e *Explorer) GrabNotice(ctx context.Context, uri string, online bool) (*domain.Notice, error) {
	return e.grabNotice(ctx, uri, online, 0)
}

func (e *Explorer) grabNotice(ctx context.Context, uri string, online bool, depth int) (*domain.Notice, error) {
	n, err := e.localNotice(uri)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return n, err
	}
	if !online || e.urls.IsLocal(uri) {
		return nil, err
	}

	var note Note
	if err := e.client.GetJSON(ctx, uri, AcceptHeader, &note); err != nil {
		return nil, err
	}
	if note.Type != "Note" || note.ID == "" || note.AttributedTo == "" {
		return nil, invalid("%s is not a Note", uri)
	}
	if !sameHost(uri, note.ID) || !sameHost(note.ID, note.AttributedTo) {
		return nil, invalid("note %s is not attributed to its origin", note.ID)
	}

	author, err := e.LookupOne(ctx, note.AttributedTo, true)
	if err != nil {
		return nil, err
	}
	return e.importNote(ctx, &note, author, depth)
}

// localNotice finds a notice by its URI or through the object index.
func (e *Explorer) localNotice(uri string) (*domain.Notice, error) {
	n, err := e.store.ReadNoticeByURI(uri)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, serverError("reading notice", err)
	}

	obj, err := e.store.ReadObjectRecord(uri)
	if err != nil {
		return nil, e.storeErr("notice "+uri, err)
	}
	n, err = e.store.ReadNoticeById(obj.EntityId)
	if err != nil {
		return nil, e.storeErr("notice "+uri, err)
	}
	return n, nil
}

// ImportNote stores a remote Note authored by author as a notice. Importing
// a Note that is already known returns the existing notice.
func (e *Explorer) ImportNote(ctx context.Context, note *Note, author *domain.Profile) (*domain.Notice, error) {
	return e.importNote(ctx, note, author, 0)
}

func (e *Explorer) importNote(ctx context.Context, note *Note, author *domain.Profile, depth int) (*domain.Notice, error) {
	if existing, err := e.localNotice(note.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	notice := &domain.Notice{
		Id:         uuid.New(),
		ProfileId:  author.Id,
		URI:        note.ID,
		URL:        note.URL,
		Content:    note.Content,
		Verb:       domain.VerbPost,
		ObjectType: "note",
		Scope:      scopeOf(note.To, note.Cc),
		Source:     domain.SourceActivityPub,
		CreatedAt:  publishedAt(note.Published),
	}

	if note.InReplyTo != "" {
		parent, err := e.grabNotice(ctx, note.InReplyTo, depth < maxReplyDepth, depth+1)
		if err != nil {
			explorerLog.Debug("reply parent unavailable", "note", note.ID, "parent", note.InReplyTo, "err", err)
		} else {
			notice.ReplyTo = uuid.NullUUID{UUID: parent.Id, Valid: true}
		}
	}

	seen := map[uuid.UUID]bool{author.Id: true}
	targets := append(note.Mentions(), note.To...)
	targets = append(targets, note.Cc...)
	for _, target := range targets {
		if target == PublicCollection {
			continue
		}
		p, err := e.lookupLocal(target)
		if err != nil || seen[p.Id] {
			continue
		}
		seen[p.Id] = true
		notice.Attention = append(notice.Attention, p.Id)
	}

	if err := e.store.CreateNotice(notice); err != nil {
		return nil, serverError("storing notice "+note.ID, err)
	}
	obj, err := domain.NewObjectRecord(note.ID, "Note", notice.Id)
	if err != nil {
		return nil, invalid("note %s: %v", note.ID, err)
	}
	if err := e.store.CreateObjectRecord(obj); err != nil {
		return nil, serverError("indexing notice "+note.ID, err)
	}
	return notice, nil
}

func scopeOf(to, cc []string) domain.Scope {
	for _, list := range [][]string{to, cc} {
		for _, addr := range list {
			if addr == PublicCollection || addr == "as:Public" || addr == "Public" {
				return domain.ScopePublic
			}
		}
	}
	return domain.ScopeDirect
}

func publishedAt(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}

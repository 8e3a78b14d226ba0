package activitypub

import (
	"time"

	"github.com/deemkeen/courier/domain"
)

// RenderNote is the Note served for a local notice, addressed the same way
// CreateNote addresses it.
func RenderNote(d *Deliverer, n *domain.Notice) (map[string]any, error) {
	p, mentions, err := renderer(d, n)
	if err != nil {
		return nil, err
	}
	to, cc := p.audience(!n.IsDirect(), mentions)
	note := p.NoteObject(n, to, cc, mentions)
	note["@context"] = ContextActivityStreams
	return note, nil
}

// RenderActivity is the outbox entry of n: a Create for posts, an Announce
// for shares. Other verbs have no outbox representation and yield nil.
func RenderActivity(d *Deliverer, n *domain.Notice) (map[string]any, error) {
	switch n.Verb {
	case domain.VerbPost:
		p, mentions, err := renderer(d, n)
		if err != nil {
			return nil, err
		}
		to, cc := p.audience(!n.IsDirect(), mentions)
		activity := envelope(n.URI+"#create", "Create", p.sender.URI, p.NoteObject(n, to, cc, mentions))
		delete(activity, "@context")
		activity["published"] = n.CreatedAt.UTC().Format(time.RFC3339)
		activity["to"], activity["cc"] = to, cc
		return activity, nil
	case domain.VerbShare:
		if !n.RepeatOf.Valid {
			return nil, nil
		}
		original, err := d.Store.ReadNoticeById(n.RepeatOf.UUID)
		if err != nil {
			return nil, storeErr("shared notice of "+n.URI, err)
		}
		author, err := d.Store.ReadProfileById(n.ProfileId)
		if err != nil {
			return nil, storeErr("author of "+n.URI, err)
		}
		p := NewPostman(d, author, nil)
		activity := envelope(n.URI, "Announce", p.sender.URI, original.URI)
		delete(activity, "@context")
		activity["published"] = n.CreatedAt.UTC().Format(time.RFC3339)
		activity["to"], activity["cc"] = p.audience(true, nil)
		return activity, nil
	}
	return nil, nil
}

func renderer(d *Deliverer, n *domain.Notice) (*Postman, []string, error) {
	author, err := d.Store.ReadProfileById(n.ProfileId)
	if err != nil {
		return nil, nil, storeErr("author of "+n.URI, err)
	}
	if !author.Local {
		return nil, nil, notFound("local notice "+n.URI, nil)
	}
	p := NewPostman(d, author, nil)
	mentions, err := p.mentions(n)
	if err != nil {
		return nil, nil, err
	}
	return p, mentions, nil
}

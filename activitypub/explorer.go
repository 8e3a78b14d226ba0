package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/courier/cache"
	"github.com/deemkeen/courier/db"
	"github.com/deemkeen/courier/domain"
	"github.com/google/uuid"
)

var explorerLog = log.WithPrefix("explorer")

// DefaultMaxCollectionPages caps how many pages of a remote collection are
// walked in one lookup.
const DefaultMaxCollectionPages = 64

// Explorer resolves actor identifiers (URIs or WebFinger addresses) to
// local profile records, discovering and caching remote actors on the way.
type Explorer struct {
	store  Store
	keys   *KeyStore
	client *Client
	urls   URLs
	cache  cache.Cache[string, uuid.UUID]

	maxPages        int
	avatarDir       string
	avatarMaxBytes  int64
	webfingerScheme string
}

type ExplorerOption func(*Explorer)

// WithCache keeps actor URI to profile id mappings in c.
func WithCache(c cache.Cache[string, uuid.UUID]) ExplorerOption {
	return func(e *Explorer) { e.cache = c }
}

// WithMaxCollectionPages bounds collection traversal; n <= 0 keeps the default.
func WithMaxCollectionPages(n int) ExplorerOption {
	return func(e *Explorer) {
		if n > 0 {
			e.maxPages = n
		}
	}
}

// WithAvatars stores downloaded avatars in dir. Without it avatars are
// referenced by URL only.
func WithAvatars(dir string, maxBytes int64) ExplorerOption {
	return func(e *Explorer) {
		e.avatarDir = dir
		e.avatarMaxBytes = maxBytes
	}
}

func NewExplorer(store Store, keys *KeyStore, client *Client, urls URLs, opts ...ExplorerOption) *Explorer {
	e := &Explorer{
		store:           store,
		keys:            keys,
		client:          client,
		urls:            urls,
		cache:           cache.Nop[string, uuid.UUID]{},
		maxPages:        DefaultMaxCollectionPages,
		avatarMaxBytes:  1 << 20,
		webfingerScheme: "https",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Lookup resolves id to profiles. A single actor yields one profile, a
// collection yields one per resolvable member. With online false only
// records already known are returned.
func (e *Explorer) Lookup(ctx context.Context, id string, online bool) ([]*domain.Profile, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, invalid("empty identifier")
	}

	if user, host, ok := ParseAcct(id); ok {
		p, err := e.lookupAcct(ctx, user, host, online)
		if err != nil {
			return nil, err
		}
		return []*domain.Profile{p}, nil
	}

	u, err := url.Parse(id)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return nil, invalid("%q is neither a URL nor a WebFinger address", id)
	}

	if p, err := e.lookupLocal(id); err == nil {
		return []*domain.Profile{p}, nil
	} else if !errors.Is(err, ErrNotFound) || e.urls.IsLocal(id) {
		return nil, err
	}

	if !online {
		return nil, notFound("actor "+id, nil)
	}
	return e.fetch(ctx, id, true)
}

// LookupOne resolves id to exactly one profile.
func (e *Explorer) LookupOne(ctx context.Context, id string, online bool) (*domain.Profile, error) {
	profiles, err := e.Lookup(ctx, id, online)
	if err != nil {
		return nil, err
	}
	switch len(profiles) {
	case 0:
		return nil, notFound("actor "+id, nil)
	case 1:
		return profiles[0], nil
	default:
		return nil, invalid("%s is a collection, not an actor", id)
	}
}

// Resolve is LookupOne with an explicit outcome.
func (e *Explorer) Resolve(ctx context.Context, id string, online bool) LookupResult[*domain.Profile] {
	p, err := e.LookupOne(ctx, id, online)
	switch Classify(err) {
	case Found:
		return found(p)
	case Missing:
		return missing[*domain.Profile](err)
	default:
		return transient[*domain.Profile](err)
	}
}

// lookupLocal checks local actors and cached remote actors.
func (e *Explorer) lookupLocal(uri string) (*domain.Profile, error) {
	if nick, ok := e.urls.LocalNickname(uri); ok {
		p, err := e.store.ReadLocalProfileByNickname(nick)
		if err != nil {
			return nil, e.storeErr("local actor "+uri, err)
		}
		return p, nil
	}
	if e.urls.IsLocal(uri) {
		return nil, notFound("local actor "+uri, nil)
	}

	if id, ok := e.cache.Get(uri); ok {
		p, err := e.store.ReadProfileById(id)
		if err == nil {
			return p, nil
		}
		e.cache.Invalidate(uri)
	}

	actor, err := e.store.ReadRemoteActorByURI(uri)
	if err != nil {
		return nil, e.storeErr("actor "+uri, err)
	}
	p, err := e.store.ReadProfileById(actor.ProfileId)
	if err != nil {
		return nil, e.storeErr("profile of "+uri, err)
	}
	e.cache.Set(uri, p.Id)
	return p, nil
}

func (e *Explorer) storeErr(what string, err error) error {
	return storeErr(what, err)
}

func storeErr(what string, err error) error {
	if errors.Is(err, db.ErrNotFound) {
		return notFound(what, err)
	}
	return serverError("reading "+what, err)
}

func (e *Explorer) lookupAcct(ctx context.Context, user, host string, online bool) (*domain.Profile, error) {
	if host == e.localHost() {
		p, err := e.store.ReadLocalProfileByNickname(user)
		if err != nil {
			return nil, e.storeErr("local actor "+user, err)
		}
		return p, nil
	}
	if !online {
		return e.cachedAcct(user, host)
	}

	var jrd WebFinger
	resource := fmt.Sprintf("acct:%s@%s", user, host)
	wfURL := fmt.Sprintf("%s://%s/.well-known/webfinger?resource=%s", e.webfingerScheme, host, url.QueryEscape(resource))
	if err := e.client.GetJSON(ctx, wfURL, JRDContentType+", application/json", &jrd); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("webfinger %s: %w", resource, err)
	}

	for _, alias := range jrd.ActorLinks() {
		p, err := e.resolveAlias(ctx, alias)
		if err != nil {
			explorerLog.Warn("skipping alias", "acct", resource, "alias", alias, "err", err)
			continue
		}
		return p, nil
	}
	return nil, notFound(resource, nil)
}

// cachedAcct finds user@host among the remote actors already stored.
func (e *Explorer) cachedAcct(user, host string) (*domain.Profile, error) {
	resource := fmt.Sprintf("acct:%s@%s", user, host)
	actors, err := e.store.ReadRemoteActorsByNickname(user)
	if err != nil {
		return nil, serverError("reading actors named "+user, err)
	}
	for _, a := range actors {
		u, err := url.Parse(a.URI)
		if err != nil || !strings.EqualFold(u.Host, host) {
			continue
		}
		p, err := e.store.ReadProfileById(a.ProfileId)
		if err != nil {
			return nil, e.storeErr("profile of "+a.URI, err)
		}
		return p, nil
	}
	return nil, notFound(resource, nil)
}

// resolveAlias trusts a cached alias only after the remote document confirms
// it, rewriting the stored canonical URI when the document names another.
func (e *Explorer) resolveAlias(ctx context.Context, alias string) (*domain.Profile, error) {
	if e.urls.IsLocal(alias) {
		return e.lookupLocal(alias)
	}

	cached, err := e.lookupLocal(alias)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	doc, err := e.fetchActorDocument(ctx, alias)
	if err != nil {
		return nil, err
	}
	if cached != nil && doc.ID != alias {
		if _, err := e.store.ReadRemoteActorByURI(doc.ID); errors.Is(err, db.ErrNotFound) {
			if err := e.store.UpdateRemoteActorURI(alias, doc.ID); err != nil {
				return nil, serverError("updating canonical URI", err)
			}
			explorerLog.Info("canonical actor URI changed", "from", alias, "to", doc.ID)
		}
		e.cache.Invalidate(alias)
	}
	return e.storeActor(ctx, alias, doc)
}

// Refresh re-fetches a remote actor, e.g. after a key rotation.
func (e *Explorer) Refresh(ctx context.Context, uri string) (*domain.Profile, error) {
	if e.urls.IsLocal(uri) {
		return e.lookupLocal(uri)
	}
	doc, err := e.fetchActorDocument(ctx, uri)
	if err != nil {
		return nil, err
	}
	return e.storeActor(ctx, uri, doc)
}

// Forget drops uri from the lookup cache.
func (e *Explorer) Forget(uri string) {
	e.cache.Invalidate(uri)
}

// RemoteActor returns the actor row of a remote profile.
func (e *Explorer) RemoteActor(profile *domain.Profile) (*domain.RemoteActor, error) {
	actor, err := e.store.ReadRemoteActorByProfileId(profile.Id)
	if err != nil {
		return nil, e.storeErr("actor of "+profile.Id.String(), err)
	}
	return actor, nil
}

// fetch retrieves uri and dispatches on whether it is a collection.
func (e *Explorer) fetch(ctx context.Context, uri string, allowCollection bool) ([]*domain.Profile, error) {
	var raw json.RawMessage
	if err := e.client.GetJSON(ctx, uri, AcceptHeader, &raw); err != nil {
		return nil, err
	}

	var head struct {
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, invalid("document at %s is not an object", uri)
	}
	typ, _ := decodeType(head.Type)

	if isCollection(typ) {
		if !allowCollection {
			return nil, invalid("nested collection at %s", uri)
		}
		return e.travelCollection(ctx, uri, raw)
	}

	var doc ActorDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, invalid("malformed actor at %s: %v", uri, err)
	}
	p, err := e.storeActor(ctx, uri, &doc)
	if err != nil {
		return nil, err
	}
	return []*domain.Profile{p}, nil
}

func isCollection(typ string) bool {
	switch typ {
	case "OrderedCollection", "Collection", "OrderedCollectionPage", "CollectionPage":
		return true
	}
	return false
}

type collectionPage struct {
	ID           string            `json:"id"`
	First        json.RawMessage   `json:"first"`
	Next         json.RawMessage   `json:"next"`
	Items        []json.RawMessage `json:"items"`
	OrderedItems []json.RawMessage `json:"orderedItems"`
}

func (p *collectionPage) members() []json.RawMessage {
	return append(append([]json.RawMessage{}, p.OrderedItems...), p.Items...)
}

// travelCollection resolves every member of a paged collection. Members
// that fail to resolve are skipped; a page that cannot be fetched ends the
// walk with what was gathered so far.
func (e *Explorer) travelCollection(ctx context.Context, uri string, raw json.RawMessage) ([]*domain.Profile, error) {
	var profiles []*domain.Profile
	seenItems := make(map[string]bool)
	seenPages := make(map[string]bool)

	var page collectionPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, invalid("malformed collection at %s: %v", uri, err)
	}
	seenPages[uri] = true
	next := page.First
	pages := 1

	for {
		for _, item := range page.members() {
			ref, err := decodeRef(item)
			if err != nil || ref == "" || seenItems[ref] {
				continue
			}
			seenItems[ref] = true

			p, err := e.lookupMember(ctx, ref)
			if err != nil {
				explorerLog.Warn("skipping collection member", "collection", uri, "member", ref, "err", err)
				continue
			}
			profiles = append(profiles, p)
		}

		if isAbsent(next) {
			next = page.Next
		}
		if isAbsent(next) {
			break
		}
		if pages >= e.maxPages {
			explorerLog.Warn("collection page cap reached", "collection", uri, "pages", pages)
			break
		}

		nextPage, nextURI, err := e.loadPage(ctx, next)
		if err != nil {
			explorerLog.Warn("collection page unreachable", "collection", uri, "page", nextURI, "err", err)
			break
		}
		if nextURI != "" {
			if seenPages[nextURI] {
				break
			}
			seenPages[nextURI] = true
		}
		page = *nextPage
		next = nil
		pages++
	}
	return profiles, nil
}

// loadPage accepts an embedded page or a page URI.
func (e *Explorer) loadPage(ctx context.Context, ref json.RawMessage) (*collectionPage, string, error) {
	var uri string
	if err := json.Unmarshal(ref, &uri); err != nil {
		var page collectionPage
		if err := json.Unmarshal(ref, &page); err != nil {
			return nil, "", invalid("malformed collection page")
		}
		return &page, page.ID, nil
	}

	var page collectionPage
	if err := e.client.GetJSON(ctx, uri, AcceptHeader, &page); err != nil {
		return nil, uri, err
	}
	return &page, uri, nil
}

func (e *Explorer) lookupMember(ctx context.Context, ref string) (*domain.Profile, error) {
	if p, err := e.lookupLocal(ref); err == nil {
		return p, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	profiles, err := e.fetch(ctx, ref, false)
	if err != nil {
		return nil, err
	}
	return profiles[0], nil
}

func (e *Explorer) fetchActorDocument(ctx context.Context, uri string) (*ActorDocument, error) {
	var doc ActorDocument
	if err := e.client.GetJSON(ctx, uri, AcceptHeader, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// storeActor validates doc as fetched from uri and persists it with its key.
func (e *Explorer) storeActor(ctx context.Context, uri string, doc *ActorDocument) (*domain.Profile, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	if !sameHost(uri, doc.ID) {
		return nil, invalid("actor fetched from %s claims id %s", uri, doc.ID)
	}
	if e.urls.IsLocal(doc.ID) {
		return nil, invalid("remote document claims local id %s", doc.ID)
	}
	if _, err := ParsePublicKey(doc.PublicKey.PublicKeyPem); err != nil {
		return nil, invalid("actor %s has an unusable public key: %v", doc.ID, err)
	}

	profile := ProfileFromDocument(doc)
	profile.Id = uuid.New()
	actor, err := domain.NewRemoteActor(doc.ID, profile.Id, doc.Inbox, doc.SharedInbox())
	if err != nil {
		return nil, invalid("actor %s: %v", doc.ID, err)
	}

	if err := e.store.SaveRemoteActor(profile, actor, doc.PublicKey.PublicKeyPem); err != nil {
		return nil, serverError("cannot persist remote actor "+doc.ID, err)
	}
	e.cache.Set(doc.ID, profile.Id)
	explorerLog.Debug("stored remote actor", "uri", doc.ID, "profile", profile.Id)

	if profile.AvatarURL != "" {
		if err := e.fetchAvatar(ctx, profile); err != nil {
			explorerLog.Warn("avatar download failed", "actor", doc.ID, "err", err)
		}
	}
	return profile, nil
}

func sameHost(a, b string) bool {
	ua, err1 := url.Parse(a)
	ub, err2 := url.Parse(b)
	return err1 == nil && err2 == nil && strings.EqualFold(ua.Host, ub.Host)
}

var avatarExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// fetchAvatar downloads the avatar of a remote profile into the avatar dir.
func (e *Explorer) fetchAvatar(ctx context.Context, profile *domain.Profile) error {
	if e.avatarDir == "" {
		return nil
	}
	body, contentType, err := e.client.Get(ctx, profile.AvatarURL, "image/*", e.avatarMaxBytes)
	if err != nil {
		return err
	}
	ext, ok := avatarExtensions[strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])]
	if !ok {
		return fmt.Errorf("unsupported avatar type %q", contentType)
	}

	if err := os.MkdirAll(e.avatarDir, 0755); err != nil {
		return err
	}
	name := profile.Id.String() + ext
	if err := os.WriteFile(filepath.Join(e.avatarDir, name), body, 0644); err != nil {
		return err
	}
	profile.AvatarFile = name
	return e.store.UpdateProfile(profile)
}

func (e *Explorer) localHost() string {
	u, err := url.Parse(e.urls.Base)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

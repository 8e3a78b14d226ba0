package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/courier/db"
	"github.com/deemkeen/courier/domain"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var postmanLog = log.WithPrefix("postman")

// DefaultDeliveryWorkers is the per-call delivery concurrency.
const DefaultDeliveryWorkers = 4

// Deliverer holds what every Postman shares.
type Deliverer struct {
	Store   Store
	Signer  *Signer
	Client  *Client
	URLs    URLs
	Workers int
}

// Postman delivers the activities of one local sender to a set of
// recipients. Build a fresh one per delivery.
type Postman struct {
	d          *Deliverer
	sender     *LocalActor
	recipients []*domain.Profile
	followers  bool
}

type PostmanOption func(*Postman)

// WithoutFollowers disables follower fan-out for broadcasts.
func WithoutFollowers() PostmanOption {
	return func(p *Postman) { p.followers = false }
}

func NewPostman(d *Deliverer, sender *domain.Profile, recipients []*domain.Profile, opts ...PostmanOption) *Postman {
	p := &Postman{
		d:          d,
		sender:     d.URLs.LocalActor(sender),
		recipients: recipients,
		followers:  true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Report is the per-inbox outcome of a delivery.
type Report struct {
	mu        sync.Mutex
	Delivered []string
	Failed    map[string]*DeliveryError
	// owners maps each inbox to the recipients reached through it
	owners map[string][]uuid.UUID
}

func newReport(owners map[string][]uuid.UUID) *Report {
	return &Report{Failed: make(map[string]*DeliveryError), owners: owners}
}

func (r *Report) record(inbox string, err *DeliveryError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.Failed[inbox] = err
		return
	}
	r.Delivered = append(r.Delivered, inbox)
}

// OK reports whether every inbox accepted the activity.
func (r *Report) OK() bool {
	return len(r.Failed) == 0
}

// FailedRecipients lists the profiles behind the failed inboxes.
func (r *Report) FailedRecipients() []uuid.UUID {
	var out []uuid.UUID
	seen := make(map[uuid.UUID]bool)
	for inbox := range r.Failed {
		for _, id := range r.owners[inbox] {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// target is a computed delivery set.
type target struct {
	inboxes []string
	owners  map[string][]uuid.UUID
	uris    []string // actor URIs of the explicit recipients
}

// InboxTargets returns the deduplicated inbox set of a delivery, shared
// inboxes preferred, never including the sender's own inboxes.
func (p *Postman) InboxTargets(broadcast bool) ([]string, error) {
	t, err := p.targets(broadcast)
	if err != nil {
		return nil, err
	}
	return t.inboxes, nil
}

func (p *Postman) targets(broadcast bool) (*target, error) {
	t := &target{owners: make(map[string][]uuid.UUID)}
	add := func(inbox string, owner uuid.UUID) {
		if inbox == "" || p.isOwnInbox(inbox) || owner == p.sender.Profile.Id {
			return
		}
		if _, ok := t.owners[inbox]; !ok {
			t.inboxes = append(t.inboxes, inbox)
		}
		for _, id := range t.owners[inbox] {
			if id == owner {
				return
			}
		}
		t.owners[inbox] = append(t.owners[inbox], owner)
	}

	for _, r := range p.recipients {
		if r == nil || r.Id == p.sender.Profile.Id {
			continue
		}
		uri, actor, err := p.actorOf(r)
		if err != nil {
			return nil, err
		}
		if uri == "" {
			continue
		}
		t.uris = append(t.uris, uri)
		if actor != nil {
			add(actor.DeliveryInbox(), r.Id)
		}
	}

	if broadcast && p.followers {
		followers, err := p.d.Store.ReadSubscriberActors(p.sender.Profile.Id)
		if err != nil {
			return nil, serverError("reading followers", err)
		}
		for _, f := range followers {
			add(f.DeliveryInbox(), f.ProfileId)
		}
	}

	sort.Strings(t.inboxes)
	return t, nil
}

// actorOf returns the actor URI of r, and its actor row when r is remote.
// An empty URI means r cannot be addressed.
func (p *Postman) actorOf(r *domain.Profile) (string, *domain.RemoteActor, error) {
	if r.Local {
		return p.d.URLs.Actor(r.Nickname), nil, nil
	}
	actor, err := p.d.Store.ReadRemoteActorByProfileId(r.Id)
	if errors.Is(err, db.ErrNotFound) {
		postmanLog.Warn("recipient has no actor, skipping", "profile", r.Id)
		return "", nil, nil
	}
	if err != nil {
		return "", nil, serverError("reading recipient actor", err)
	}
	return actor.URI, actor, nil
}

// mentions lists the actors n is addressed to. It depends on the notice
// alone, never on who a particular delivery goes to.
func (p *Postman) mentions(n *domain.Notice) ([]string, error) {
	attention, _, err := attentionOf(p.d.Store, n)
	if err != nil {
		return nil, err
	}
	var uris []string
	for _, r := range attention {
		if r.Id == p.sender.Profile.Id {
			continue
		}
		uri, _, err := p.actorOf(r)
		if err != nil {
			return nil, err
		}
		if uri != "" {
			uris = append(uris, uri)
		}
	}
	return uris, nil
}

func (p *Postman) isOwnInbox(inbox string) bool {
	return p.d.URLs.IsLocal(inbox)
}

// isSuccess is the set of statuses that count as delivered; 409 means the
// remote already has the activity.
func isSuccess(status int) bool {
	return status == 200 || status == 202 || status == 409
}

// deliver posts activity to every inbox of t concurrently.
func (p *Postman) deliver(ctx context.Context, activity map[string]any, t *target) *Report {
	report := newReport(t.owners)
	if len(t.inboxes) == 0 {
		return report
	}

	body, err := json.Marshal(activity)
	if err != nil {
		for _, inbox := range t.inboxes {
			report.record(inbox, &DeliveryError{Inbox: inbox, Err: err})
		}
		return report
	}

	workers := p.d.Workers
	if workers <= 0 {
		workers = DefaultDeliveryWorkers
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for _, inbox := range t.inboxes {
		g.Go(func() error {
			report.record(inbox, p.post(ctx, inbox, body))
			return nil
		})
	}
	g.Wait()

	if n := len(report.Failed); n > 0 {
		postmanLog.Warn("delivery incomplete", "type", activity["type"], "failed", n, "delivered", len(report.Delivered))
	} else {
		postmanLog.Info("delivered", "type", activity["type"], "inboxes", len(report.Delivered))
	}
	return report
}

// post signs and sends body to one inbox.
func (p *Postman) post(ctx context.Context, inbox string, body []byte) *DeliveryError {
	headers, err := p.d.Signer.Sign(ctx, p.sender, inbox, body)
	if err != nil {
		return &DeliveryError{Inbox: inbox, Err: err}
	}
	status, resp, err := p.d.Client.Post(ctx, inbox, headers, body)
	if err != nil {
		return &DeliveryError{Inbox: inbox, Err: err}
	}
	if isSuccess(status) {
		return nil
	}
	return &DeliveryError{Inbox: inbox, Status: status, Body: remoteError(resp)}
}

// remoteError extracts {"error": "..."} bodies, falling back to the raw text.
func remoteError(body string) string {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal([]byte(body), &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	if strings.HasPrefix(strings.TrimSpace(body), "<") {
		return ""
	}
	return body
}

func (p *Postman) index(id, verb, objectURI string, entity uuid.UUID) {
	rec, err := domain.NewActivityRecord(id, p.sender.Profile.Id, verb, objectURI, entity, true)
	if err != nil {
		postmanLog.Warn("not indexing activity", "id", id, "err", err)
		return
	}
	if _, err := p.d.Store.CreateActivityRecord(rec); err != nil {
		postmanLog.Error("failed to index activity", "id", id, "err", err)
	}
}

func envelope(id, typ, actor string, object any) map[string]any {
	return map[string]any{
		"@context": ContextActivityStreams,
		"id":       id,
		"type":     typ,
		"actor":    actor,
		"object":   object,
	}
}

// single resolves the only recipient of a follow-family call.
func (p *Postman) single() (*domain.Profile, *domain.RemoteActor, error) {
	if len(p.recipients) != 1 || p.recipients[0] == nil {
		return nil, nil, invalid("follow flows take exactly one recipient")
	}
	r := p.recipients[0]
	if r.Local || r.Id == p.sender.Profile.Id {
		return nil, nil, invalid("follow flows deliver to remote actors only")
	}
	actor, err := p.d.Store.ReadRemoteActorByProfileId(r.Id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, nil, notFound("actor of "+r.Id.String(), err)
		}
		return nil, nil, serverError("reading recipient actor", err)
	}
	return r, actor, nil
}

// sendSingle delivers synchronously and turns any non-success into an error
// carrying the remote message when one was given.
func (p *Postman) sendSingle(ctx context.Context, activity map[string]any, actor *domain.RemoteActor) error {
	body, err := json.Marshal(activity)
	if err != nil {
		return serverError("encoding activity", err)
	}
	inbox := actor.DeliveryInbox()
	if derr := p.post(ctx, inbox, body); derr != nil {
		postmanLog.Warn("delivery failed", "type", activity["type"], "inbox", inbox, "status", derr.Status, "err", derr)
		return derr
	}
	postmanLog.Info("delivered", "type", activity["type"], "inbox", inbox)
	return nil
}

// Follow asks the recipient to accept the sender as a follower and records
// the pending request once the remote inbox took it.
func (p *Postman) Follow(ctx context.Context) error {
	r, actor, err := p.single()
	if err != nil {
		return err
	}
	id := p.d.URLs.NewActivityID()
	if err := p.sendSingle(ctx, envelope(id, "Follow", p.sender.URI, actor.URI), actor); err != nil {
		return err
	}
	if err := p.d.Store.CreatePendingFollow(p.sender.Profile.Id, r.Id); err != nil {
		return serverError("recording pending follow", err)
	}
	p.index(id, "Follow", actor.URI, r.Id)
	return nil
}

// UndoFollow withdraws a follow and drops any pending request for it.
func (p *Postman) UndoFollow(ctx context.Context) error {
	r, actor, err := p.single()
	if err != nil {
		return err
	}
	followID := p.d.URLs.NewActivityID()
	if rec, err := p.d.Store.ReadLatestActivity(p.sender.Profile.Id, "Follow", actor.URI); err == nil {
		followID = rec.URI
	}
	follow := envelope(followID, "Follow", p.sender.URI, actor.URI)
	delete(follow, "@context")

	id := p.d.URLs.NewActivityID()
	if err := p.sendSingle(ctx, envelope(id, "Undo", p.sender.URI, follow), actor); err != nil {
		return err
	}
	if _, err := p.d.Store.DeletePendingFollow(p.sender.Profile.Id, r.Id); err != nil {
		return serverError("removing pending follow", err)
	}
	p.index(id, "Undo", followID, r.Id)
	return nil
}

// AcceptFollow answers the recipient's Follow identified by followID.
func (p *Postman) AcceptFollow(ctx context.Context, followID string) error {
	r, actor, err := p.single()
	if err != nil {
		return err
	}
	follow := map[string]any{
		"id":     followID,
		"type":   "Follow",
		"actor":  actor.URI,
		"object": p.sender.URI,
	}
	id := p.d.URLs.NewActivityID()
	if err := p.sendSingle(ctx, envelope(id, "Accept", p.sender.URI, follow), actor); err != nil {
		return err
	}
	if _, err := p.d.Store.DeletePendingFollow(r.Id, p.sender.Profile.Id); err != nil {
		return serverError("removing pending follow", err)
	}
	p.index(id, "Accept", followID, r.Id)
	return nil
}

// audience addresses a broadcast: public notices go to Public with the
// followers collection in cc, direct ones only to their recipients.
func (p *Postman) audience(public bool, uris []string) (to, cc []string) {
	followers := p.d.URLs.Followers(p.sender.Profile.Nickname)
	if public {
		return []string{PublicCollection}, append([]string{followers}, uris...)
	}
	return append([]string{}, uris...), []string{}
}

// NoteObject renders a local notice as a Note.
func (p *Postman) NoteObject(n *domain.Notice, to, cc, mentions []string) map[string]any {
	note := map[string]any{
		"id":           n.URI,
		"type":         "Note",
		"attributedTo": p.sender.URI,
		"content":      n.Content,
		"published":    n.CreatedAt.UTC().Format(time.RFC3339),
		"url":          n.URI,
		"to":           to,
		"cc":           cc,
	}
	if n.URL != "" {
		note["url"] = n.URL
	}
	if n.ReplyTo.Valid {
		if parent, err := p.d.Store.ReadNoticeById(n.ReplyTo.UUID); err == nil {
			note["inReplyTo"] = parent.URI
		}
	}
	var tags []map[string]string
	for _, m := range mentions {
		tags = append(tags, map[string]string{"type": "Mention", "href": m})
	}
	if len(tags) > 0 {
		note["tag"] = tags
	}
	return note
}

func (p *Postman) broadcast(ctx context.Context, activity map[string]any, t *target) *Report {
	activity["to"], activity["cc"] = p.audience(true, t.uris)
	return p.deliver(ctx, activity, t)
}

// CreateNote federates a new notice.
func (p *Postman) CreateNote(ctx context.Context, n *domain.Notice) (*Report, error) {
	t, err := p.targets(!n.IsDirect())
	if err != nil {
		return nil, err
	}
	mentions, err := p.mentions(n)
	if err != nil {
		return nil, err
	}
	to, cc := p.audience(!n.IsDirect(), mentions)
	id := n.URI + "#create"
	activity := envelope(id, "Create", p.sender.URI, p.NoteObject(n, to, cc, mentions))
	activity["published"] = n.CreatedAt.UTC().Format(time.RFC3339)
	activity["to"], activity["cc"] = to, cc

	p.index(id, "Create", n.URI, n.Id)
	return p.deliver(ctx, activity, t), nil
}

// Announce federates share, a repeat of original.
func (p *Postman) Announce(ctx context.Context, share, original *domain.Notice) (*Report, error) {
	t, err := p.targets(true)
	if err != nil {
		return nil, err
	}
	activity := envelope(share.URI, "Announce", p.sender.URI, original.URI)
	activity["published"] = share.CreatedAt.UTC().Format(time.RFC3339)

	p.index(share.URI, "Announce", original.URI, share.Id)
	return p.broadcast(ctx, activity, t), nil
}

func (p *Postman) likeID(n *domain.Notice) string {
	return p.sender.URI + "#likes/" + n.Id.String()
}

// Like federates a favorite of n.
func (p *Postman) Like(ctx context.Context, n *domain.Notice) (*Report, error) {
	t, err := p.targets(true)
	if err != nil {
		return nil, err
	}
	id := p.likeID(n)
	activity := envelope(id, "Like", p.sender.URI, n.URI)

	p.index(id, "Like", n.URI, n.Id)
	return p.broadcast(ctx, activity, t), nil
}

// UndoLike withdraws a favorite of n.
func (p *Postman) UndoLike(ctx context.Context, n *domain.Notice) (*Report, error) {
	t, err := p.targets(true)
	if err != nil {
		return nil, err
	}
	like := envelope(p.likeID(n), "Like", p.sender.URI, n.URI)
	delete(like, "@context")
	id := p.likeID(n) + "/undo"
	activity := envelope(id, "Undo", p.sender.URI, like)

	p.index(id, "Undo", p.likeID(n), n.Id)
	return p.broadcast(ctx, activity, t), nil
}

// DeleteNote federates the deletion of n.
func (p *Postman) DeleteNote(ctx context.Context, n *domain.Notice) (*Report, error) {
	t, err := p.targets(!n.IsDirect())
	if err != nil {
		return nil, err
	}
	id := n.URI + "#delete"
	activity := envelope(id, "Delete", p.sender.URI, n.URI)
	activity["to"], activity["cc"] = p.audience(!n.IsDirect(), t.uris)
	return p.deliver(ctx, activity, t), nil
}

// DeleteProfile tells followers and recipients the sender is gone.
func (p *Postman) DeleteProfile(ctx context.Context) (*Report, error) {
	t, err := p.targets(true)
	if err != nil {
		return nil, err
	}
	id := p.sender.URI + "#delete"
	activity := envelope(id, "Delete", p.sender.URI, p.sender.URI)
	return p.broadcast(ctx, activity, t), nil
}

func (p *Postman) String() string {
	return fmt.Sprintf("postman(%s -> %d recipients)", p.sender.URI, len(p.recipients))
}

package activitypub

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/courier/db"
	"github.com/deemkeen/courier/domain"
	"github.com/google/uuid"
)

var inboxLog = log.WithPrefix("inbox")

// InboxHandler applies verified inbound activities to local state.
type InboxHandler struct {
	store     Store
	explorer  *Explorer
	deliverer *Deliverer
	now       func() time.Time
}

func NewInboxHandler(store Store, explorer *Explorer, deliverer *Deliverer) *InboxHandler {
	return &InboxHandler{store: store, explorer: explorer, deliverer: deliverer, now: time.Now}
}

// Handle dispatches act. actor is the already resolved sender, or nil to
// resolve act.Actor through the Explorer. An activity whose URI is already
// indexed is acknowledged without side effects.
func (h *InboxHandler) Handle(ctx context.Context, act *Activity, actor *domain.Profile) error {
	if act == nil || act.Actor == "" {
		return invalid("activity has no actor")
	}
	if act.Kind == KindUnknown {
		inboxLog.Debug("ignoring activity", "type", act.Type, "actor", act.Actor)
		return nil
	}

	if act.ID != "" {
		if _, err := h.store.ReadActivityRecord(act.ID); err == nil {
			inboxLog.Debug("duplicate activity", "id", act.ID)
			return nil
		} else if !errors.Is(err, db.ErrNotFound) {
			return serverError("reading activity index", err)
		}
	}

	if actor == nil {
		var err error
		actor, err = h.explorer.LookupOne(ctx, act.Actor, true)
		if err != nil {
			return err
		}
	}
	if actor.Local {
		return invalid("%s is a local actor", act.Actor)
	}

	inboxLog.Info("received", "type", act.Type, "actor", act.Actor, "id", act.ID)

	var (
		entity uuid.UUID
		err    error
	)
	switch act.Kind {
	case KindAccept:
		entity, err = h.accept(act, actor)
	case KindCreate:
		entity, err = h.create(ctx, act, actor)
	case KindDelete:
		entity, err = h.delete(act, actor)
	case KindFollow:
		entity, err = h.follow(ctx, act, actor)
	case KindLike:
		entity, err = h.like(ctx, act, actor)
	case KindUndo:
		entity, err = h.undo(ctx, act, actor)
	case KindAnnounce:
		entity, err = h.announce(ctx, act, actor)
	case KindUpdate:
		entity, err = h.update(ctx, act, actor)
	}
	if err != nil {
		inboxLog.Warn("activity rejected", "type", act.Type, "actor", act.Actor, "err", err)
		return err
	}
	h.index(act, actor, entity)
	return nil
}

func (h *InboxHandler) index(act *Activity, actor *domain.Profile, entity uuid.UUID) {
	// actors deleting themselves leave nothing to point at
	if act.ID == "" || (act.Kind == KindDelete && act.Object.ID == act.Actor) {
		return
	}
	rec, err := domain.NewActivityRecord(act.ID, actor.Id, act.Type, act.Object.ID, entity, false)
	if err != nil {
		inboxLog.Debug("not indexing activity", "id", act.ID, "err", err)
		return
	}
	if _, err := h.store.CreateActivityRecord(rec); err != nil {
		inboxLog.Error("failed to index activity", "id", act.ID, "err", err)
	}
}

// localActor resolves uri to a local profile.
func (h *InboxHandler) localActor(uri string) (*domain.Profile, error) {
	p, err := h.explorer.lookupLocal(uri)
	if err != nil {
		return nil, err
	}
	if !p.Local {
		return nil, notFound("local actor "+uri, nil)
	}
	return p, nil
}

// accept promotes our pending follow to a subscription. Only the caller that
// removed the pending row subscribes.
func (h *InboxHandler) accept(act *Activity, actor *domain.Profile) (uuid.UUID, error) {
	if act.Object.Kind != ObjectFollow {
		inboxLog.Debug("ignoring Accept", "object", act.Object.Type)
		return uuid.Nil, nil
	}
	follow := act.Object.Activity
	if follow.Object.ID != act.Actor {
		return uuid.Nil, invalid("%s accepted a follow of %s", act.Actor, follow.Object.ID)
	}
	follower, err := h.localActor(follow.Actor)
	if err != nil {
		return uuid.Nil, err
	}

	removed, err := h.store.DeletePendingFollow(follower.Id, actor.Id)
	if err != nil {
		return uuid.Nil, serverError("removing pending follow", err)
	}
	if !removed {
		inboxLog.Info("no pending follow to accept", "follower", follower.Nickname, "actor", act.Actor)
		return uuid.Nil, nil
	}
	uri := follow.ID
	if uri == "" {
		uri = act.ID
	}
	if _, err := h.store.CreateSubscription(&domain.Subscription{
		SubscriberId: follower.Id,
		SubscribedId: actor.Id,
		URI:          uri,
		CreatedAt:    h.now().UTC(),
	}); err != nil {
		return uuid.Nil, serverError("creating subscription", err)
	}
	inboxLog.Info("follow accepted", "follower", follower.Nickname, "actor", act.Actor)
	return actor.Id, nil
}

func (h *InboxHandler) create(ctx context.Context, act *Activity, actor *domain.Profile) (uuid.UUID, error) {
	if act.Object.Kind != ObjectNote {
		inboxLog.Debug("ignoring Create", "object", act.Object.Type)
		return uuid.Nil, nil
	}
	note := act.Object.Note
	if note.AttributedTo == "" {
		note.AttributedTo = act.Actor
	}
	if note.AttributedTo != act.Actor {
		return uuid.Nil, invalid("%s created a note attributed to %s", act.Actor, note.AttributedTo)
	}
	if !sameHost(note.ID, act.Actor) {
		return uuid.Nil, invalid("note %s does not belong to %s", note.ID, act.Actor)
	}
	if len(note.To) == 0 && len(note.Cc) == 0 {
		note.To, note.Cc = act.To, act.Cc
	}

	notice, err := h.explorer.ImportNote(ctx, note, actor)
	if err != nil {
		return uuid.Nil, err
	}
	return notice.Id, nil
}

// delete removes a notice of the actor, or the actor itself.
func (h *InboxHandler) delete(act *Activity, actor *domain.Profile) (uuid.UUID, error) {
	if act.Object.ID == act.Actor {
		if err := h.store.DeleteProfile(actor.Id); err != nil {
			return uuid.Nil, serverError("deleting profile", err)
		}
		h.explorer.Forget(act.Actor)
		inboxLog.Info("remote actor deleted", "actor", act.Actor)
		return actor.Id, nil
	}

	notice, err := h.explorer.localNotice(act.Object.ID)
	if err != nil {
		return uuid.Nil, err
	}
	if notice.ProfileId != actor.Id {
		return uuid.Nil, invalid("%s cannot delete %s", act.Actor, act.Object.ID)
	}
	if err := h.store.DeleteNotice(notice.Id); err != nil {
		return uuid.Nil, serverError("deleting notice", err)
	}
	return notice.Id, nil
}

// follow subscribes actor to a local profile and answers with an Accept.
func (h *InboxHandler) follow(ctx context.Context, act *Activity, actor *domain.Profile) (uuid.UUID, error) {
	target, err := h.localActor(act.Object.ID)
	if err != nil {
		return uuid.Nil, err
	}
	if act.ID == "" {
		return uuid.Nil, invalid("Follow without id cannot be accepted")
	}

	created, err := h.store.CreateSubscription(&domain.Subscription{
		SubscriberId: actor.Id,
		SubscribedId: target.Id,
		URI:          act.ID,
		CreatedAt:    h.now().UTC(),
	})
	if err != nil {
		return uuid.Nil, serverError("creating subscription", err)
	}
	if !created {
		inboxLog.Debug("already subscribed", "actor", act.Actor, "target", target.Nickname)
	}

	if h.deliverer != nil {
		if err := NewPostman(h.deliverer, target, []*domain.Profile{actor}).AcceptFollow(ctx, act.ID); err != nil {
			return uuid.Nil, err
		}
	}
	inboxLog.Info("follow accepted", "actor", act.Actor, "target", target.Nickname)
	return target.Id, nil
}

func (h *InboxHandler) like(ctx context.Context, act *Activity, actor *domain.Profile) (uuid.UUID, error) {
	notice, err := h.explorer.GrabNotice(ctx, act.Object.ID, false)
	if err != nil {
		return uuid.Nil, err
	}
	if _, err := h.store.CreateFave(&domain.Favorite{
		ProfileId: actor.Id,
		NoticeId:  notice.Id,
		URI:       act.ID,
		CreatedAt: h.now().UTC(),
	}); err != nil {
		return uuid.Nil, serverError("recording favorite", err)
	}
	return notice.Id, nil
}

func (h *InboxHandler) undo(ctx context.Context, act *Activity, actor *domain.Profile) (uuid.UUID, error) {
	inner := act.Object.Activity
	if inner == nil || act.Object.Kind == ObjectUnknown {
		inboxLog.Debug("ignoring Undo", "object", act.Object.Type)
		return uuid.Nil, nil
	}
	if inner.Actor != act.Actor {
		return uuid.Nil, invalid("%s cannot undo an activity of %s", act.Actor, inner.Actor)
	}

	switch act.Object.Kind {
	case ObjectFollow:
		target, err := h.localActor(inner.Object.ID)
		if err != nil {
			return uuid.Nil, err
		}
		if _, err := h.store.DeleteSubscription(actor.Id, target.Id); err != nil {
			return uuid.Nil, serverError("removing subscription", err)
		}
		if _, err := h.store.DeletePendingFollow(actor.Id, target.Id); err != nil {
			return uuid.Nil, serverError("removing pending follow", err)
		}
		h.forgetActivity(inner.ID)
		inboxLog.Info("unfollowed", "actor", act.Actor, "target", target.Nickname)
		return target.Id, nil

	case ObjectLike:
		notice, err := h.explorer.GrabNotice(ctx, inner.Object.ID, false)
		if err != nil {
			return uuid.Nil, err
		}
		if _, err := h.store.DeleteFave(actor.Id, notice.Id); err != nil {
			return uuid.Nil, serverError("removing favorite", err)
		}
		h.forgetActivity(inner.ID)
		return notice.Id, nil

	case ObjectAnnounce:
		original, err := h.explorer.GrabNotice(ctx, inner.Object.ID, false)
		if err != nil {
			return uuid.Nil, err
		}
		share, err := h.store.ReadShareOf(actor.Id, original.Id)
		if err != nil {
			return uuid.Nil, h.explorer.storeErr("share of "+inner.Object.ID, err)
		}
		if err := h.store.DeleteNotice(share.Id); err != nil {
			return uuid.Nil, serverError("deleting share", err)
		}
		h.forgetActivity(inner.ID)
		return share.Id, nil
	}
	return uuid.Nil, nil
}

func (h *InboxHandler) forgetActivity(uri string) {
	if uri == "" {
		return
	}
	if err := h.store.DeleteActivityRecord(uri); err != nil {
		inboxLog.Debug("cannot drop activity record", "uri", uri, "err", err)
	}
}

// announce records a repeat of a notice, fetching the original if needed.
func (h *InboxHandler) announce(ctx context.Context, act *Activity, actor *domain.Profile) (uuid.UUID, error) {
	original, err := h.explorer.GrabNotice(ctx, act.Object.ID, true)
	if err != nil {
		return uuid.Nil, err
	}
	if share, err := h.store.ReadShareOf(actor.Id, original.Id); err == nil {
		return share.Id, nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return uuid.Nil, serverError("reading share", err)
	}

	uri := act.ID
	if uri == "" {
		uri = act.Actor + "#announce/" + original.Id.String()
	}
	share := &domain.Notice{
		Id:         uuid.New(),
		ProfileId:  actor.Id,
		URI:        uri,
		Verb:       domain.VerbShare,
		ObjectType: "note",
		RepeatOf:   uuid.NullUUID{UUID: original.Id, Valid: true},
		Scope:      scopeOf(act.To, act.Cc),
		Source:     domain.SourceActivityPub,
		CreatedAt:  h.now().UTC(),
	}
	if err := h.store.CreateNotice(share); err != nil {
		return uuid.Nil, serverError("storing share", err)
	}
	return share.Id, nil
}

// update refreshes the stored actor when it announces a profile change.
func (h *InboxHandler) update(ctx context.Context, act *Activity, actor *domain.Profile) (uuid.UUID, error) {
	if act.Object.Kind != ObjectPerson {
		inboxLog.Debug("ignoring Update", "object", act.Object.Type)
		return uuid.Nil, nil
	}
	if act.Object.ID != act.Actor {
		return uuid.Nil, invalid("%s cannot update %s", act.Actor, act.Object.ID)
	}
	h.explorer.Forget(act.Actor)
	if _, err := h.explorer.Refresh(ctx, act.Actor); err != nil {
		return uuid.Nil, err
	}
	return actor.Id, nil
}

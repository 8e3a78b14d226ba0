package activitypub

import (
	"context"

	"github.com/deemkeen/courier/domain"
)

// Federator is what local actions call to get their effects federated.
type Federator struct {
	store     Store
	deliverer *Deliverer
	queue     JobQueue
}

func NewFederator(store Store, deliverer *Deliverer, queue JobQueue) *Federator {
	return &Federator{store: store, deliverer: deliverer, queue: queue}
}

// NoticeSaved queues a freshly stored notice for delivery.
func (f *Federator) NoticeSaved(notice *domain.Notice) error {
	author, err := f.store.ReadProfileById(notice.ProfileId)
	if err != nil {
		return storeErr("author of "+notice.Id.String(), err)
	}
	if !federates(author, notice) {
		return nil
	}
	return f.queue.Enqueue(TransportDelivery, NoticeJob{Notice: notice.Id})
}

// Favor sends a Like of notice to its author and attention set.
func (f *Federator) Favor(ctx context.Context, profile *domain.Profile, notice *domain.Notice) error {
	return f.like(ctx, profile, notice, OpLike)
}

// Disfavor withdraws a Like.
func (f *Federator) Disfavor(ctx context.Context, profile *domain.Profile, notice *domain.Notice) error {
	return f.like(ctx, profile, notice, OpUnlike)
}

func (f *Federator) like(ctx context.Context, profile *domain.Profile, notice *domain.Notice, op string) error {
	if !profile.Local {
		return nil
	}
	recipients, err := f.noticeAudience(notice)
	if err != nil {
		return err
	}
	postman := NewPostman(f.deliverer, profile, recipients)
	var report *Report
	if op == OpLike {
		report, err = postman.Like(ctx, notice)
	} else {
		report, err = postman.UndoLike(ctx, notice)
	}
	if err != nil {
		return err
	}
	requeue(f.queue, report, FailedDelivery{Notice: notice.Id, Op: op, Sender: profile.Id})
	return nil
}

// noticeAudience is the author of notice plus everyone it addressed.
func (f *Federator) noticeAudience(notice *domain.Notice) ([]*domain.Profile, error) {
	recipients, _, err := attentionOf(f.store, notice)
	if err != nil {
		return nil, err
	}
	author, err := f.store.ReadProfileById(notice.ProfileId)
	if err != nil {
		return nil, storeErr("author of "+notice.Id.String(), err)
	}
	return append([]*domain.Profile{author}, recipients...), nil
}

// DeleteNotice federates the deletion of a local notice. Call it before the
// notice is removed from the store.
func (f *Federator) DeleteNotice(ctx context.Context, notice *domain.Notice) error {
	author, err := f.store.ReadProfileById(notice.ProfileId)
	if err != nil {
		return storeErr("author of "+notice.Id.String(), err)
	}
	if !author.Local {
		return nil
	}
	recipients, _, err := attentionOf(f.store, notice)
	if err != nil {
		return err
	}
	report, err := NewPostman(f.deliverer, author, recipients).DeleteNote(ctx, notice)
	if err != nil {
		return err
	}
	requeue(f.queue, report, FailedDelivery{Notice: notice.Id, Op: OpDelete, Sender: author.Id, URI: notice.URI})
	return nil
}

// Follow asks target to accept follower. The subscription is created when
// the Accept arrives.
func (f *Federator) Follow(ctx context.Context, follower, target *domain.Profile) error {
	if target.Local {
		_, err := f.store.CreateSubscription(&domain.Subscription{
			SubscriberId: follower.Id,
			SubscribedId: target.Id,
			URI:          f.deliverer.URLs.Actor(follower.Nickname) + "#follows/" + target.Id.String(),
		})
		return err
	}
	return NewPostman(f.deliverer, follower, []*domain.Profile{target}).Follow(ctx)
}

// Unfollow withdraws a follow and ends the subscription.
func (f *Federator) Unfollow(ctx context.Context, follower, target *domain.Profile) error {
	if !target.Local {
		if err := NewPostman(f.deliverer, follower, []*domain.Profile{target}).UndoFollow(ctx); err != nil {
			return err
		}
	}
	if _, err := f.store.DeleteSubscription(follower.Id, target.Id); err != nil {
		return serverError("removing subscription", err)
	}
	return nil
}

// DeleteProfile tells every follower that profile is gone. Failures are not
// retried since nothing is left to sign with afterwards.
func (f *Federator) DeleteProfile(ctx context.Context, profile *domain.Profile) error {
	if !profile.Local {
		return nil
	}
	report, err := NewPostman(f.deliverer, profile, nil).DeleteProfile(ctx)
	if err != nil {
		return err
	}
	if !report.OK() {
		queueLog.Warn("profile deletion not delivered everywhere", "profile", profile.Nickname, "failed", len(report.Failed))
	}
	return nil
}

package activitypub

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/courier/db"
	"github.com/deemkeen/courier/domain"
	"github.com/google/uuid"
)

var queueLog = log.WithPrefix("delivery")

// Queue transports served by QueueHandlers.
const (
	TransportDelivery = "activitypub"
	TransportFailed   = "activitypub_failed"
)

// Operations a failed delivery can retry.
const (
	OpCreate = "create"
	OpLike   = "like"
	OpUnlike = "unlike"
	OpDelete = "delete"
)

// NoticeJob is the payload of the primary transport.
type NoticeJob struct {
	Notice uuid.UUID `json:"notice"`
}

// FailedDelivery is the payload of the failed transport: one recipient that
// did not accept an activity about one notice.
type FailedDelivery struct {
	Recipient uuid.UUID `json:"recipient"`
	Notice    uuid.UUID `json:"notice"`
	Op        string    `json:"op,omitempty"`
	// Sender defaults to the notice author
	Sender uuid.UUID `json:"sender,omitempty"`
	// URI of a deleted notice, which can no longer be read back
	URI string `json:"uri,omitempty"`
}

// QueueHandlers turns queued notice events into deliveries.
type QueueHandlers struct {
	store     Store
	deliverer *Deliverer
	queue     JobQueue
}

func NewQueueHandlers(store Store, deliverer *Deliverer, queue JobQueue) *QueueHandlers {
	return &QueueHandlers{store: store, deliverer: deliverer, queue: queue}
}

// HandleNotice federates a locally created post or share to its attention
// set and the author's followers. Recipients that fail get their own job on
// the failed transport.
func (h *QueueHandlers) HandleNotice(ctx context.Context, payload []byte) error {
	var job NoticeJob
	if err := json.Unmarshal(payload, &job); err != nil {
		queueLog.Error("dropping malformed job", "transport", TransportDelivery, "err", err)
		return nil
	}

	notice, err := h.store.ReadNoticeById(job.Notice)
	if errors.Is(err, db.ErrNotFound) {
		queueLog.Info("notice gone before delivery", "notice", job.Notice)
		return nil
	}
	if err != nil {
		return err
	}
	author, err := h.store.ReadProfileById(notice.ProfileId)
	if err != nil {
		return err
	}
	if !federates(author, notice) {
		queueLog.Debug("not federating notice", "notice", notice.Id, "verb", notice.Verb, "source", notice.Source)
		return nil
	}

	recipients, original, err := attentionOf(h.store, notice)
	if err != nil {
		return err
	}

	postman := NewPostman(h.deliverer, author, recipients)
	var report *Report
	if notice.Verb == domain.VerbShare {
		report, err = postman.Announce(ctx, notice, original)
	} else {
		report, err = postman.CreateNote(ctx, notice)
	}
	if err != nil {
		return err
	}
	h.requeue(report, FailedDelivery{Notice: notice.Id, Op: OpCreate})
	return nil
}

// federates reports whether notice is a local, user-made post or share.
func federates(author *domain.Profile, notice *domain.Notice) bool {
	if !author.Local || !notice.FromUserAction() {
		return false
	}
	return notice.Verb == domain.VerbPost || notice.Verb == domain.VerbShare
}

// attentionOf collects the profiles a notice is addressed to: its mentions,
// plus the parent's author and mentions for a reply, or the shared notice's
// author and mentions for a share. original is set for shares.
func attentionOf(store Store, notice *domain.Notice) ([]*domain.Profile, *domain.Notice, error) {
	ids := append([]uuid.UUID{}, notice.Attention...)

	var original *domain.Notice
	if notice.RepeatOf.Valid {
		var err error
		original, err = store.ReadNoticeById(notice.RepeatOf.UUID)
		if err != nil {
			return nil, nil, notFound("shared notice "+notice.RepeatOf.UUID.String(), err)
		}
		ids = append(ids, original.ProfileId)
		ids = append(ids, original.Attention...)
	}
	if notice.ReplyTo.Valid {
		parent, err := store.ReadNoticeById(notice.ReplyTo.UUID)
		if err == nil {
			ids = append(ids, parent.ProfileId)
			ids = append(ids, parent.Attention...)
		} else if !errors.Is(err, db.ErrNotFound) {
			return nil, nil, serverError("reading reply parent", err)
		}
	}

	seen := map[uuid.UUID]bool{notice.ProfileId: true}
	var out []*domain.Profile
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		p, err := store.ReadProfileById(id)
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, serverError("reading recipient", err)
		}
		out = append(out, p)
	}
	return out, original, nil
}

// requeue enqueues one failed-delivery job per recipient behind a failed inbox.
func (h *QueueHandlers) requeue(report *Report, tmpl FailedDelivery) {
	requeue(h.queue, report, tmpl)
}

func requeue(q JobQueue, report *Report, tmpl FailedDelivery) {
	if report == nil || report.OK() || q == nil {
		return
	}
	for _, id := range report.FailedRecipients() {
		job := tmpl
		job.Recipient = id
		if err := q.Enqueue(TransportFailed, job); err != nil {
			queueLog.Error("cannot queue retry", "recipient", id, "notice", tmpl.Notice, "err", err)
		}
	}
}

// HandleFailed retries one failed delivery against its single recipient.
// An error keeps the job in the queue for another attempt.
func (h *QueueHandlers) HandleFailed(ctx context.Context, payload []byte) error {
	var job FailedDelivery
	if err := json.Unmarshal(payload, &job); err != nil {
		queueLog.Error("dropping malformed job", "transport", TransportFailed, "err", err)
		return nil
	}

	recipient, err := h.store.ReadProfileById(job.Recipient)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var notice *domain.Notice
	if job.Op == OpDelete {
		notice = &domain.Notice{Id: job.Notice, URI: job.URI, ProfileId: job.Sender, Scope: domain.ScopePublic}
	} else {
		notice, err = h.store.ReadNoticeById(job.Notice)
		if errors.Is(err, db.ErrNotFound) {
			queueLog.Info("notice gone before retry", "notice", job.Notice)
			return nil
		}
		if err != nil {
			return err
		}
	}

	senderId := job.Sender
	if senderId == uuid.Nil {
		senderId = notice.ProfileId
	}
	sender, err := h.store.ReadProfileById(senderId)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	postman := NewPostman(h.deliverer, sender, []*domain.Profile{recipient}, WithoutFollowers())
	var report *Report
	switch job.Op {
	case OpLike:
		report, err = postman.Like(ctx, notice)
	case OpUnlike:
		report, err = postman.UndoLike(ctx, notice)
	case OpDelete:
		report, err = postman.DeleteNote(ctx, notice)
	default:
		if notice.Verb == domain.VerbShare && notice.RepeatOf.Valid {
			var original *domain.Notice
			original, err = h.store.ReadNoticeById(notice.RepeatOf.UUID)
			if err != nil {
				return notFound("shared notice", err)
			}
			report, err = postman.Announce(ctx, notice, original)
		} else {
			report, err = postman.CreateNote(ctx, notice)
		}
	}
	if err != nil {
		return err
	}
	for _, derr := range report.Failed {
		return derr
	}
	queueLog.Info("retry delivered", "recipient", recipient.Id, "notice", notice.Id, "op", job.Op)
	return nil
}

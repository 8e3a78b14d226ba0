package activitypub

import (
	"github.com/deemkeen/courier/domain"
	"github.com/google/uuid"
)

// Store is the persistence the federation layer reads and writes. It is
// satisfied by *db.DB. Read methods return an error wrapping db.ErrNotFound
// on a miss.
type Store interface {
	ProfileStore
	ActorStore
	KeyPairStore
	NoticeStore

	CreatePendingFollow(subscriber, subscribed uuid.UUID) error
	DeletePendingFollow(subscriber, subscribed uuid.UUID) (bool, error)
	ReadPendingFollow(subscriber, subscribed uuid.UUID) (*domain.PendingFollow, error)

	CreateSubscription(s *domain.Subscription) (bool, error)
	DeleteSubscription(subscriber, subscribed uuid.UUID) (bool, error)
	ReadSubscription(subscriber, subscribed uuid.UUID) (*domain.Subscription, error)

	CreateActivityRecord(rec *domain.ActivityRecord) (bool, error)
	ReadActivityRecord(uri string) (*domain.ActivityRecord, error)
	ReadLatestActivity(actorId uuid.UUID, verb, objectURI string) (*domain.ActivityRecord, error)
	DeleteActivityRecord(uri string) error
	CreateObjectRecord(rec *domain.ObjectRecord) error
	ReadObjectRecord(uri string) (*domain.ObjectRecord, error)
}

type ProfileStore interface {
	CreateProfile(p *domain.Profile) error
	UpdateProfile(p *domain.Profile) error
	ReadProfileById(id uuid.UUID) (*domain.Profile, error)
	ReadLocalProfileByNickname(nickname string) (*domain.Profile, error)
	DeleteProfile(id uuid.UUID) error
}

type ActorStore interface {
	ReadRemoteActorByURI(uri string) (*domain.RemoteActor, error)
	ReadRemoteActorByProfileId(id uuid.UUID) (*domain.RemoteActor, error)
	ReadSubscriberActors(subscribedId uuid.UUID) ([]domain.RemoteActor, error)
	ReadRemoteActorsByNickname(nickname string) ([]domain.RemoteActor, error)
	UpdateRemoteActorURI(oldURI, newURI string) error
	SaveRemoteActor(profile *domain.Profile, actor *domain.RemoteActor, publicKey string) error
}

type KeyPairStore interface {
	ReadKeyPair(profileId uuid.UUID) (*domain.KeyPair, error)
	CreateKeyPair(kp *domain.KeyPair) error
	UpsertPublicKey(profileId uuid.UUID, publicKey string) error
}

type NoticeStore interface {
	CreateNotice(n *domain.Notice) error
	ReadNoticeById(id uuid.UUID) (*domain.Notice, error)
	ReadNoticeByURI(uri string) (*domain.Notice, error)
	ReadShareOf(profileId, repeatOf uuid.UUID) (*domain.Notice, error)
	DeleteNotice(id uuid.UUID) error
	CreateFave(f *domain.Favorite) (bool, error)
	DeleteFave(profileId, noticeId uuid.UUID) (bool, error)
}

// JobQueue accepts asynchronous work. Satisfied by *queue.Queue.
type JobQueue interface {
	Enqueue(transport string, payload any) error
}

package domain

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidRecord is returned by the factories below when a record would
// violate its invariants.
var ErrInvalidRecord = errors.New("invalid record")

// RemoteActor is a federation peer's actor endpoint, reconciled 1:1 to a
// local Profile. Stored in activitypub_actor.
type RemoteActor struct {
	URI            string
	ProfileId      uuid.UUID
	InboxURI       string
	SharedInboxURI string // optional, preferred over InboxURI during fan-out
	CreatedAt      time.Time
	ModifiedAt     time.Time
}

// NewRemoteActor validates and builds a RemoteActor.
func NewRemoteActor(uri string, profileId uuid.UUID, inbox, sharedInbox string) (*RemoteActor, error) {
	if err := requireURL("uri", uri); err != nil {
		return nil, err
	}
	if err := requireURL("inbox", inbox); err != nil {
		return nil, err
	}
	if sharedInbox != "" {
		if err := requireURL("sharedInbox", sharedInbox); err != nil {
			return nil, err
		}
	}
	if profileId == uuid.Nil {
		return nil, fmt.Errorf("%w: remote actor %s has no profile", ErrInvalidRecord, uri)
	}
	now := time.Now().UTC()
	return &RemoteActor{
		URI:            uri,
		ProfileId:      profileId,
		InboxURI:       inbox,
		SharedInboxURI: sharedInbox,
		CreatedAt:      now,
		ModifiedAt:     now,
	}, nil
}

// DeliveryInbox returns the inbox a delivery to this actor should target.
func (a *RemoteActor) DeliveryInbox() string {
	if a.SharedInboxURI != "" {
		return a.SharedInboxURI
	}
	return a.InboxURI
}

// KeyPair is the RSA signing material for one actor. PrivateKey is only
// populated for local actors.
type KeyPair struct {
	ProfileId  uuid.UUID
	PrivateKey string
	PublicKey  string
	CreatedAt  time.Time
	ModifiedAt time.Time
}

func NewKeyPair(profileId uuid.UUID, publicKey, privateKey string) (*KeyPair, error) {
	if profileId == uuid.Nil {
		return nil, fmt.Errorf("%w: key pair without owner", ErrInvalidRecord)
	}
	if publicKey == "" {
		return nil, fmt.Errorf("%w: key pair for %s has no public key", ErrInvalidRecord, profileId)
	}
	now := time.Now().UTC()
	return &KeyPair{
		ProfileId:  profileId,
		PrivateKey: privateKey,
		PublicKey:  publicKey,
		CreatedAt:  now,
		ModifiedAt: now,
	}, nil
}

// HasPrivateKey reports whether the pair can sign.
func (k *KeyPair) HasPrivateKey() bool {
	return k.PrivateKey != ""
}

// PendingFollow is a Follow we sent that the remote side has not accepted yet.
type PendingFollow struct {
	SubscriberId uuid.UUID // local
	SubscribedId uuid.UUID // remote
	CreatedAt    time.Time
}

// ActivityRecord maps a federation-visible activity URI to the entity it
// produced (notice, favorite, ...).
type ActivityRecord struct {
	URI        string
	ActorId    uuid.UUID
	Verb       string // Create, Like, Announce, Delete, Follow, Undo, Accept
	ObjectURI  string
	EntityId   uuid.UUID
	IsLocal    bool // true if originated on this server
	CreatedAt  time.Time
	ModifiedAt time.Time
}

func NewActivityRecord(uri string, actorId uuid.UUID, verb, objectURI string, entityId uuid.UUID, local bool) (*ActivityRecord, error) {
	if err := requireURL("activity uri", uri); err != nil {
		return nil, err
	}
	if verb == "" {
		return nil, fmt.Errorf("%w: activity %s has no verb", ErrInvalidRecord, uri)
	}
	now := time.Now().UTC()
	return &ActivityRecord{
		URI:        uri,
		ActorId:    actorId,
		Verb:       verb,
		ObjectURI:  objectURI,
		EntityId:   entityId,
		IsLocal:    local,
		CreatedAt:  now,
		ModifiedAt: now,
	}, nil
}

// ObjectRecord maps an object URI (a Note, usually) to the notice it is.
type ObjectRecord struct {
	URI        string
	ObjectType string
	EntityId   uuid.UUID
	CreatedAt  time.Time
	ModifiedAt time.Time
}

func NewObjectRecord(uri, objectType string, entityId uuid.UUID) (*ObjectRecord, error) {
	if err := requireURL("object uri", uri); err != nil {
		return nil, err
	}
	if entityId == uuid.Nil {
		return nil, fmt.Errorf("%w: object %s points nowhere", ErrInvalidRecord, uri)
	}
	now := time.Now().UTC()
	return &ObjectRecord{
		URI:        uri,
		ObjectType: objectType,
		EntityId:   entityId,
		CreatedAt:  now,
		ModifiedAt: now,
	}, nil
}

func requireURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: %s is empty", ErrInvalidRecord, field)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("%w: %s %q is not an absolute URL", ErrInvalidRecord, field, raw)
	}
	return nil
}

package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Verb string

const (
	VerbPost     Verb = "post"
	VerbShare    Verb = "share"
	VerbFavorite Verb = "favorite"
	VerbDelete   Verb = "delete"
)

type Scope string

const (
	ScopePublic Scope = "public"
	ScopeDirect Scope = "direct"
)

// Notice sources. Anything but SourceActivityPub was produced by a
// user-facing action on this instance.
const (
	SourceWeb         = "web"
	SourceAPI         = "api"
	SourceActivityPub = "activitypub"
)

// Notice is the collaborator's post record. The federation layer only keeps
// references into it.
type Notice struct {
	Id         uuid.UUID
	ProfileId  uuid.UUID
	URI        string
	URL        string
	Content    string
	Verb       Verb
	ObjectType string
	ReplyTo    uuid.NullUUID
	RepeatOf   uuid.NullUUID
	Scope      Scope
	Source     string
	CreatedAt  time.Time
	Attention  []uuid.UUID // mentioned profiles
}

// FromUserAction reports whether the notice was produced locally rather
// than imported from another server.
func (n *Notice) FromUserAction() bool {
	return n.Source != SourceActivityPub
}

func (n *Notice) IsDirect() bool {
	return n.Scope == ScopeDirect
}

func (n *Notice) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tProfile: %s \n\tVerb: %s \n\tContent: %s \n\tCreatedAt: %s", n.Id, n.ProfileId, n.Verb, n.Content, n.CreatedAt)
}

// Favorite is a like of a notice.
type Favorite struct {
	ProfileId uuid.UUID
	NoticeId  uuid.UUID
	URI       string
	CreatedAt time.Time
}

// Subscription is an established follow relationship.
type Subscription struct {
	SubscriberId uuid.UUID
	SubscribedId uuid.UUID
	URI          string
	CreatedAt    time.Time
}

// Job is one unit of work on a queue transport.
type Job struct {
	Id          uuid.UUID
	Transport   string
	Payload     string
	Attempts    int
	LastError   string
	NextRetryAt time.Time
	CreatedAt   time.Time
}

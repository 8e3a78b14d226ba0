package activitypub

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/deemkeen/courier/domain"
	"github.com/google/uuid"
)

const (
	ContextActivityStreams = "https://www.w3.org/ns/activitystreams"
	ContextSecurity        = "https://w3id.org/security/v1"
	PublicCollection       = "https://www.w3.org/ns/activitystreams#Public"
)

// URLs builds the federation URLs of this instance.
type URLs struct {
	Base string // e.g. https://social.example
}

func NewURLs(base string) URLs {
	return URLs{Base: strings.TrimRight(base, "/")}
}

func (u URLs) Actor(nickname string) string     { return u.Base + "/users/" + url.PathEscape(nickname) }
func (u URLs) Inbox(nickname string) string     { return u.Actor(nickname) + "/inbox" }
func (u URLs) Outbox(nickname string) string    { return u.Actor(nickname) + "/outbox" }
func (u URLs) Followers(nickname string) string { return u.Actor(nickname) + "/followers" }
func (u URLs) Following(nickname string) string { return u.Actor(nickname) + "/following" }
func (u URLs) Liked(nickname string) string     { return u.Actor(nickname) + "/liked" }
func (u URLs) SharedInbox() string              { return u.Base + "/inbox" }
func (u URLs) Notice(id uuid.UUID) string       { return u.Base + "/notice/" + id.String() }
func (u URLs) Avatar(file string) string        { return u.Base + "/avatar/" + url.PathEscape(file) }

// NewActivityID mints a fresh activity URI.
func (u URLs) NewActivityID() string {
	return u.Base + "/activity/" + uuid.NewString()
}

// LocalNickname reports whether uri names a local actor and which one.
func (u URLs) LocalNickname(uri string) (string, bool) {
	prefix := u.Base + "/users/"
	if !strings.HasPrefix(uri, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(uri, prefix)
	if rest == "" || strings.ContainsAny(rest, "/?#") {
		return "", false
	}
	nick, err := url.PathUnescape(rest)
	if err != nil {
		return "", false
	}
	return nick, true
}

// IsLocal reports whether uri lives on this instance.
func (u URLs) IsLocal(uri string) bool {
	return uri == u.Base || strings.HasPrefix(uri, u.Base+"/")
}

// LocalActor is a local profile together with its actor URI.
type LocalActor struct {
	Profile *domain.Profile
	URI     string
}

func (u URLs) LocalActor(p *domain.Profile) *LocalActor {
	return &LocalActor{Profile: p, URI: u.Actor(p.Nickname)}
}

// PublicKey is the publicKey block of an actor document.
type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Image is an icon attachment.
type Image struct {
	Type      string `json:"type"`
	MediaType string `json:"mediaType,omitempty"`
	Height    int    `json:"height,omitempty"`
	Width     int    `json:"width,omitempty"`
	URL       string `json:"url"`
}

// UnmarshalJSON accepts an image object, a bare URL or a list of either.
func (i *Image) UnmarshalJSON(data []byte) error {
	var list []json.RawMessage
	if err := json.Unmarshal(data, &list); err == nil {
		if len(list) == 0 {
			return nil
		}
		return i.UnmarshalJSON(list[0])
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*i = Image{Type: "Image", URL: s}
		return nil
	}
	type plain Image
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*i = Image(p)
	return nil
}

type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// ActorDocument is the JSON representation of an actor, both the one we
// serve for local profiles and the one we read from remote servers.
type ActorDocument struct {
	Context                   any        `json:"@context,omitempty"`
	ID                        string     `json:"id"`
	Type                      string     `json:"type"`
	Following                 string     `json:"following,omitempty"`
	Followers                 string     `json:"followers,omitempty"`
	Liked                     string     `json:"liked,omitempty"`
	Inbox                     string     `json:"inbox"`
	Outbox                    string     `json:"outbox,omitempty"`
	PreferredUsername         string     `json:"preferredUsername"`
	Name                      string     `json:"name,omitempty"`
	Summary                   string     `json:"summary,omitempty"`
	URL                       string     `json:"url,omitempty"`
	ManuallyApprovesFollowers bool       `json:"manuallyApprovesFollowers"`
	PublicKey                 PublicKey  `json:"publicKey"`
	Icon                      *Image     `json:"icon,omitempty"`
	Endpoints                 *Endpoints `json:"endpoints,omitempty"`
}

// UnmarshalJSON accepts a list of types, and a url given as a list or as
// a Link object. The first usable entry wins.
func (a *ActorDocument) UnmarshalJSON(data []byte) error {
	type plain ActorDocument
	aux := struct {
		*plain
		Type json.RawMessage `json:"type"`
		URL  json.RawMessage `json:"url"`
	}{plain: (*plain)(a)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	a.Type, _ = decodeType(aux.Type)
	a.URL = firstURL(aux.URL)
	return nil
}

func firstURL(raw json.RawMessage) string {
	if isAbsent(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var link struct {
		Href string `json:"href"`
	}
	if err := json.Unmarshal(raw, &link); err == nil {
		return link.Href
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, item := range list {
			if u := firstURL(item); u != "" {
				return u
			}
		}
	}
	return ""
}

// Validate checks the fields every remote actor must have.
func (a *ActorDocument) Validate() error {
	switch {
	case a.ID == "":
		return invalid("actor has no id")
	case a.PreferredUsername == "":
		return invalid("actor %s has no preferredUsername", a.ID)
	case a.Inbox == "":
		return invalid("actor %s has no inbox", a.ID)
	case a.PublicKey.PublicKeyPem == "":
		return invalid("actor %s has no public key", a.ID)
	}
	return nil
}

// SharedInbox returns endpoints.sharedInbox when present.
func (a *ActorDocument) SharedInbox() string {
	if a.Endpoints == nil {
		return ""
	}
	return a.Endpoints.SharedInbox
}

// BuildActorDocument renders a local profile.
func BuildActorDocument(urls URLs, p *domain.Profile, publicKeyPem string) *ActorDocument {
	uri := urls.Actor(p.Nickname)
	doc := &ActorDocument{
		Context:                   []any{ContextActivityStreams, ContextSecurity},
		ID:                        uri,
		Type:                      "Person",
		Following:                 urls.Following(p.Nickname),
		Followers:                 urls.Followers(p.Nickname),
		Liked:                     urls.Liked(p.Nickname),
		Inbox:                     urls.Inbox(p.Nickname),
		Outbox:                    urls.Outbox(p.Nickname),
		PreferredUsername:         p.Nickname,
		Name:                      p.DisplayName(),
		Summary:                   p.Bio,
		URL:                       p.ProfileURL,
		ManuallyApprovesFollowers: false,
		PublicKey: PublicKey{
			ID:           KeyID(uri),
			Owner:        uri,
			PublicKeyPem: publicKeyPem,
		},
		Endpoints: &Endpoints{SharedInbox: urls.SharedInbox()},
	}
	if doc.URL == "" {
		doc.URL = uri
	}
	if p.AvatarFile != "" || p.AvatarURL != "" {
		avatar := p.AvatarURL
		if p.AvatarFile != "" {
			avatar = urls.Avatar(p.AvatarFile)
		}
		doc.Icon = &Image{
			Type:      "Image",
			MediaType: avatarMediaType(avatar),
			Height:    AvatarSize,
			Width:     AvatarSize,
			URL:       avatar,
		}
	}
	return doc
}

// AvatarSize is the advertised edge length of avatars.
const AvatarSize = 96

func avatarMediaType(avatarURL string) string {
	u, err := url.Parse(avatarURL)
	if err != nil {
		return "image/png"
	}
	if t := mime.TypeByExtension(path.Ext(u.Path)); t != "" {
		return t
	}
	return "image/png"
}

// ProfileFromDocument maps a remote actor document onto a profile record.
func ProfileFromDocument(doc *ActorDocument) *domain.Profile {
	p := &domain.Profile{
		Nickname:   doc.PreferredUsername,
		Fullname:   doc.Name,
		Bio:        doc.Summary,
		ProfileURL: doc.URL,
	}
	if p.ProfileURL == "" {
		p.ProfileURL = doc.ID
	}
	if doc.Icon != nil {
		p.AvatarURL = doc.Icon.URL
	}
	return p
}

// Webfinger address of a profile served by urls.
func (u URLs) Acct(nickname string) string {
	host := strings.TrimPrefix(strings.TrimPrefix(u.Base, "https://"), "http://")
	return fmt.Sprintf("acct:%s@%s", nickname, host)
}

package activitypub

import (
	"strings"
)

const JRDContentType = "application/jrd+json"

// WebFinger is a JSON Resource Descriptor.
type WebFinger struct {
	Subject string   `json:"subject"`
	Aliases []string `json:"aliases,omitempty"`
	Links   []Link   `json:"links"`
}

type Link struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

// ActorLinks returns the candidate actor URIs of a descriptor: self links of
// an ActivityPub type first, then the aliases, without duplicates.
func (w *WebFinger) ActorLinks() []string {
	var out []string
	seen := make(map[string]bool)
	add := func(u string) {
		if u != "" && !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	for _, l := range w.Links {
		if l.Rel == "self" && isActivityPubType(l.Type) {
			add(l.Href)
		}
	}
	for _, a := range w.Aliases {
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			add(a)
		}
	}
	return out
}

func isActivityPubType(t string) bool {
	return strings.HasPrefix(t, "application/activity+json") || strings.HasPrefix(t, "application/ld+json")
}

// ParseAcct splits "acct:user@host", "@user@host" or "user@host". ok is false
// for anything else, in particular for URLs.
func ParseAcct(s string) (user, host string, ok bool) {
	if strings.Contains(s, "://") {
		return "", "", false
	}
	s = strings.TrimPrefix(s, "acct:")
	s = strings.TrimPrefix(s, "@")
	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 {
		return "", "", false
	}
	user, host = s[:at], s[at+1:]
	if strings.ContainsAny(user, "/ ") || strings.ContainsAny(host, "/@ ") {
		return "", "", false
	}
	return user, strings.ToLower(host), true
}

// LocalWebFinger describes a local profile.
func LocalWebFinger(urls URLs, nickname string) *WebFinger {
	actor := urls.Actor(nickname)
	return &WebFinger{
		Subject: urls.Acct(nickname),
		Aliases: []string{actor},
		Links: []Link{
			{Rel: "self", Type: ContentType, Href: actor},
			{Rel: "http://webfinger.net/rel/profile-page", Type: "text/html", Href: actor},
		},
	}
}

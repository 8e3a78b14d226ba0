package web

import (
	"net/http"
	"strings"
	"testing"

	"github.com/deemkeen/courier/activitypub"
	"github.com/deemkeen/courier/domain"
	"github.com/deemkeen/courier/util"
	"github.com/google/uuid"
)

func TestGetActor(t *testing.T) {
	f := newFixture(t)
	f.localProfile("alice")

	w := f.get("/users/alice")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/activity+json") {
		t.Errorf("Content-Type = %q", ct)
	}

	doc := decodeJSON(t, w)
	uri := testBase + "/users/alice"
	checks := map[string]string{
		"id":                uri,
		"type":              "Person",
		"preferredUsername": "alice",
		"inbox":             uri + "/inbox",
		"outbox":            uri + "/outbox",
		"followers":         uri + "/followers",
		"following":         uri + "/following",
		"liked":             uri + "/liked",
	}
	for field, want := range checks {
		if doc[field] != want {
			t.Errorf("%s = %v, want %s", field, doc[field], want)
		}
	}
	key, _ := doc["publicKey"].(map[string]any)
	if key["id"] != activitypub.KeyID(uri) || key["owner"] != uri {
		t.Errorf("publicKey = %v", key)
	}
	pem, _ := key["publicKeyPem"].(string)
	if _, err := activitypub.ParsePublicKey(pem); err != nil {
		t.Errorf("publicKeyPem does not parse: %v", err)
	}
	endpoints, _ := doc["endpoints"].(map[string]any)
	if endpoints["sharedInbox"] != testBase+"/inbox" {
		t.Errorf("endpoints = %v", endpoints)
	}

	again := decodeJSON(t, f.get("/users/alice"))
	if again["publicKey"].(map[string]any)["publicKeyPem"] != pem {
		t.Error("Key changed between requests")
	}

	if w := f.get("/users/nobody"); w.Code != http.StatusNotFound {
		t.Errorf("Unknown actor = %d, want 404", w.Code)
	}
}

func TestGetNotice(t *testing.T) {
	f := newFixture(t)
	alice := f.localProfile("alice")
	bob := f.localProfile("bob")
	public := f.notice(alice, "hello fediverse", domain.ScopePublic)
	direct := f.notice(alice, "psst", domain.ScopeDirect)

	reply := &domain.Notice{
		ProfileId: bob.Id, Content: "hi alice", Verb: domain.VerbPost, ObjectType: "note",
		Scope: domain.ScopePublic, Source: domain.SourceWeb,
	}
	reply.ReplyTo = uuid.NullUUID{UUID: public.Id, Valid: true}
	reply.Id = uuid.New()
	reply.URI = f.urls.Notice(reply.Id)
	if err := f.store.CreateNotice(reply); err != nil {
		t.Fatalf("CreateNotice: %v", err)
	}

	w := f.get("/notice/" + public.Id.String())
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d: %s", w.Code, w.Body.String())
	}
	note := decodeJSON(t, w)
	if note["type"] != "Note" || note["id"] != public.URI || note["content"] != "hello fediverse" {
		t.Errorf("Note = %v", note)
	}
	if note["attributedTo"] != testBase+"/users/alice" {
		t.Errorf("attributedTo = %v", note["attributedTo"])
	}
	to, _ := note["to"].([]any)
	if len(to) != 1 || to[0] != activitypub.PublicCollection {
		t.Errorf("to = %v", to)
	}

	replyNote := decodeJSON(t, f.get("/notice/"+reply.Id.String()))
	if replyNote["inReplyTo"] != public.URI {
		t.Errorf("inReplyTo = %v, want %s", replyNote["inReplyTo"], public.URI)
	}
	cc, _ := replyNote["cc"].([]any)
	found := false
	for _, c := range cc {
		found = found || c == testBase+"/users/alice"
	}
	if !found {
		t.Errorf("Reply cc %v does not address the parent author", cc)
	}

	for name, path := range map[string]string{
		"direct":  "/notice/" + direct.Id.String(),
		"unknown": "/notice/7d444840-9dc0-11d1-b245-5ffdce74fad2",
		"bad id":  "/notice/not-a-uuid",
	} {
		if w := f.get(path); w.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", name, w.Code)
		}
	}
}

func TestActivityPubRoutesDisabled(t *testing.T) {
	f := newFixture(t)
	f.localProfile("alice")

	conf := &util.AppConfig{}
	router := NewServer(conf, f.store, f.keys, f.explorer, f.server.deliverer, f.server.inbox).Router()

	for _, path := range []string{"/users/alice", "/.well-known/webfinger?resource=acct:alice@local.test"} {
		req := f.get(path)
		if req.Code != http.StatusOK {
			t.Fatalf("Enabled router: %s = %d", path, req.Code)
		}
		w := serve(router, http.MethodGet, path)
		if w.Code != http.StatusNotFound {
			t.Errorf("Disabled router: %s = %d, want 404", path, w.Code)
		}
	}
	if w := serve(router, http.MethodGet, "/feed/alice"); w.Code != http.StatusOK {
		t.Errorf("Feed must stay available, got %d", w.Code)
	}
}

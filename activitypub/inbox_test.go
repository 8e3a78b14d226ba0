package activitypub

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/deemkeen/courier/db"
	"github.com/deemkeen/courier/domain"
)

type inboxFixture struct {
	*testEnv
	handler *InboxHandler
	remote  *remoteServer
	alice   *domain.Profile
	bob     *domain.Profile
	bobURI  string
}

func newInboxFixture(t *testing.T) *inboxFixture {
	t.Helper()
	env := newTestEnv(t)
	remote := newRemoteServer(t)
	f := &inboxFixture{
		testEnv: env,
		handler: NewInboxHandler(env.store, env.explorer, env.deliverer),
		remote:  remote,
		alice:   env.localProfile(t, "alice"),
		bobURI:  remote.addActor("bob", false),
	}
	f.bob = env.remoteProfile(t, f.bobURI)
	return f
}

// handle decodes raw (a JSON template with %[1]s for bob and %[2]s for
// alice) and dispatches it as coming from bob.
func (f *inboxFixture) handle(t *testing.T, raw string) error {
	t.Helper()
	act, err := DecodeActivity([]byte(fmt.Sprintf(raw, f.bobURI, f.urls.Actor("alice"))))
	if err != nil {
		t.Fatalf("DecodeActivity failed: %v", err)
	}
	return f.handler.Handle(t.Context(), act, f.bob)
}

func (f *inboxFixture) mustHandle(t *testing.T, raw string) {
	t.Helper()
	if err := f.handle(t, raw); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
}

func TestInboxFollow(t *testing.T) {
	f := newInboxFixture(t)
	follow := `{"id":"%[1]s/follows/1","type":"Follow","actor":"%[1]s","object":"%[2]s"}`

	f.mustHandle(t, follow)
	if _, err := f.store.ReadSubscription(f.bob.Id, f.alice.Id); err != nil {
		t.Fatalf("Expected a subscription: %v", err)
	}
	got := f.remote.deliveries()
	if len(got) != 1 || got[0].Path != "/users/bob/inbox" {
		t.Fatalf("Expected one Accept to bob, got %d deliveries", len(got))
	}
	var accept map[string]any
	json.Unmarshal(got[0].Body, &accept)
	inner := accept["object"].(map[string]any)
	if accept["type"] != "Accept" || inner["id"] != f.bobURI+"/follows/1" {
		t.Errorf("Unexpected Accept %v", accept)
	}

	// redelivery of the same activity is acknowledged without effects
	f.mustHandle(t, follow)
	if len(f.remote.deliveries()) != 1 {
		t.Error("Duplicate Follow was accepted twice")
	}
}

func TestInboxFollowResolvesActor(t *testing.T) {
	f := newInboxFixture(t)
	carolURI := f.remote.addActor("carol", false)

	act, err := DecodeActivity([]byte(fmt.Sprintf(`{"id":"%[1]s/follows/9","type":"Follow","actor":"%[1]s","object":"%[2]s"}`, carolURI, f.urls.Actor("alice"))))
	if err != nil {
		t.Fatalf("DecodeActivity failed: %v", err)
	}
	if err := f.handler.Handle(t.Context(), act, nil); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	carol, err := f.store.ReadRemoteActorByURI(carolURI)
	if err != nil {
		t.Fatalf("Sender not discovered: %v", err)
	}
	if _, err := f.store.ReadSubscription(carol.ProfileId, f.alice.Id); err != nil {
		t.Errorf("Expected carol to follow alice: %v", err)
	}
}

func TestInboxUndoFollow(t *testing.T) {
	f := newInboxFixture(t)
	f.mustHandle(t, `{"id":"%[1]s/follows/1","type":"Follow","actor":"%[1]s","object":"%[2]s"}`)

	f.mustHandle(t, `{"id":"%[1]s/undo/1","type":"Undo","actor":"%[1]s","object":{"id":"%[1]s/follows/1","type":"Follow","actor":"%[1]s","object":"%[2]s"}}`)
	if _, err := f.store.ReadSubscription(f.bob.Id, f.alice.Id); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Expected the subscription to be gone, got %v", err)
	}
}

func TestInboxAcceptFollow(t *testing.T) {
	f := newInboxFixture(t)
	if err := f.store.CreatePendingFollow(f.alice.Id, f.bob.Id); err != nil {
		t.Fatalf("CreatePendingFollow failed: %v", err)
	}

	accept := `{"id":"%[1]s/accepts/%[3]d","type":"Accept","actor":"%[1]s","object":{"id":"https://local.test/activity/1","type":"Follow","actor":"%[2]s","object":"%[1]s"}}`
	for i := 1; i <= 2; i++ {
		act, err := DecodeActivity([]byte(fmt.Sprintf(accept, f.bobURI, f.urls.Actor("alice"), i)))
		if err != nil {
			t.Fatalf("DecodeActivity failed: %v", err)
		}
		if err := f.handler.Handle(t.Context(), act, f.bob); err != nil {
			t.Fatalf("Handle failed: %v", err)
		}
	}

	if _, err := f.store.ReadPendingFollow(f.alice.Id, f.bob.Id); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Expected the pending follow to be gone, got %v", err)
	}
	if n, _ := f.store.CountSubscribers(f.bob.Id); n != 1 {
		t.Errorf("Expected exactly one subscription, got %d", n)
	}
}

func TestInboxAcceptOfSomeoneElsesFollow(t *testing.T) {
	f := newInboxFixture(t)
	f.store.CreatePendingFollow(f.alice.Id, f.bob.Id)

	err := f.handle(t, `{"id":"%[1]s/accepts/1","type":"Accept","actor":"%[1]s","object":{"type":"Follow","actor":"%[2]s","object":"https://elsewhere.example/users/x"}}`)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ValidationError, got %v", err)
	}
	if _, err := f.store.ReadPendingFollow(f.alice.Id, f.bob.Id); err != nil {
		t.Error("Rejected Accept removed the pending follow")
	}
}

func TestInboxCreateAndDeleteNote(t *testing.T) {
	f := newInboxFixture(t)
	f.mustHandle(t, `{"id":"%[1]s/notes/1/activity","type":"Create","actor":"%[1]s","to":["https://www.w3.org/ns/activitystreams#Public"],
		"object":{"id":"%[1]s/notes/1","type":"Note","attributedTo":"%[1]s","content":"hello","to":["https://www.w3.org/ns/activitystreams#Public"]}}`)

	n, err := f.store.ReadNoticeByURI(f.bobURI + "/notes/1")
	if err != nil {
		t.Fatalf("Note not imported: %v", err)
	}
	if n.ProfileId != f.bob.Id || n.Content != "hello" || n.Source != domain.SourceActivityPub || n.IsDirect() {
		t.Errorf("Unexpected notice %s", n.ToString())
	}
	rec, err := f.store.ReadActivityRecord(f.bobURI + "/notes/1/activity")
	if err != nil || rec.EntityId != n.Id || rec.IsLocal {
		t.Errorf("Create not indexed: %v %v", rec, err)
	}

	f.mustHandle(t, `{"id":"%[1]s/notes/1#delete","type":"Delete","actor":"%[1]s","object":{"id":"%[1]s/notes/1","type":"Tombstone"}}`)
	if _, err := f.store.ReadNoticeById(n.Id); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Expected the notice to be deleted, got %v", err)
	}
}

func TestInboxCreateRejectsForeignAttribution(t *testing.T) {
	f := newInboxFixture(t)
	err := f.handle(t, `{"id":"%[1]s/c/1","type":"Create","actor":"%[1]s","object":{"id":"%[1]s/notes/2","type":"Note","attributedTo":"%[2]s","content":"spoof"}}`)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ValidationError, got %v", err)
	}
	if _, err := f.store.ReadNoticeByURI(f.bobURI + "/notes/2"); err == nil {
		t.Error("Spoofed note was stored")
	}
}

func TestInboxDeleteOfForeignNotice(t *testing.T) {
	f := newInboxFixture(t)
	n := f.notice(t, f.alice, "mine")

	err := f.handle(t, `{"id":"%[1]s/d/1","type":"Delete","actor":"%[1]s","object":"`+n.URI+`"}`)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ValidationError, got %v", err)
	}
	if _, err := f.store.ReadNoticeById(n.Id); err != nil {
		t.Error("Foreign notice was deleted")
	}
}

func TestInboxLikeAndUndo(t *testing.T) {
	f := newInboxFixture(t)
	n := f.notice(t, f.alice, "likeable")

	f.mustHandle(t, `{"id":"%[1]s/likes/1","type":"Like","actor":"%[1]s","object":"`+n.URI+`"}`)
	if _, err := f.store.ReadFave(f.bob.Id, n.Id); err != nil {
		t.Fatalf("Expected a favorite: %v", err)
	}
	if c, _ := f.store.CountFaves(f.bob.Id); c != 1 {
		t.Errorf("Expected one favorite, got %d", c)
	}

	f.mustHandle(t, `{"id":"%[1]s/likes/1/undo","type":"Undo","actor":"%[1]s","object":{"id":"%[1]s/likes/1","type":"Like","actor":"%[1]s","object":"`+n.URI+`"}}`)
	if _, err := f.store.ReadFave(f.bob.Id, n.Id); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Expected the favorite to be gone, got %v", err)
	}
}

func TestInboxLikeOfUnknownNotice(t *testing.T) {
	f := newInboxFixture(t)
	err := f.handle(t, `{"id":"%[1]s/likes/2","type":"Like","actor":"%[1]s","object":"https://local.test/notice/00000000-0000-0000-0000-000000000000"}`)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected NotFound, got %v", err)
	}
	if _, err := f.store.ReadActivityRecord(f.bobURI + "/likes/2"); err == nil {
		t.Error("Failed activity was indexed")
	}
}

func TestInboxAnnounceAndUndo(t *testing.T) {
	f := newInboxFixture(t)
	n := f.notice(t, f.alice, "shareable")

	announce := `{"id":"%[1]s/announces/1","type":"Announce","actor":"%[1]s","to":["https://www.w3.org/ns/activitystreams#Public"],"object":"` + n.URI + `"}`
	f.mustHandle(t, announce)
	share, err := f.store.ReadShareOf(f.bob.Id, n.Id)
	if err != nil {
		t.Fatalf("Expected a share: %v", err)
	}
	if share.Verb != domain.VerbShare || share.URI != f.bobURI+"/announces/1" {
		t.Errorf("Unexpected share %s", share.ToString())
	}

	f.mustHandle(t, `{"id":"%[1]s/announces/1/undo","type":"Undo","actor":"%[1]s","object":{"id":"%[1]s/announces/1","type":"Announce","actor":"%[1]s","object":"`+n.URI+`"}}`)
	if _, err := f.store.ReadShareOf(f.bob.Id, n.Id); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Expected the share to be gone, got %v", err)
	}
}

func TestInboxUpdatePerson(t *testing.T) {
	f := newInboxFixture(t)
	f.remote.serveDoc("/users/bob", map[string]any{
		"id":                f.bobURI,
		"type":              "Person",
		"preferredUsername": "bob",
		"name":              "Robert",
		"inbox":             f.bobURI + "/inbox",
		"publicKey":         map[string]string{"publicKeyPem": publicPEM(t, sharedTestKey(t))},
	})

	f.mustHandle(t, `{"id":"%[1]s#update-1","type":"Update","actor":"%[1]s","object":{"id":"%[1]s","type":"Person","name":"Robert"}}`)
	p, err := f.store.ReadProfileById(f.bob.Id)
	if err != nil {
		t.Fatalf("ReadProfileById failed: %v", err)
	}
	if p.Fullname != "Robert" {
		t.Errorf("Expected the refreshed name, got %q", p.Fullname)
	}

	err = f.handle(t, `{"id":"%[1]s#update-2","type":"Update","actor":"%[1]s","object":{"id":"%[2]s","type":"Person"}}`)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Expected updating another actor to fail, got %v", err)
	}
}

func TestInboxActorDeletesItself(t *testing.T) {
	f := newInboxFixture(t)
	f.store.CreateSubscription(&domain.Subscription{SubscriberId: f.bob.Id, SubscribedId: f.alice.Id})

	f.mustHandle(t, `{"id":"%[1]s/notes/1/activity","type":"Create","actor":"%[1]s","to":["https://www.w3.org/ns/activitystreams#Public"],
		"object":{"id":"%[1]s/notes/1","type":"Note","attributedTo":"%[1]s","content":"hello","to":["https://www.w3.org/ns/activitystreams#Public"]}}`)
	n, err := f.store.ReadNoticeByURI(f.bobURI + "/notes/1")
	if err != nil {
		t.Fatalf("Note not imported: %v", err)
	}
	if _, err := f.store.CreateFave(&domain.Favorite{ProfileId: f.alice.Id, NoticeId: n.Id}); err != nil {
		t.Fatalf("CreateFave failed: %v", err)
	}
	likeID := f.urls.Actor("alice") + "#likes/" + n.Id.String()
	like, _ := domain.NewActivityRecord(likeID, f.alice.Id, "Like", n.URI, n.Id, true)
	if _, err := f.store.CreateActivityRecord(like); err != nil {
		t.Fatalf("CreateActivityRecord failed: %v", err)
	}

	f.mustHandle(t, `{"id":"%[1]s#delete","type":"Delete","actor":"%[1]s","object":"%[1]s"}`)
	if _, err := f.store.ReadProfileById(f.bob.Id); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Expected the profile to be purged, got %v", err)
	}
	if _, err := f.store.ReadRemoteActorByURI(f.bobURI); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Expected the actor to be purged, got %v", err)
	}
	if n, _ := f.store.CountSubscribers(f.alice.Id); n != 0 {
		t.Errorf("Expected no subscribers left, got %d", n)
	}
	if count, _ := f.store.CountFaves(f.alice.Id); count != 0 {
		t.Errorf("Expected alice's fave of the purged note to be gone, got %d", count)
	}
	if _, err := f.store.ReadActivityRecord(likeID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Expected the Like record to be gone, got %v", err)
	}
}

func TestInboxIgnoresUnknown(t *testing.T) {
	f := newInboxFixture(t)
	for _, raw := range []string{
		`{"id":"%[1]s/m/1","type":"Move","actor":"%[1]s","object":"%[1]s"}`,
		`{"id":"%[1]s/a/1","type":"Accept","actor":"%[1]s","object":{"type":"Invite","actor":"%[2]s","object":"%[1]s"}}`,
		`{"id":"%[1]s/u/1","type":"Undo","actor":"%[1]s","object":{"type":"Block","actor":"%[1]s","object":"%[2]s"}}`,
		`{"id":"%[1]s/c/9","type":"Create","actor":"%[1]s","object":{"id":"%[1]s/q/1","type":"Question"}}`,
	} {
		if err := f.handle(t, raw); err != nil {
			t.Errorf("Expected a no-op, got %v", err)
		}
	}
	if len(f.remote.deliveries()) != 0 {
		t.Error("Ignored activities caused deliveries")
	}
}

func TestInboxRejectsLocalSender(t *testing.T) {
	f := newInboxFixture(t)
	act, _ := DecodeActivity([]byte(`{"type":"Follow","actor":"https://local.test/users/alice","object":"https://local.test/users/alice"}`))
	if err := f.handler.Handle(t.Context(), act, f.alice); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ValidationError, got %v", err)
	}
}

func TestInboxRejectsBeforeSideEffects(t *testing.T) {
	f := newInboxFixture(t)
	for _, raw := range []string{
		`{"id":"%[1]s/f/1","type":"Follow","object":"%[2]s"}`,
		`{"id":"%[1]s/f/2","type":"Follow","actor":"%[1]s"}`,
		`{"id":"%[1]s/f/3","type":"Undo","actor":"%[1]s","object":"%[1]s/f/1"}`,
	} {
		_, err := DecodeActivity([]byte(fmt.Sprintf(raw, f.bobURI, f.urls.Actor("alice"))))
		if !errors.Is(err, ErrValidation) {
			t.Errorf("Expected ValidationError for %s, got %v", raw, err)
		}
	}
	if n, _ := f.store.CountSubscribers(f.alice.Id); n != 0 {
		t.Error("Rejected activity created a subscription")
	}
	if len(f.remote.deliveries()) != 0 {
		t.Error("Rejected activity caused a delivery")
	}
}

package activitypub

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/courier/db"
	"github.com/deemkeen/courier/domain"
	"github.com/google/uuid"
)

const testBase = "https://local.test"

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

// sharedTestKey is one key reused by every remote test actor.
func sharedTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

func publicPEM(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

// delivery is one POST a test server received.
type delivery struct {
	Path   string
	Header http.Header
	Body   []byte
}

// remoteServer plays a federation peer: it serves registered documents
// and records what is posted to it.
type remoteServer struct {
	*httptest.Server
	t *testing.T

	mu          sync.Mutex
	docs        map[string]any
	failing     map[string]int
	received    []delivery
	inboxStatus int
	inboxBody   string
}

func newRemoteServer(t *testing.T) *remoteServer {
	t.Helper()
	s := &remoteServer{
		t:           t,
		docs:        make(map[string]any),
		failing:     make(map[string]int),
		inboxStatus: http.StatusAccepted,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *remoteServer) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Method == http.MethodPost {
		body, _ := io.ReadAll(r.Body)
		header := r.Header.Clone()
		header.Set("Host", r.Host)
		s.received = append(s.received, delivery{Path: r.URL.RequestURI(), Header: header, Body: body})
		w.WriteHeader(s.inboxStatus)
		io.WriteString(w, s.inboxBody)
		return
	}

	key := r.URL.Path
	if r.URL.RawQuery != "" {
		key += "?" + r.URL.RawQuery
	}
	if status, ok := s.failing[key]; ok {
		w.WriteHeader(status)
		return
	}
	doc, ok := s.docs[key]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", ContentType)
	json.NewEncoder(w).Encode(doc)
}

// url is the absolute URL of path on this server.
func (s *remoteServer) url(path string) string {
	return s.URL + path
}

func (s *remoteServer) host() string {
	return strings.TrimPrefix(s.URL, "http://")
}

func (s *remoteServer) serveDoc(path string, doc any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[path] = doc
}

func (s *remoteServer) fail(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[path] = status
}

func (s *remoteServer) respondWith(status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inboxStatus = status
	s.inboxBody = body
}

func (s *remoteServer) deliveries() []delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]delivery{}, s.received...)
}

// addActor serves an actor document for nick and returns its URI. With
// shared set the actor advertises the server's shared inbox.
func (s *remoteServer) addActor(nick string, shared bool) string {
	s.t.Helper()
	uri := s.url("/users/" + nick)
	doc := map[string]any{
		"@context":          []string{ContextActivityStreams, ContextSecurity},
		"id":                uri,
		"type":              "Person",
		"preferredUsername": nick,
		"name":              strings.ToUpper(nick),
		"inbox":             uri + "/inbox",
		"outbox":            uri + "/outbox",
		"publicKey": map[string]string{
			"id":           uri + "#main-key",
			"owner":        uri,
			"publicKeyPem": publicPEM(s.t, sharedTestKey(s.t)),
		},
	}
	if shared {
		doc["endpoints"] = map[string]string{"sharedInbox": s.url("/inbox")}
	}
	s.serveDoc("/users/"+nick, doc)
	return uri
}

// testEnv wires the federation components against a temporary database.
type testEnv struct {
	store     *db.DB
	urls      URLs
	keys      *KeyStore
	client    *Client
	explorer  *Explorer
	deliverer *Deliverer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "courier.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	urls := NewURLs(testBase)
	keys := NewKeyStore(store)
	client := NewClient(5*time.Second, "courier-test/1.0")
	explorer := NewExplorer(store, keys, client, urls)
	explorer.webfingerScheme = "http"

	return &testEnv{
		store:    store,
		urls:     urls,
		keys:     keys,
		client:   client,
		explorer: explorer,
		deliverer: &Deliverer{
			Store:   store,
			Signer:  NewSigner(keys, client.UserAgent()),
			Client:  client,
			URLs:    urls,
			Workers: 2,
		},
	}
}

func (e *testEnv) localProfile(t *testing.T, nick string) *domain.Profile {
	t.Helper()
	p := &domain.Profile{Nickname: nick, Fullname: nick, Local: true}
	if err := e.store.CreateProfile(p); err != nil {
		t.Fatalf("Failed to create local profile: %v", err)
	}
	return p
}

// remoteProfile discovers uri through the explorer.
func (e *testEnv) remoteProfile(t *testing.T, uri string) *domain.Profile {
	t.Helper()
	p, err := e.explorer.LookupOne(t.Context(), uri, true)
	if err != nil {
		t.Fatalf("Failed to look up %s: %v", uri, err)
	}
	return p
}

func (e *testEnv) subscribe(t *testing.T, follower, followed *domain.Profile) {
	t.Helper()
	if _, err := e.store.CreateSubscription(&domain.Subscription{SubscriberId: follower.Id, SubscribedId: followed.Id}); err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
}

func (e *testEnv) notice(t *testing.T, author *domain.Profile, content string) *domain.Notice {
	t.Helper()
	n := &domain.Notice{
		ProfileId:  author.Id,
		Content:    content,
		Verb:       domain.VerbPost,
		ObjectType: "note",
		Scope:      domain.ScopePublic,
		Source:     domain.SourceWeb,
	}
	n.Id = uuid.New()
	n.URI = e.urls.Notice(n.Id)
	if err := e.store.CreateNotice(n); err != nil {
		t.Fatalf("Failed to create notice: %v", err)
	}
	return n
}

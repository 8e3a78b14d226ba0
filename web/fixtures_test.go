package web

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/courier/activitypub"
	"github.com/deemkeen/courier/db"
	"github.com/deemkeen/courier/domain"
	"github.com/deemkeen/courier/util"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const testBase = "https://local.test"

var (
	testKeysOnce sync.Once
	testKeys     [2]*rsa.PrivateKey
)

// remoteKeys are two keys shared by every remote test actor; the second
// one plays a rotated key.
func remoteKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	testKeysOnce.Do(func() {
		for i := range testKeys {
			k, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				panic(err)
			}
			testKeys[i] = k
		}
	})
	return testKeys[0], testKeys[1]
}

func publicPEM(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

type fixture struct {
	t        *testing.T
	store    *db.DB
	urls     activitypub.URLs
	keys     *activitypub.KeyStore
	explorer *activitypub.Explorer
	server   *Server
	router   *gin.Engine
	remote   *httptest.Server

	mu     sync.Mutex
	actors map[string]*rsa.PrivateKey // path -> key advertised
	posted []string                   // paths POSTed to the remote
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := db.Open(filepath.Join(t.TempDir(), "courier.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := &fixture{t: t, store: store, actors: make(map[string]*rsa.PrivateKey)}
	f.remote = httptest.NewServer(http.HandlerFunc(f.serveRemote))
	t.Cleanup(f.remote.Close)

	conf := &util.AppConfig{}
	conf.Conf.SslDomain = "local.test"
	conf.Conf.WithAp = true

	f.urls = activitypub.NewURLs(testBase)
	f.keys = activitypub.NewKeyStore(store)
	client := activitypub.NewClient(5*time.Second, "courier-test/1.0")
	f.explorer = activitypub.NewExplorer(store, f.keys, client, f.urls)
	deliverer := &activitypub.Deliverer{
		Store:   store,
		Signer:  activitypub.NewSigner(f.keys, "courier-test/1.0"),
		Client:  client,
		URLs:    f.urls,
		Workers: 2,
	}
	inbox := activitypub.NewInboxHandler(store, f.explorer, deliverer)
	f.server = NewServer(conf, store, f.keys, f.explorer, deliverer, inbox)
	f.router = f.server.Router()
	return f
}

func (f *fixture) serveRemote(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Method == http.MethodPost {
		io.Copy(io.Discard, r.Body)
		f.posted = append(f.posted, r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
		return
	}
	key, ok := f.actors[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	uri := f.remote.URL + r.URL.Path
	w.Header().Set("Content-Type", "application/activity+json")
	json.NewEncoder(w).Encode(map[string]any{
		"@context":          []string{activitypub.ContextActivityStreams, activitypub.ContextSecurity},
		"id":                uri,
		"type":              "Person",
		"preferredUsername": filepath.Base(r.URL.Path),
		"inbox":             uri + "/inbox",
		"publicKey": map[string]string{
			"id":           uri + "#main-key",
			"owner":        uri,
			"publicKeyPem": publicPEM(f.t, key),
		},
	})
}

// remoteActor serves an actor document advertising key and returns its URI.
func (f *fixture) remoteActor(nick string, key *rsa.PrivateKey) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actors["/users/"+nick] = key
	return f.remote.URL + "/users/" + nick
}

func (f *fixture) remotePosts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.posted...)
}

func (f *fixture) localProfile(nick string) *domain.Profile {
	f.t.Helper()
	p := &domain.Profile{Nickname: nick, Fullname: nick, Local: true}
	if err := f.store.CreateProfile(p); err != nil {
		f.t.Fatalf("Failed to create local profile: %v", err)
	}
	return p
}

func (f *fixture) notice(author *domain.Profile, content string, scope domain.Scope) *domain.Notice {
	f.t.Helper()
	n := &domain.Notice{
		Id:         uuid.New(),
		ProfileId:  author.Id,
		Content:    content,
		Verb:       domain.VerbPost,
		ObjectType: "note",
		Scope:      scope,
		Source:     domain.SourceWeb,
	}
	n.URI = f.urls.Notice(n.Id)
	if err := f.store.CreateNotice(n); err != nil {
		f.t.Fatalf("Failed to create notice: %v", err)
	}
	return n
}

func (f *fixture) get(path string) *httptest.ResponseRecorder {
	return serve(f.router, http.MethodGet, path)
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, testBase+path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// signedPost posts body to path signed as actorURI with key.
func (f *fixture) signedPost(path, actorURI string, key *rsa.PrivateKey, body []byte) *httptest.ResponseRecorder {
	return f.signedRequest(path, actorURI, key, body, body)
}

// signedRequest signs signed but sends sent.
func (f *fixture) signedRequest(path, actorURI string, key *rsa.PrivateKey, signed, sent []byte) *httptest.ResponseRecorder {
	f.t.Helper()
	return f.signedAt(path, actorURI, key, signed, sent, time.Now())
}

func (f *fixture) signedAt(path, actorURI string, key *rsa.PrivateKey, signed, sent []byte, at time.Time) *httptest.ResponseRecorder {
	f.t.Helper()
	target := testBase + path
	headers, err := activitypub.SignHeaders(key, activitypub.KeyID(actorURI), target, signed, "remote-test/1.0", at)
	if err != nil {
		f.t.Fatalf("Failed to sign request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(sent))
	for _, h := range headers {
		req.Header.Set(h.Name, h.Value)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("Response is not JSON: %v\n%s", err, w.Body.String())
	}
	return out
}

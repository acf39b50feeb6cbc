package activitypub

import (
	"bytes"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/deemkeen/blogpub/db"
	"github.com/deemkeen/blogpub/domain"
)

type recordedRequest struct {
	Path    string
	Headers http.Header
	Body    []byte
}

// remoteServer stands in for another Fediverse server. It serves WebFinger,
// actor documents and inboxes for any username. A few names misbehave:
//
//	ghost       unknown to WebFinger
//	nolink      WebFinger without a self link
//	noinbox     actor without an inbox
//	impostor    actor document claiming an id on another host
//	badowner    key owned by an actor on another host
//	foreignkey  key id on another host
//	gts         standalone key document at …/main-key, no fragment
//	stolenkey   key document naming bob as its owner
type remoteServer struct {
	*httptest.Server
	t         *testing.T
	key       *rsa.PrivateKey
	publicPEM string

	mu          sync.Mutex
	inbox       []recordedRequest
	inboxStatus int
	inboxHook   http.Handler
	actorGets   int
	webfingers  int
	actorSig    string
}

func newRemoteServer(t *testing.T) *remoteServer {
	t.Helper()
	key, public, err := generateTestKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	publicPEM, err := publicKeyToPEM(public)
	if err != nil {
		t.Fatalf("Failed to convert public key to PEM: %v", err)
	}

	s := &remoteServer{t: t, key: key, publicPEM: publicPEM, inboxStatus: http.StatusAccepted}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/webfinger", s.handleWebFinger)
	mux.HandleFunc("GET /users/{name}", s.handleActor)
	mux.HandleFunc("GET /users/{name}/main-key", s.handleKey)
	mux.HandleFunc("POST /users/{name}/inbox", s.handleInbox)

	s.Server = httptest.NewTLSServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *remoteServer) host() string {
	return strings.TrimPrefix(s.URL, "https://")
}

func (s *remoteServer) actorURI(name string) string {
	return s.URL + "/users/" + name
}

func (s *remoteServer) keyId(name string) string {
	if name == "gts" || name == "stolenkey" {
		return s.actorURI(name) + "/main-key"
	}
	return s.actorURI(name) + "#main-key"
}

func (s *remoteServer) handleWebFinger(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.webfingers++
	s.mu.Unlock()

	resource := strings.TrimPrefix(r.URL.Query().Get("resource"), "acct:")
	name, _, _ := strings.Cut(resource, "@")
	if name == "ghost" {
		http.NotFound(w, r)
		return
	}

	jrd := WebFinger{
		Subject: "acct:" + resource,
		Links: []WebFingerLink{
			{Rel: "http://webfinger.net/rel/profile-page", Type: "text/html", Href: s.URL + "/@" + name},
		},
	}
	if name != "nolink" {
		jrd.Links = append(jrd.Links, WebFingerLink{Rel: "self", Type: ContentTypeActivity, Href: s.actorURI(name)})
	}
	w.Header().Set("Content-Type", ContentTypeJRD)
	json.NewEncoder(w).Encode(jrd)
}

func (s *remoteServer) handleActor(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.actorGets++
	s.actorSig = r.Header.Get("Signature")
	s.mu.Unlock()

	name := r.PathValue("name")
	actor := &Actor{
		Kind:              "Person",
		Context:           []string{ActivityStreamsContext, SecurityContext},
		ID:                s.actorURI(name),
		PreferredUsername: name,
		Inbox:             s.actorURI(name) + "/inbox",
		PublicKey: &PublicKey{
			ID:           s.keyId(name),
			Owner:        s.actorURI(name),
			PublicKeyPem: s.publicPEM,
		},
	}
	switch name {
	case "noinbox":
		actor.Inbox = ""
	case "impostor":
		actor.ID = victimURI
	case "badowner":
		actor.PublicKey.Owner = victimURI
	case "foreignkey":
		actor.PublicKey.ID = victimURI + "#main-key"
	}
	w.Header().Set("Content-Type", ContentTypeActivity)
	json.NewEncoder(w).Encode(actor)
}

const victimURI = "https://victim.example/users/alice"

// handleKey serves a key document the way GoToSocial does: a stub of the
// owning actor carrying only the key.
func (s *remoteServer) handleKey(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	owner := s.actorURI(name)
	if name == "stolenkey" {
		owner = s.actorURI("bob")
	}
	stub := map[string]any{
		"@context": []string{ActivityStreamsContext, SecurityContext},
		"type":     "Person",
		"id":       owner,
		"publicKey": &PublicKey{
			ID:           s.keyId(name),
			Owner:        owner,
			PublicKeyPem: s.publicPEM,
		},
	}
	w.Header().Set("Content-Type", ContentTypeActivity)
	json.NewEncoder(w).Encode(stub)
}

func (s *remoteServer) handleInbox(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.inbox = append(s.inbox, recordedRequest{Path: r.URL.Path, Headers: r.Header.Clone(), Body: body})
	status, hook := s.inboxStatus, s.inboxHook
	s.mu.Unlock()

	if hook != nil {
		hook.ServeHTTP(w, r)
		return
	}
	w.WriteHeader(status)
}

// setInboxHandler replaces the default inbox answer; requests are still recorded
func (s *remoteServer) setInboxHandler(h http.Handler) {
	s.mu.Lock()
	s.inboxHook = h
	s.mu.Unlock()
}

func (s *remoteServer) count(counter *int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *counter
}

func (s *remoteServer) lastActorSignature() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actorSig
}

func (s *remoteServer) setInboxStatus(status int) {
	s.mu.Lock()
	s.inboxStatus = status
	s.mu.Unlock()
}

func (s *remoteServer) received() []recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedRequest(nil), s.inbox...)
}

// signedPost builds an inbox request for activity signed by name's key
func (s *remoteServer) signedPost(name string, activity Activity) (*http.Request, []byte) {
	s.t.Helper()
	body, err := json.Marshal(activity)
	if err != nil {
		s.t.Fatalf("Failed to marshal activity: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, "https://blog.example/activitypub/blog/inbox", bytes.NewReader(body))
	if err != nil {
		s.t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", ContentTypeActivity)
	if err := Sign(req, body, s.key, s.keyId(name)); err != nil {
		s.t.Fatalf("Sign failed: %v", err)
	}
	return req, body
}

// testEnv wires the federation components against a temp database
type testEnv struct {
	db         *db.DB
	settings   *domain.Settings
	directory  *Directory
	dispatcher *Dispatcher
	blocks     *BlockList
	processor  *Processor
	remote     *remoteServer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "blogpub.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	key, public, err := generateTestKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	publicPEM, _ := publicKeyToPEM(public)

	settings := &domain.Settings{
		SiteId:            1,
		BlogName:          "Test Blog",
		BaseURL:           "https://blog.example",
		CanonicalHostname: "blog.example",
		ActorName:         "blog",
		PublicKeyPem:      publicPEM,
		PrivateKey:        key,
	}

	remote := newRemoteServer(t)
	directory := NewDirectory(database, settings, remote.Client(), nil)
	dispatcher := NewDispatcher(database, settings, directory, DispatcherOptions{Client: remote.Client()})
	blocks := NewBlockList(database, directory)

	return &testEnv{
		db:         database,
		settings:   settings,
		directory:  directory,
		dispatcher: dispatcher,
		blocks:     blocks,
		processor:  NewProcessor(database, settings, directory, dispatcher, blocks),
		remote:     remote,
	}
}

// memoryHandleCache is a HandleCache for tests
type memoryHandleCache struct {
	mu      sync.Mutex
	entries map[string]string
}

func (c *memoryHandleCache) Get(handle string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	uri, ok := c.entries[handle]
	return uri, ok
}

func (c *memoryHandleCache) Set(handle, uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[string]string)
	}
	c.entries[handle] = uri
}

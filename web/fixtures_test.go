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

	"github.com/deemkeen/blogpub/activitypub"
	"github.com/deemkeen/blogpub/db"
	"github.com/deemkeen/blogpub/domain"
	"github.com/deemkeen/blogpub/util"
	"github.com/gin-gonic/gin"
)

const testAdminToken = "test-admin-token"

// remoteServer serves actor documents and records inbox deliveries
type remoteServer struct {
	*httptest.Server
	key *rsa.PrivateKey

	mu    sync.Mutex
	inbox [][]byte
}

func newRemoteServer(t *testing.T) *remoteServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}
	publicPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER}))

	s := &remoteServer{key: key}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		w.Header().Set("Content-Type", activitypub.ContentTypeActivity)
		json.NewEncoder(w).Encode(&activitypub.Actor{
			Kind:              "Person",
			ID:                s.actorURI(name),
			PreferredUsername: name,
			Inbox:             s.actorURI(name) + "/inbox",
			PublicKey: &activitypub.PublicKey{
				ID:           s.actorURI(name) + "#main-key",
				Owner:        s.actorURI(name),
				PublicKeyPem: publicPEM,
			},
		})
	})
	mux.HandleFunc("POST /users/{name}/inbox", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.inbox = append(s.inbox, body)
		s.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	s.Server = httptest.NewTLSServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *remoteServer) actorURI(name string) string {
	return s.URL + "/users/" + name
}

func (s *remoteServer) received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.inbox...)
}

type testServer struct {
	router *gin.Engine
	fed    *Federation
	remote *remoteServer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.Open(filepath.Join(t.TempDir(), "blogpub.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	publicDER, _ := x509.MarshalPKIXPublicKey(&key.PublicKey)

	settings := &domain.Settings{
		SiteId:            1,
		BlogName:          "Test Blog",
		BaseURL:           "https://blog.example",
		CanonicalHostname: "blog.example",
		ActorName:         "blog",
		Summary:           "A blog about tests",
		PublicKeyPem:      string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})),
		PrivateKey:        key,
	}

	remote := newRemoteServer(t)
	directory := activitypub.NewDirectory(database, settings, remote.Client(), nil)
	dispatcher := activitypub.NewDispatcher(database, settings, directory, activitypub.DispatcherOptions{Client: remote.Client()})
	blocks := activitypub.NewBlockList(database, directory)
	fed := &Federation{
		DB:         database,
		Settings:   settings,
		Directory:  directory,
		Dispatcher: dispatcher,
		Processor:  activitypub.NewProcessor(database, settings, directory, dispatcher, blocks),
		Blocks:     blocks,
	}

	conf := &util.AppConfig{}
	conf.Admin.Token = testAdminToken

	return &testServer{router: NewRouter(conf, fed), fed: fed, remote: remote}
}

func (ts *testServer) serve(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) get(path string) *httptest.ResponseRecorder {
	return ts.serve(httptest.NewRequest(http.MethodGet, path, nil))
}

// admin sends an authorized admin request with an optional JSON body
func (ts *testServer) admin(method, path string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	req.Header.Set("Content-Type", "application/json")
	return ts.serve(req)
}

// signedInboxPost builds an inbox POST signed by the remote actor name
func (ts *testServer) signedInboxPost(t *testing.T, name string, activity activitypub.Activity) *http.Request {
	t.Helper()
	body, err := json.Marshal(activity)
	if err != nil {
		t.Fatalf("Failed to marshal activity: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, "https://blog.example/activitypub/blog/inbox", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", activitypub.ContentTypeActivity)
	if err := activitypub.Sign(req, body, ts.remote.key, ts.remote.actorURI(name)+"#main-key"); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	return req
}

func (ts *testServer) follow(name string) *activitypub.Follow {
	return &activitypub.Follow{
		Context: activitypub.ActivityStreamsContext,
		ID:      ts.remote.actorURI(name) + "/follows/1",
		Actor:   ts.remote.actorURI(name),
		Object:  activitypub.IRI(ts.fed.Settings.ActorURI()),
	}
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("Failed to decode body %q: %v", w.Body.String(), err)
	}
	return v
}

package activitypub

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/blogpub/db"
	"github.com/deemkeen/blogpub/domain"
)

const (
	UserAgent = "blogpub/1.0 ActivityPub"

	fetchTimeout    = 15 * time.Second
	maxDocumentSize = 1 << 20
)

// Directory resolves handles to actor URIs and keeps the known_actors cache.
type Directory struct {
	db       *db.DB
	settings *domain.Settings
	client   *http.Client
	handles  HandleCache
}

// NewDirectory creates a directory. client and handles may be nil.
func NewDirectory(database *db.DB, settings *domain.Settings, client *http.Client, handles HandleCache) *Directory {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	return &Directory{db: database, settings: settings, client: client, handles: handles}
}

// Resolve turns user@host (optionally prefixed with @) into the actor URI
// advertised by WebFinger. Absolute URIs are returned unchanged.
func (d *Directory) Resolve(ctx context.Context, handleOrURI string) (string, error) {
	handleOrURI = strings.TrimSpace(handleOrURI)
	if strings.HasPrefix(handleOrURI, "https://") || strings.HasPrefix(handleOrURI, "http://") {
		return handleOrURI, nil
	}

	handle := strings.TrimPrefix(strings.TrimPrefix(handleOrURI, "acct:"), "@")
	parts := strings.Split(handle, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("%w: %q is not user@host", ErrInvalidActor, handleOrURI)
	}
	user, host := parts[0], parts[1]

	if d.handles != nil {
		if uri, ok := d.handles.Get(handle); ok {
			return uri, nil
		}
	}

	endpoint := fmt.Sprintf("https://%s/.well-known/webfinger?resource=acct:%s@%s", host, user, host)
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrActorResolutionFailed, err)
	}
	req.Header.Set("Accept", ContentTypeJRD)
	req.Header.Set("User-Agent", UserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: webfinger %s: %v", ErrActorResolutionFailed, handle, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: webfinger %s returned status %d", ErrActorResolutionFailed, handle, resp.StatusCode)
	}

	var jrd WebFinger
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentSize)).Decode(&jrd); err != nil {
		return "", fmt.Errorf("%w: webfinger %s: %v", ErrActorResolutionFailed, handle, err)
	}

	href, ok := jrd.SelfLink()
	if !ok {
		return "", fmt.Errorf("%w: webfinger %s has no activity+json self link", ErrActorResolutionFailed, handle)
	}

	if d.handles != nil {
		d.handles.Set(handle, href)
	}
	return href, nil
}

// GetActor returns the cached actor, fetching it on a miss.
func (d *Directory) GetActor(ctx context.Context, handleOrURI string) (*domain.KnownActor, error) {
	uri, err := d.Resolve(ctx, handleOrURI)
	if err != nil {
		return nil, err
	}

	cached, err := d.db.ReadKnownActorByURI(ctx, uri)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read actor %s: %w", uri, err)
	}
	return d.refresh(ctx, uri)
}

// RefreshActor always fetches the actor document and updates the cache.
func (d *Directory) RefreshActor(ctx context.Context, handleOrURI string) (*domain.KnownActor, error) {
	uri, err := d.Resolve(ctx, handleOrURI)
	if err != nil {
		return nil, err
	}
	return d.refresh(ctx, uri)
}

// PublicKey implements KeyResolver on top of the actor cache.
func (d *Directory) PublicKey(ctx context.Context, keyId string, refresh bool) (string, error) {
	actor, err := d.KeyOwner(ctx, keyId, refresh)
	if err != nil {
		return "", err
	}
	return actor.PublicKeyPem, nil
}

// KeyOwner returns the actor publishing keyId. The key is looked up by its
// id, so fragment keys ("…/users/bob#main-key") and standalone key documents
// ("…/users/bob/main-key" naming an owner) both work. The returned actor
// always lists keyId as its own key.
func (d *Directory) KeyOwner(ctx context.Context, keyId string, refresh bool) (*domain.KnownActor, error) {
	if !refresh {
		cached, err := d.db.ReadKnownActorByKeyId(ctx, keyId)
		if err == nil && cached.PublicKeyPem != "" {
			return cached, nil
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to read key %s: %w", keyId, err)
		}
	}

	docURI := ActorFromKeyId(keyId)
	raw, err := d.fetchDocument(ctx, docURI)
	if err != nil {
		return nil, err
	}

	var actor *domain.KnownActor
	if doc, err := parseActorDocument(docURI, raw); err == nil {
		actor, err = d.store(ctx, doc, raw)
		if err != nil {
			return nil, err
		}
	} else {
		owner := keyOwnerOf(raw)
		if owner == "" || owner == docURI {
			return nil, fmt.Errorf("%w: %s is neither an actor nor a key with an owner", ErrMalformedActor, docURI)
		}
		actor, err = d.refresh(ctx, owner)
		if err != nil {
			return nil, err
		}
	}

	if actor.PublicKeyId != keyId {
		return nil, fmt.Errorf("%w: %s does not publish key %s", ErrMalformedActor, actor.ActorURI, keyId)
	}
	if actor.PublicKeyPem == "" {
		return nil, fmt.Errorf("%w: %s has no public key", ErrMalformedActor, actor.ActorURI)
	}
	return actor, nil
}

// keyOwnerOf reads the owner of a key document, either top level or
// nested in publicKey.
func keyOwnerOf(raw []byte) string {
	var key struct {
		Owner     string     `json:"owner"`
		PublicKey *PublicKey `json:"publicKey"`
	}
	if err := json.Unmarshal(raw, &key); err != nil {
		return ""
	}
	if key.PublicKey != nil && key.PublicKey.Owner != "" {
		return key.PublicKey.Owner
	}
	return key.Owner
}

func (d *Directory) refresh(ctx context.Context, uri string) (*domain.KnownActor, error) {
	raw, err := d.fetchDocument(ctx, uri)
	if err != nil {
		return nil, err
	}
	doc, err := parseActorDocument(uri, raw)
	if err != nil {
		return nil, err
	}
	return d.store(ctx, doc, raw)
}

func (d *Directory) store(ctx context.Context, doc *Actor, raw []byte) (*domain.KnownActor, error) {
	record := &domain.KnownActor{
		ActorURI:    doc.ID,
		InboxURI:    doc.Inbox,
		Username:    doc.PreferredUsername,
		Server:      hostOf(doc.ID),
		RawDocument: string(raw),
	}
	if doc.PublicKey != nil {
		record.PublicKeyId = doc.PublicKey.ID
		record.PublicKeyPem = doc.PublicKey.PublicKeyPem
	}

	stored, err := d.db.UpsertKnownActor(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("failed to store actor %s: %w", doc.ID, err)
	}
	log.Debugf("ActorDirectory: refreshed %s (inbox %s)", stored.ActorURI, stored.InboxURI)
	return stored, nil
}

func (d *Directory) fetchDocument(ctx context.Context, uri string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActorResolutionFailed, err)
	}
	req.Header.Set("Accept", ContentTypeActivity)
	req.Header.Set("User-Agent", UserAgent)

	if d.settings != nil && d.settings.PrivateKey != nil {
		if err := SignForGet(req, d.settings.PrivateKey, d.settings.KeyId()); err != nil {
			return nil, fmt.Errorf("failed to sign actor fetch: %w", err)
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching %s: %v", ErrActorResolutionFailed, uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: fetching %s returned status %d", ErrActorResolutionFailed, uri, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrActorResolutionFailed, uri, err)
	}
	return raw, nil
}

// parseActorDocument accepts raw only as the actor living at uri. The key it
// publishes must belong to it and live on the same host.
func parseActorDocument(uri string, raw []byte) (*Actor, error) {
	parsed, err := DecodeActivity(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedActor, uri, err)
	}
	doc, ok := parsed.(*Actor)
	if !ok {
		return nil, fmt.Errorf("%w: %s is a %s, not an actor", ErrMalformedActor, uri, parsed.ActivityType())
	}
	if doc.ID == "" {
		return nil, fmt.Errorf("%w: %s has no id", ErrMalformedActor, uri)
	}
	if doc.ID != uri {
		return nil, fmt.Errorf("%w: %s claims to be %s", ErrMalformedActor, uri, doc.ID)
	}
	if doc.Inbox == "" {
		return nil, fmt.Errorf("%w: %s has no inbox", ErrMalformedActor, uri)
	}
	if key := doc.PublicKey; key != nil {
		if key.Owner != "" && key.Owner != doc.ID {
			return nil, fmt.Errorf("%w: key of %s is owned by %s", ErrMalformedActor, uri, key.Owner)
		}
		if key.ID != "" && hostOf(key.ID) != hostOf(doc.ID) {
			return nil, fmt.Errorf("%w: key %s of %s lives on another host", ErrMalformedActor, key.ID, uri)
		}
	}
	return doc, nil
}

// hostOf extracts the server of an actor URI
// Example: "https://mastodon.social/users/alice" -> "mastodon.social"
func hostOf(actorURI string) string {
	parsed, err := url.Parse(actorURI)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Host)
}

package domain

import (
	"crypto/rsa"
	"fmt"
	"time"
)

// Settings is the per-site federation configuration. It is built once at
// startup and passed explicitly to every component that needs it.
type Settings struct {
	SiteId             int64
	BlogName           string
	BaseURL            string
	CanonicalHostname  string
	ActorName          string
	Summary            string
	AvatarURL          string
	HeaderURL          string
	PublicKeyPem       string
	PrivateKey         *rsa.PrivateKey
	ProfileLastUpdated time.Time
}

// ActivityPubBase is the prefix of every federation URI of the site,
// e.g. https://blog.example/activitypub/alice/
func (s *Settings) ActivityPubBase() string {
	return fmt.Sprintf("https://%s/activitypub/%s/", s.CanonicalHostname, s.ActorName)
}

func (s *Settings) ActorURI() string     { return s.ActivityPubBase() + "actor" }
func (s *Settings) KeyId() string        { return s.ActorURI() + "#main-key" }
func (s *Settings) InboxURI() string     { return s.ActivityPubBase() + "inbox" }
func (s *Settings) OutboxURI() string    { return s.ActivityPubBase() + "outbox" }
func (s *Settings) FollowersURI() string { return s.ActivityPubBase() + "followers" }
func (s *Settings) FollowingURI() string { return s.ActivityPubBase() + "following" }

// ActivityURI builds the public id of a locally authored activity
func (s *Settings) ActivityURI(id string) string {
	return s.ActivityPubBase() + "activities/" + id
}

// Handle returns the acct: handle of the site actor without the scheme
func (s *Settings) Handle() string {
	return s.ActorName + "@" + s.CanonicalHostname
}

package activitypub

import (
	"time"

	"github.com/deemkeen/blogpub/domain"
)

// NewLocalActor builds the Person document of the site actor
func NewLocalActor(settings *domain.Settings) *Actor {
	actor := &Actor{
		Kind:              "Person",
		Context:           []string{ActivityStreamsContext, SecurityContext},
		ID:                settings.ActorURI(),
		PreferredUsername: settings.ActorName,
		Name:              settings.BlogName,
		Summary:           settings.Summary,
		URL:               settings.BaseURL,
		Inbox:             settings.InboxURI(),
		Outbox:            settings.OutboxURI(),
		Followers:         settings.FollowersURI(),
		Following:         settings.FollowingURI(),
		PublicKey: &PublicKey{
			ID:           settings.KeyId(),
			Owner:        settings.ActorURI(),
			PublicKeyPem: settings.PublicKeyPem,
		},
	}
	if settings.AvatarURL != "" {
		actor.Icon = &Image{Type: "Image", URL: settings.AvatarURL}
	}
	if settings.HeaderURL != "" {
		actor.Image = &Image{Type: "Image", URL: settings.HeaderURL}
	}
	if !settings.ProfileLastUpdated.IsZero() {
		published := settings.ProfileLastUpdated.UTC().Truncate(time.Second)
		actor.Published = &published
	}
	return actor
}

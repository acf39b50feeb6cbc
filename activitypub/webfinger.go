package activitypub

import (
	"fmt"

	"github.com/deemkeen/blogpub/domain"
)

const ContentTypeJRD = "application/jrd+json"

// WebFinger is a JSON Resource Descriptor
type WebFinger struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

type WebFingerLink struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

// SelfLink returns the href of the first ActivityPub self link
func (w *WebFinger) SelfLink() (string, bool) {
	for _, link := range w.Links {
		if link.Rel == "self" && link.Type == ContentTypeActivity && link.Href != "" {
			return link.Href, true
		}
	}
	return "", false
}

// NewWebFinger describes the site actor
func NewWebFinger(settings *domain.Settings) *WebFinger {
	return &WebFinger{
		Subject: "acct:" + settings.Handle(),
		Aliases: []string{settings.ActorURI()},
		Links: []WebFingerLink{
			{Rel: "self", Type: ContentTypeActivity, Href: settings.ActorURI()},
			{Rel: "http://webfinger.net/rel/profile-page", Type: "text/html", Href: settings.BaseURL},
		},
	}
}

// HostMetaXRD advertises the WebFinger endpoint template
func HostMetaXRD(hostname string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">
  <Link rel="lrdd" template="https://%s/.well-known/webfinger?resource={uri}"/>
</XRD>
`, hostname)
}

// HostMetaJRD is the JSON flavour of host-meta
func HostMetaJRD(hostname string) *WebFinger {
	return &WebFinger{
		Links: []WebFingerLink{
			{Rel: "lrdd", Template: fmt.Sprintf("https://%s/.well-known/webfinger?resource={uri}", hostname)},
		},
	}
}

package web

import (
	"net/http"
	"strings"

	"github.com/deemkeen/blogpub/activitypub"
	"github.com/deemkeen/blogpub/domain"
	"github.com/gin-gonic/gin"
)

func GetWebFingerNotFound() string {
	return `{"detail":"Not Found"}`
}

// matchesResource reports whether a WebFinger resource names the site actor.
// Both the acct: handle and the actor URI are accepted.
func matchesResource(settings *domain.Settings, resource string) bool {
	resource = strings.TrimSpace(resource)
	if strings.EqualFold(resource, settings.ActorURI()) {
		return true
	}
	handle := strings.TrimPrefix(resource, "acct:")
	handle = strings.TrimPrefix(handle, "@")
	return strings.EqualFold(handle, settings.Handle())
}

func (s *server) handleWebFinger(c *gin.Context) {
	resource := c.Query("resource")
	if resource == "" || !matchesResource(s.fed.Settings, resource) {
		c.Data(http.StatusNotFound, "application/json", []byte(GetWebFingerNotFound()))
		return
	}
	c.Header("Content-Type", activitypub.ContentTypeJRD)
	c.JSON(http.StatusOK, activitypub.NewWebFinger(s.fed.Settings))
}

func (s *server) handleHostMeta(c *gin.Context) {
	if strings.Contains(c.GetHeader("Accept"), "json") {
		c.Header("Content-Type", activitypub.ContentTypeJRD)
		c.JSON(http.StatusOK, activitypub.HostMetaJRD(s.fed.Settings.CanonicalHostname))
		return
	}
	c.Data(http.StatusOK, "application/xrd+xml; charset=utf-8",
		[]byte(activitypub.HostMetaXRD(s.fed.Settings.CanonicalHostname)))
}

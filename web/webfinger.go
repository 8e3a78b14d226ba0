package web

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/deemkeen/courier/activitypub"
	"github.com/gin-gonic/gin"
)

// getWebfinger answers for acct:nick@host and for a local actor URL.
func (s *Server) getWebfinger(c *gin.Context) {
	nick, ok := s.webfingerNickname(c.Query("resource"))
	if !ok {
		c.Header("Content-Type", ContentTypeJRD)
		c.String(http.StatusNotFound, GetWebFingerNotFound())
		return
	}
	p, err := s.store.ReadLocalProfileByNickname(nick)
	if err != nil {
		c.Header("Content-Type", ContentTypeJRD)
		c.String(http.StatusNotFound, GetWebFingerNotFound())
		return
	}
	c.Header("Content-Type", ContentTypeJRD)
	c.JSON(http.StatusOK, activitypub.LocalWebFinger(s.urls, p.Nickname))
}

func (s *Server) webfingerNickname(resource string) (string, bool) {
	if resource == "" {
		return "", false
	}
	if nick, ok := s.urls.LocalNickname(resource); ok {
		return nick, true
	}
	user, host, ok := activitypub.ParseAcct(resource)
	if !ok {
		return "", false
	}
	base, err := url.Parse(s.urls.Base)
	if err != nil || !strings.EqualFold(host, base.Host) {
		return "", false
	}
	return user, true
}

func GetWebFingerNotFound() string {
	return `{"detail":"Not Found"}`
}

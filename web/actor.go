package web

import (
	"errors"
	"net/http"

	"github.com/deemkeen/courier/activitypub"
	"github.com/deemkeen/courier/db"
	"github.com/deemkeen/courier/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func (s *Server) getActor(c *gin.Context) {
	p, ok := s.localProfile(c)
	if !ok {
		return
	}
	pub, _, err := s.keys.GetOrCreateKeys(c.Request.Context(), p)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, activitypub.BuildActorDocument(s.urls, p, pub))
}

// getNotice serves a local public post as a Note.
func (s *Server) getNotice(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Invalid notice ID"})
		return
	}
	n, err := s.store.ReadNoticeById(id)
	if errors.Is(err, db.ErrNotFound) || (err == nil && !servable(n)) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Notice not found"})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}

	note, err := activitypub.RenderNote(s.deliverer, n)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, note)
}

func servable(n *domain.Notice) bool {
	return n.FromUserAction() && n.Verb == domain.VerbPost && !n.IsDirect()
}

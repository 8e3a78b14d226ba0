package web

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/deemkeen/courier/activitypub"
	"github.com/deemkeen/courier/db"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const itemsPerPage = 20

// pager loads one page of a collection.
type pager func(limit, offset int) ([]any, error)

// serveCollection answers with the OrderedCollection at id when no page is
// asked for, otherwise with the requested OrderedCollectionPage.
func (s *Server) serveCollection(c *gin.Context, id string, total int, load pager) {
	page := ParsePageParam(c.Query("page"))
	if page == 0 {
		c.JSON(http.StatusOK, gin.H{
			"@context":   activitypub.ContextActivityStreams,
			"id":         id,
			"type":       "OrderedCollection",
			"totalItems": total,
			"first":      fmt.Sprintf("%s?page=1", id),
		})
		return
	}

	offset := (page - 1) * itemsPerPage
	items, err := load(itemsPerPage, offset)
	if err != nil {
		s.fail(c, err)
		return
	}
	if items == nil {
		items = []any{}
	}

	collectionPage := gin.H{
		"@context":     activitypub.ContextActivityStreams,
		"id":           fmt.Sprintf("%s?page=%d", id, page),
		"type":         "OrderedCollectionPage",
		"partOf":       id,
		"totalItems":   total,
		"orderedItems": items,
	}
	if offset+itemsPerPage < total {
		collectionPage["next"] = fmt.Sprintf("%s?page=%d", id, page+1)
	}
	if page > 1 {
		collectionPage["prev"] = fmt.Sprintf("%s?page=%d", id, page-1)
	}
	c.JSON(http.StatusOK, collectionPage)
}

func (s *Server) getOutbox(c *gin.Context) {
	p, ok := s.localProfile(c)
	if !ok {
		return
	}
	total, err := s.store.CountNoticesByProfile(p.Id)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.serveCollection(c, s.urls.Outbox(p.Nickname), total, func(limit, offset int) ([]any, error) {
		notices, err := s.store.ReadNoticesByProfile(p.Id, limit, offset)
		if err != nil {
			return nil, err
		}
		items := make([]any, 0, len(notices))
		for i := range notices {
			activity, err := activitypub.RenderActivity(s.deliverer, &notices[i])
			if err != nil {
				webLog.Warn("skipping outbox entry", "notice", notices[i].Id, "err", err)
				continue
			}
			if activity != nil {
				items = append(items, activity)
			}
		}
		return items, nil
	})
}

func (s *Server) getFollowers(c *gin.Context) {
	p, ok := s.localProfile(c)
	if !ok {
		return
	}
	total, err := s.store.CountSubscribers(p.Id)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.serveCollection(c, s.urls.Followers(p.Nickname), total, func(limit, offset int) ([]any, error) {
		ids, err := s.store.ReadSubscriberIds(p.Id, limit, offset)
		if err != nil {
			return nil, err
		}
		return s.actorURIs(ids), nil
	})
}

func (s *Server) getFollowing(c *gin.Context) {
	p, ok := s.localProfile(c)
	if !ok {
		return
	}
	total, err := s.store.CountSubscribed(p.Id)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.serveCollection(c, s.urls.Following(p.Nickname), total, func(limit, offset int) ([]any, error) {
		ids, err := s.store.ReadSubscribedIds(p.Id, limit, offset)
		if err != nil {
			return nil, err
		}
		return s.actorURIs(ids), nil
	})
}

func (s *Server) getLiked(c *gin.Context) {
	p, ok := s.localProfile(c)
	if !ok {
		return
	}
	total, err := s.store.CountFaves(p.Id)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.serveCollection(c, s.urls.Liked(p.Nickname), total, func(limit, offset int) ([]any, error) {
		ids, err := s.store.ReadFavedNoticeIds(p.Id, limit, offset)
		if err != nil {
			return nil, err
		}
		items := make([]any, 0, len(ids))
		for _, id := range ids {
			n, err := s.store.ReadNoticeById(id)
			if err != nil {
				continue
			}
			items = append(items, n.URI)
		}
		return items, nil
	})
}

// actorURIs maps profile ids to actor URIs, dropping profiles that no
// longer resolve.
func (s *Server) actorURIs(ids []uuid.UUID) []any {
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		uri, err := s.actorURI(id)
		if err != nil {
			if !errors.Is(err, db.ErrNotFound) {
				webLog.Warn("cannot resolve collection member", "profile", id, "err", err)
			}
			continue
		}
		out = append(out, uri)
	}
	return out
}

func (s *Server) actorURI(id uuid.UUID) (string, error) {
	p, err := s.store.ReadProfileById(id)
	if err != nil {
		return "", err
	}
	if p.Local {
		return s.urls.Actor(p.Nickname), nil
	}
	actor, err := s.store.ReadRemoteActorByProfileId(p.Id)
	if err != nil {
		return "", err
	}
	return actor.URI, nil
}

// ParsePageParam extracts the page parameter from a query string
func ParsePageParam(pageStr string) int {
	if pageStr == "" {
		return 0
	}
	page, err := strconv.Atoi(pageStr)
	if err != nil || page < 0 {
		return 0
	}
	return page
}

package web

import (
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/courier/activitypub"
	"github.com/deemkeen/courier/domain"
	"github.com/deemkeen/courier/util"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/feeds"
)

const feedItems = 50

func (s *Server) getFeed(c *gin.Context) {
	p, ok := s.localProfile(c)
	if !ok {
		return
	}
	notices, err := s.store.ReadNoticesByProfile(p.Id, feedItems, 0)
	if err != nil {
		s.fail(c, err)
		return
	}
	rss, err := GetRSS(s.urls, p, notices)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Header("Content-Type", "application/xml; charset=utf-8")
	c.String(http.StatusOK, rss)
}

// GetRSS renders the public posts of a local profile. Shares and other
// verbs are left out.
func GetRSS(urls activitypub.URLs, p *domain.Profile, notices []domain.Notice) (string, error) {
	acct := urls.Acct(p.Nickname)
	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s - %s", util.Name, p.DisplayName()),
		Link:        &feeds.Link{Href: urls.Actor(p.Nickname)},
		Description: p.Bio,
		Author:      &feeds.Author{Name: p.DisplayName(), Email: acct},
		Created:     time.Now(),
	}
	if feed.Description == "" {
		feed.Description = "posts of " + acct
	}

	for _, n := range notices {
		if n.Verb != domain.VerbPost || n.IsDirect() {
			continue
		}
		link := n.URL
		if link == "" {
			link = n.URI
		}
		feed.Items = append(feed.Items, &feeds.Item{
			Id:      n.URI,
			Title:   n.CreatedAt.Format(util.DateTimeFormat()),
			Link:    &feeds.Link{Href: link},
			Content: n.Content,
			Author:  &feeds.Author{Name: p.DisplayName(), Email: acct},
			Created: n.CreatedAt,
		})
	}
	return feed.ToRss()
}

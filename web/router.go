package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/courier/activitypub"
	"github.com/deemkeen/courier/db"
	"github.com/deemkeen/courier/domain"
	"github.com/deemkeen/courier/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var webLog = log.WithPrefix("web")

const (
	ContentTypeActivity = "application/activity+json; charset=utf-8"
	ContentTypeJRD      = "application/jrd+json; charset=utf-8"

	// MaxInboxBody bounds inbound activities.
	MaxInboxBody = 1 << 20
)

// Store is what the HTTP surface reads on top of the federation store.
// Satisfied by *db.DB.
type Store interface {
	activitypub.Store
	ReadNoticesByProfile(profileId uuid.UUID, limit, offset int) ([]domain.Notice, error)
	CountNoticesByProfile(profileId uuid.UUID) (int, error)
	ReadSubscriberIds(subscribed uuid.UUID, limit, offset int) ([]uuid.UUID, error)
	ReadSubscribedIds(subscriber uuid.UUID, limit, offset int) ([]uuid.UUID, error)
	CountSubscribers(subscribed uuid.UUID) (int, error)
	CountSubscribed(subscriber uuid.UUID) (int, error)
	ReadFavedNoticeIds(profileId uuid.UUID, limit, offset int) ([]uuid.UUID, error)
	CountFaves(profileId uuid.UUID) (int, error)
}

// Server is the public HTTP side of the instance.
type Server struct {
	conf      *util.AppConfig
	store     Store
	urls      activitypub.URLs
	keys      *activitypub.KeyStore
	explorer  *activitypub.Explorer
	deliverer *activitypub.Deliverer
	inbox     *activitypub.InboxHandler
	avatarDir string

	globalLimiter *RateLimiter
	apLimiter     *RateLimiter
}

func NewServer(conf *util.AppConfig, store Store, keys *activitypub.KeyStore, explorer *activitypub.Explorer, deliverer *activitypub.Deliverer, inbox *activitypub.InboxHandler) *Server {
	s := &Server{
		conf:      conf,
		store:     store,
		urls:      deliverer.URLs,
		keys:      keys,
		explorer:  explorer,
		deliverer: deliverer,
		inbox:     inbox,

		// 10 requests per second per IP, burst of 20
		globalLimiter: NewRateLimiter(rate.Limit(10), 20),
		// inboxes are stricter: 5 per second, burst of 10
		apLimiter: NewRateLimiter(rate.Limit(5), 10),
	}
	if conf.Conf.AvatarDir != "" {
		s.avatarDir = util.ResolveFilePath(conf.Conf.AvatarDir)
	}
	return s
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))
	g.Use(RateLimitMiddleware(s.globalLimiter))

	g.GET("/feed/:nick", s.getFeed)
	if s.avatarDir != "" {
		g.GET("/avatar/:file", s.getAvatar)
	}

	if !s.conf.Conf.WithAp {
		return g
	}

	g.GET("/.well-known/webfinger", s.getWebfinger)

	inboxLimit := RateLimitMiddleware(s.apLimiter)
	maxBody := MaxBytesMiddleware(MaxInboxBody)
	g.POST("/inbox", inboxLimit, maxBody, s.postSharedInbox)
	g.POST("/users/:nick/inbox", inboxLimit, maxBody, s.postUserInbox)

	ap := g.Group("/", ActivityJSON())
	ap.GET("/users/:nick", s.getActor)
	ap.GET("/users/:nick/outbox", s.getOutbox)
	ap.GET("/users/:nick/followers", s.getFollowers)
	ap.GET("/users/:nick/following", s.getFollowing)
	ap.GET("/users/:nick/liked", s.getLiked)
	ap.GET("/notice/:id", s.getNotice)

	return g
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.conf.Conf.Host, s.conf.Conf.HttpPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.globalLimiter.sweepEvery(ctx, 5*time.Minute)
	go s.apLimiter.sweepEvery(ctx, 5*time.Minute)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			webLog.Error("shutdown", "err", err)
		}
	}()

	webLog.Info("starting http server", "addr", addr, "activitypub", s.conf.Conf.WithAp)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// statusOf maps the federation error taxonomy onto HTTP.
func statusOf(err error) int {
	switch {
	case errors.Is(err, activitypub.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, activitypub.ErrSignature):
		return http.StatusUnauthorized
	case errors.Is(err, activitypub.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, activitypub.ErrDelivery):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		webLog.Error("request failed", "path", c.Request.URL.Path, "err", err)
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// localProfile reads the :nick route parameter.
func (s *Server) localProfile(c *gin.Context) (*domain.Profile, bool) {
	p, err := s.store.ReadLocalProfileByNickname(c.Param("nick"))
	if errors.Is(err, db.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Not Found"})
		return nil, false
	}
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	return p, true
}

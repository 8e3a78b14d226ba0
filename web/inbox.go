package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/deemkeen/courier/activitypub"
	"github.com/deemkeen/courier/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) postSharedInbox(c *gin.Context) {
	s.receive(c)
}

func (s *Server) postUserInbox(c *gin.Context) {
	if _, ok := s.localProfile(c); !ok {
		return
	}
	s.receive(c)
}

// receive authenticates, decodes and dispatches one inbound activity. The
// signature is checked before the body is interpreted at all.
func (s *Server) receive(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	ctx := c.Request.Context()
	signer, signerURI, err := s.authenticate(ctx, c.Request, body)
	if err != nil {
		webLog.Warn("rejected inbox request", "path", c.Request.URL.Path, "err", err)
		s.fail(c, err)
		return
	}

	act, err := activitypub.DecodeActivity(body)
	if err != nil {
		s.fail(c, err)
		return
	}
	if act.Actor != signerURI {
		s.fail(c, &activitypub.SignatureError{Reason: "activity actor " + act.Actor + " is not the signer " + signerURI})
		return
	}

	if err := s.inbox.Handle(ctx, act, signer); err != nil {
		webLog.Warn("activity not handled", "id", act.ID, "type", act.Kind, "actor", act.Actor, "err", err)
		s.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// authenticate resolves the signing actor and verifies the request against
// its key. A failed check re-fetches the actor once, for rotated keys.
func (s *Server) authenticate(ctx context.Context, r *http.Request, body []byte) (*domain.Profile, string, error) {
	header := r.Header.Get("Signature")
	if header == "" {
		return nil, "", &activitypub.SignatureError{Reason: "request is not signed"}
	}
	params, err := activitypub.ParseSignatureHeader(header)
	if err != nil {
		return nil, "", err
	}
	if err := activitypub.CheckCoverage(params, r.Method, r.Header, time.Now()); err != nil {
		return nil, "", err
	}

	keyOwner := params.ActorURI()
	signer, err := s.explorer.LookupOne(ctx, keyOwner, true)
	if err != nil {
		return nil, "", &activitypub.SignatureError{Reason: "cannot resolve signer " + keyOwner + ": " + err.Error()}
	}
	if signer.Local {
		return nil, "", &activitypub.SignatureError{Reason: "signer " + keyOwner + " is local"}
	}

	if s.verify(ctx, r, signer, params, body) {
		return s.signerURI(signer, keyOwner)
	}

	webLog.Info("signature mismatch, refreshing signer", "actor", keyOwner)
	signer, err = s.explorer.Refresh(ctx, keyOwner)
	if err != nil {
		return nil, "", &activitypub.SignatureError{Reason: "cannot refresh signer " + keyOwner + ": " + err.Error()}
	}
	if !s.verify(ctx, r, signer, params, body) {
		return nil, "", &activitypub.SignatureError{Reason: "signature does not match key of " + keyOwner}
	}
	return s.signerURI(signer, keyOwner)
}

func (s *Server) verify(ctx context.Context, r *http.Request, signer *domain.Profile, params *activitypub.SignatureParams, body []byte) bool {
	pub, err := s.keys.PublicKey(ctx, signer)
	if err != nil {
		webLog.Warn("signer has no usable key", "profile", signer.Id, "err", err)
		return false
	}
	ok, signingString := activitypub.VerifyRequest(r, pub, params, body)
	if !ok {
		webLog.Debug("signature did not verify", "signing_string", signingString)
	}
	return ok
}

// signerURI is the canonical actor URI of signer, which can differ from
// the keyId when the actor was first found through an alias.
func (s *Server) signerURI(signer *domain.Profile, keyOwner string) (*domain.Profile, string, error) {
	actor, err := s.explorer.RemoteActor(signer)
	if err != nil {
		return signer, keyOwner, nil
	}
	return signer, actor.URI, nil
}

package activitypub

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-fed/httpsig"
)

const (
	// AcceptHeader is sent on every federation request.
	AcceptHeader = `application/ld+json; profile="https://www.w3.org/ns/activitystreams", application/activity+json, application/json`
	ContentType  = "application/activity+json"

	requestTarget = "(request-target)"

	// MaxClockSkew bounds the distance between a signed Date and now.
	MaxClockSkew = 12 * time.Hour
)

// Header is one HTTP header in signing order.
type Header struct {
	Name  string
	Value string
}

// Signer produces HTTP Signature headers for outgoing requests of local actors.
type Signer struct {
	keys      *KeyStore
	userAgent string
	now       func() time.Time
}

func NewSigner(keys *KeyStore, userAgent string) *Signer {
	return &Signer{keys: keys, userAgent: userAgent, now: time.Now}
}

// Sign returns the headers to send with a request from actor to targetURL,
// Signature last. A nil body signs a GET, anything else a POST with a Digest.
func (s *Signer) Sign(ctx context.Context, actor *LocalActor, targetURL string, body []byte) ([]Header, error) {
	key, err := s.keys.PrivateKey(ctx, actor.Profile)
	if err != nil {
		return nil, err
	}
	return SignHeaders(key, KeyID(actor.URI), targetURL, body, s.userAgent, s.now())
}

// KeyID is the keyId local actors sign with.
func KeyID(actorURI string) string {
	return actorURI + "#public-key"
}

// SignHeaders assembles and signs the canonical header set.
func SignHeaders(key *rsa.PrivateKey, keyId, targetURL string, body []byte, userAgent string, now time.Time) ([]Header, error) {
	u, err := url.Parse(targetURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("cannot sign request to %q: not an absolute URL", targetURL)
	}

	method := http.MethodGet
	if body != nil {
		method = http.MethodPost
	}
	req, err := http.NewRequest(method, targetURL, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot sign request to %q: %w", targetURL, err)
	}

	headers := []Header{
		{"Date", now.UTC().Format(http.TimeFormat)},
		{"Host", u.Host},
		{"Accept", AcceptHeader},
		{"User-Agent", userAgent},
		{"Content-Type", ContentType},
	}
	names := []string{requestTarget}
	for _, h := range headers {
		req.Header.Set(h.Name, h.Value)
		names = append(names, strings.ToLower(h.Name))
	}
	if body != nil {
		names = append(names, "digest")
	}

	signer, _, err := httpsig.NewSigner([]httpsig.Algorithm{httpsig.RSA_SHA256}, httpsig.DigestSha256, names, httpsig.Signature, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	// the signer adds the Digest header itself
	if err := signer.SignRequest(key, keyId, req, body); err != nil {
		return nil, fmt.Errorf("signing request: %w", err)
	}

	if body != nil {
		headers = append(headers, Header{"Digest", req.Header.Get("Digest")})
	}
	return append(headers, Header{"Signature", req.Header.Get("Signature")}), nil
}

// Digest is the Digest header value of body.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// SignatureParams is a parsed Signature header.
type SignatureParams struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature []byte
}

// ActorURI is the keyId without its fragment.
func (p *SignatureParams) ActorURI() string {
	u, err := url.Parse(p.KeyID)
	if err != nil {
		return strings.SplitN(p.KeyID, "#", 2)[0]
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// ParseSignatureHeader parses `keyId="...",headers="...",signature="..."`.
func ParseSignatureHeader(value string) (*SignatureParams, error) {
	fields := parseParams(value)

	keyId := fields["keyid"]
	if keyId == "" {
		return nil, &SignatureError{Reason: "missing keyId"}
	}
	u, err := url.Parse(keyId)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return nil, &SignatureError{Reason: fmt.Sprintf("keyId %q is not a URL", keyId)}
	}

	headers := strings.Fields(fields["headers"])
	if len(headers) == 0 {
		return nil, &SignatureError{Reason: "missing headers"}
	}
	if fields["signature"] == "" {
		return nil, &SignatureError{Reason: "missing signature"}
	}
	sig, err := base64.StdEncoding.DecodeString(fields["signature"])
	if err != nil {
		return nil, &SignatureError{Reason: "signature is not base64"}
	}

	for i := range headers {
		headers[i] = strings.ToLower(headers[i])
	}
	return &SignatureParams{
		KeyID:     keyId,
		Algorithm: fields["algorithm"],
		Headers:   headers,
		Signature: sig,
	}, nil
}

// parseParams splits comma separated key="value" pairs, honouring quotes.
func parseParams(s string) map[string]string {
	out := make(map[string]string)
	for len(s) > 0 {
		s = strings.TrimLeft(s, " ,")
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.ToLower(strings.TrimSpace(s[:eq]))
		s = s[eq+1:]

		var val string
		if strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				val, s = s[1:], ""
			} else {
				val, s = s[1:end+1], s[end+2:]
			}
		} else {
			comma := strings.IndexByte(s, ',')
			if comma < 0 {
				val, s = s, ""
			} else {
				val, s = s[:comma], s[comma:]
			}
		}
		out[key] = strings.TrimSpace(val)
	}
	return out
}

// Verify rebuilds the signing string from the listed headers and checks it
// against pub. The digest line is always recomputed from body. Headers that
// are listed but absent contribute an empty value. The string that was
// verified is returned for diagnostics.
func Verify(pub *rsa.PublicKey, params *SignatureParams, header http.Header, method, path string, body []byte) (bool, string) {
	lines := make([]string, 0, len(params.Headers))
	for _, name := range params.Headers {
		var value string
		switch name {
		case requestTarget:
			value = strings.ToLower(method) + " " + path
		case "digest":
			value = Digest(body)
		default:
			value = strings.Join(header.Values(name), ", ")
		}
		lines = append(lines, name+": "+value)
	}
	signingString := strings.Join(lines, "\n")

	hash := sha256.Sum256([]byte(signingString))
	err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, hash[:], params.Signature)
	return err == nil, signingString
}

// CheckCoverage rejects a signature that does not bind the request: a POST
// must sign its target and digest, and the signed Date must lie within
// MaxClockSkew of now.
func CheckCoverage(params *SignatureParams, method string, header http.Header, now time.Time) error {
	signed := make(map[string]bool, len(params.Headers))
	for _, name := range params.Headers {
		signed[name] = true
	}
	if method == http.MethodPost {
		for _, name := range []string{requestTarget, "digest"} {
			if !signed[name] {
				return &SignatureError{Reason: name + " is not signed"}
			}
		}
	}

	if !signed["date"] {
		return &SignatureError{Reason: "date is not signed"}
	}
	date, err := http.ParseTime(header.Get("Date"))
	if err != nil {
		return &SignatureError{Reason: "unreadable Date header"}
	}
	if skew := now.Sub(date); skew > MaxClockSkew || skew < -MaxClockSkew {
		return &SignatureError{Reason: fmt.Sprintf("Date %s is outside the accepted window", header.Get("Date"))}
	}
	return nil
}

// VerifyRequest verifies an inbound server request. The Host header lives
// on r.Host on the server side and is restored before verification.
func VerifyRequest(r *http.Request, pub *rsa.PublicKey, params *SignatureParams, body []byte) (bool, string) {
	header := r.Header.Clone()
	if header.Get("Host") == "" {
		header.Set("Host", r.Host)
	}
	return Verify(pub, params, header, r.Method, r.URL.RequestURI(), body)
}

package admin

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	"github.com/deemkeen/courier/util"
	gossh "golang.org/x/crypto/ssh"
)

// AuthorizedKeys is the set of operator keys allowed onto the console.
type AuthorizedKeys struct {
	keys []gossh.PublicKey
}

// ParseAuthorizedKeys reads authorized_keys formatted lines. Blank lines and
// comments are skipped; anything else that fails to parse is an error.
func ParseAuthorizedKeys(lines []string) (*AuthorizedKeys, error) {
	a := &AuthorizedKeys{}
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, _, _, _, err := gossh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("admin key %d: %w", i+1, err)
		}
		a.keys = append(a.keys, key)
	}
	return a, nil
}

func (a *AuthorizedKeys) Len() int {
	return len(a.keys)
}

func (a *AuthorizedKeys) Allowed(key ssh.PublicKey) bool {
	if key == nil {
		return false
	}
	for _, k := range a.keys {
		if ssh.KeysEqual(k, key) {
			return true
		}
	}
	return false
}

// PublicKeyHandler rejects every key that is not an operator key during the
// handshake.
func (a *AuthorizedKeys) PublicKeyHandler() ssh.PublicKeyHandler {
	return func(ctx ssh.Context, key ssh.PublicKey) bool {
		ok := a.Allowed(key)
		if !ok {
			adminLog.Warn("rejected key", "user", ctx.User(), "remote", ctx.RemoteAddr(), "fingerprint", gossh.FingerprintSHA256(key))
		}
		return ok
	}
}

// AuthMiddleware checks the session key a second time and records who
// opened the console.
func AuthMiddleware(keys *AuthorizedKeys) wish.Middleware {
	return func(h ssh.Handler) ssh.Handler {
		return func(s ssh.Session) {
			if !keys.Allowed(s.PublicKey()) {
				wish.Fatalln(s, "not an admin key")
				return
			}
			adminLog.Info("admin session", "user", s.User(), "key", util.Fingerprint(util.PublicKeyToString(s.PublicKey())))
			h(s)
		}
	}
}

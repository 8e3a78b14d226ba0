// Package admin is the operator console: an SSH server that only accepts the
// configured admin keys and shows federation and queue state in a terminal UI.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	bm "github.com/charmbracelet/wish/bubbletea"
	"github.com/charmbracelet/wish/logging"
	"github.com/deemkeen/courier/util"
	"github.com/muesli/termenv"
)

var adminLog = log.WithPrefix("admin")

var ErrNoAdminKeys = errors.New("admin console enabled without adminKeys")

// MainTui starts one console program per interactive session.
func MainTui(store Store) wish.Middleware {
	teaHandler := func(s ssh.Session) *tea.Program {
		pty, _, active := s.Pty()
		if !active {
			wish.Println(s, "no active terminal, skipping")
			return nil
		}
		m := NewModel(store, pty.Window.Width, pty.Window.Height)
		return tea.NewProgram(m, tea.WithInput(s), tea.WithOutput(s), tea.WithAltScreen())
	}
	return bm.MiddlewareWithProgramHandler(teaHandler, termenv.ANSI256)
}

// NewServer builds the SSH server for the console. The host key is created
// on first start.
func NewServer(conf *util.AppConfig, store Store) (*ssh.Server, error) {
	keys, err := ParseAuthorizedKeys(conf.Conf.AdminKeys)
	if err != nil {
		return nil, err
	}
	if keys.Len() == 0 {
		return nil, ErrNoAdminKeys
	}

	return wish.NewServer(
		wish.WithAddress(net.JoinHostPort(conf.Conf.Host, strconv.Itoa(conf.Conf.SshPort))),
		wish.WithHostKeyPath(util.ResolveFilePathWithSubdir(".ssh", "hostkey")),
		wish.WithPublicKeyAuth(keys.PublicKeyHandler()),
		wish.WithMiddleware(
			MainTui(store),
			AuthMiddleware(keys),
			logging.Middleware(), // last middleware executed first
		),
	)
}

// Run serves until ctx is cancelled.
func Run(ctx context.Context, s *ssh.Server) error {
	errc := make(chan error, 1)
	go func() {
		adminLog.Info("starting SSH server", "addr", s.Addr)
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, ssh.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err, ok := <-errc:
		if ok {
			return fmt.Errorf("admin console: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	adminLog.Info("stopping SSH server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

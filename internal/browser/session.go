package browser

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// SessionConfig selects how a Session reaches a browser
type SessionConfig struct {
	Endpoint string // existing DevTools websocket URL; empty launches Chromium
	Launch   LaunchOptions
}

// Session owns a browser connection and, when it launched one, the process.
// It is shared by every bot of a manager.
type Session struct {
	cfg SessionConfig
	log *logrus.Logger

	mu      sync.Mutex
	proc    *Process
	browser *Browser
}

// NewSession creates a lazily connected session
func NewSession(cfg SessionConfig, log *logrus.Logger) *Session {
	return &Session{cfg: cfg, log: log}
}

// Browser returns the connected browser, connecting or launching on first use
// and reconnecting after the connection drops
func (s *Session) Browser(ctx context.Context) (*Browser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browser != nil {
		select {
		case <-s.browser.conn.Done():
			s.log.Warn("browser connection lost, reconnecting")
			s.closeLocked()
		default:
			return s.browser, nil
		}
	}

	endpoint := s.cfg.Endpoint
	if endpoint == "" {
		proc, err := Launch(ctx, s.cfg.Launch, s.log)
		if err != nil {
			return nil, err
		}
		s.proc = proc
		endpoint = proc.WSURL
	}

	conn, err := Dial(ctx, endpoint, s.log)
	if err != nil {
		s.closeLocked()
		return nil, err
	}
	s.browser = New(conn, s.log)
	return s.browser, nil
}

// NewPage opens an isolated page on the session's browser
func (s *Session) NewPage(ctx context.Context, opts PageOptions) (*Page, error) {
	b, err := s.Browser(ctx)
	if err != nil {
		return nil, err
	}
	return b.NewPage(ctx, opts)
}

// Close disconnects and kills a launched process
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *Session) closeLocked() {
	if s.browser != nil {
		s.browser.Close()
		s.browser = nil
	}
	if s.proc != nil {
		s.proc.Kill()
		s.proc = nil
	}
}

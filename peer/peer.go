// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/bureau-foundation/affinity/lib/clock"
	"github.com/bureau-foundation/affinity/lib/codec"
	"github.com/bureau-foundation/affinity/lib/netutil"
)

// Responder computes the data frame answering a command that asked for
// a reply.
type Responder func(command codec.Command, document *Document) any

// DocumentResponder answers with the document's current value for the
// command's element and property, or nil.
func DocumentResponder(command codec.Command, document *Document) any {
	value, _ := document.Get(command.ID, command.Prop)
	return value
}

// Config configures a Peer.
type Config struct {
	// URL is the ws:// or wss:// address of a duplex route. Required.
	URL string

	// Codec selects the subprotocol offered. Defaults to JSON.
	Codec codec.Codec

	// Responder answers reply commands. Defaults to DocumentResponder.
	Responder Responder

	// Document receives the server's commands. A fresh one is created
	// if nil; it is kept across reconnects.
	Document *Document

	// MinBackoff and MaxBackoff bound the reconnect delay. Defaults:
	// 100ms and 10s.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// MaxAttempts stops Run after this many consecutive failed dials.
	// Zero retries forever.
	MaxAttempts int

	// Clock paces reconnects. Defaults to the real clock.
	Clock clock.Clock

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// Peer dials one duplex route.
type Peer struct {
	config Config
	dialer websocket.Dialer
}

// New creates a Peer. Panics if URL or Logger is missing.
func New(cfg Config) *Peer {
	if cfg.URL == "" {
		panic("peer.New: URL is required")
	}
	if cfg.Logger == nil {
		panic("peer.New: Logger is required")
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.JSON
	}
	if cfg.Responder == nil {
		cfg.Responder = DocumentResponder
	}
	if cfg.Document == nil {
		cfg.Document = NewDocument()
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Peer{
		config: cfg,
		dialer: websocket.Dialer{
			Subprotocols:     []string{cfg.Codec.Subprotocol()},
			HandshakeTimeout: 10 * time.Second,
			Proxy:            http.ProxyFromEnvironment,
		},
	}
}

// Document is the state shared by every session of this peer.
func (p *Peer) Document() *Document { return p.config.Document }

// Dial opens one session.
func (p *Peer) Dial(ctx context.Context) (*Session, error) {
	conn, response, err := p.dialer.DialContext(ctx, p.config.URL, nil)
	if err != nil {
		if response != nil {
			defer response.Body.Close()
			return nil, fmt.Errorf("dialing %s: %s: %w", p.config.URL, netutil.ErrorBody(response.Body), err)
		}
		return nil, fmt.Errorf("dialing %s: %w", p.config.URL, err)
	}
	response.Body.Close()

	if conn.Subprotocol() != p.config.Codec.Subprotocol() {
		conn.Close()
		return nil, fmt.Errorf("server at %s did not accept subprotocol %s", p.config.URL, p.config.Codec.Subprotocol())
	}
	p.config.Logger.Debug("session opened", "url", p.config.URL, "codec", p.config.Codec.Name())
	return &Session{
		conn:      conn,
		codec:     p.config.Codec,
		document:  p.config.Document,
		responder: p.config.Responder,
		logger:    p.config.Logger,
	}, nil
}

// Run dials, hands the session to onSession, and serves it until it
// ends, reconnecting with backoff. onSession runs concurrently with the
// session's read loop and may be nil. Run returns nil once ctx is
// cancelled, or the last dial error after MaxAttempts failures.
func (p *Peer) Run(ctx context.Context, onSession func(ctx context.Context, session *Session) error) error {
	b := &backoff.Backoff{
		Min:    p.config.MinBackoff,
		Max:    p.config.MaxBackoff,
		Factor: 2,
		Jitter: true,
	}
	logger := p.config.Logger

	for {
		session, err := p.Dial(ctx)
		if err == nil {
			b.Reset()
			err = p.serve(ctx, session, onSession)
			if err == nil || ctx.Err() != nil {
				return nil
			}
			logger.Warn("session ended", "error", err)
		} else {
			if ctx.Err() != nil {
				return nil
			}
			if p.config.MaxAttempts > 0 && int(b.Attempt())+1 >= p.config.MaxAttempts {
				return err
			}
		}

		delay := b.Duration()
		logger.Info("reconnecting", "delay", delay, "attempt", int(b.Attempt()), "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-p.config.Clock.After(delay):
		}
	}
}

// serve runs the session until it ends. A nil return means the server
// closed it cleanly or onSession finished and closed it.
func (p *Peer) serve(ctx context.Context, session *Session, onSession func(ctx context.Context, session *Session) error) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	served := make(chan error, 1)
	go func() { served <- session.Serve(sessionCtx) }()

	if onSession != nil {
		if err := onSession(sessionCtx, session); err != nil {
			session.Close()
			<-served
			return err
		}
	}
	return <-served
}

// Session is one open connection.
type Session struct {
	conn      *websocket.Conn
	codec     codec.Codec
	document  *Document
	responder Responder
	logger    *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// SendEvent sends an event frame.
func (s *Session) SendEvent(name string, params map[string]any) error {
	return s.write(codec.Frame{Type: codec.FrameEvent, Event: name, Params: params})
}

// Ping asks the server for a pong command.
func (s *Session) Ping() error {
	return s.write(codec.Frame{Type: codec.FrameControl, Control: codec.ControlPing})
}

// RequestClose asks the server to close the session.
func (s *Session) RequestClose() error {
	return s.write(codec.Frame{Type: codec.FrameControl, Control: codec.ControlClose})
}

func (s *Session) write(frame codec.Frame) error {
	data, err := s.codec.EncodeFrame(frame)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", frame.Type, err)
	}
	messageType := websocket.TextMessage
	if s.codec.Binary() {
		messageType = websocket.BinaryMessage
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(messageType, data)
}

// Close sends a normal-closure frame and closes the socket.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		s.conn.Close()
	})
}

// Serve reads command batches until the connection ends or ctx is
// cancelled. Every batch is applied in order; commands that ask for a
// reply are answered as they are reached. Returns nil on a clean close.
func (s *Session) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.Close)
	defer stop()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.Close()
			if ctx.Err() != nil || netutil.IsExpectedCloseError(err) {
				return nil
			}
			return fmt.Errorf("reading: %w", err)
		}
		commands, err := s.codec.DecodeCommands(data)
		if err != nil {
			s.logger.Warn("dropping undecodable batch", "error", err)
			continue
		}
		for _, command := range commands {
			if err := s.handle(command); err != nil {
				s.Close()
				return err
			}
		}
	}
}

func (s *Session) handle(command codec.Command) error {
	s.logger.Debug("command", "etype", command.Etype, "id", command.ID, "prop", command.Prop, "reply", command.Reply)
	if !command.Reply {
		s.document.Apply(command)
		return nil
	}
	value := s.responder(command, s.document)
	if err := s.write(codec.Frame{Type: codec.FrameData, Data: value}); err != nil {
		return fmt.Errorf("answering %s: %w", command.Etype, err)
	}
	return nil
}

// ErrUnhealthy is returned by CheckHealth for a non-200 response.
var ErrUnhealthy = errors.New("server unhealthy")

// Health is the server's /healthz report.
type Health struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Connections int    `json:"connections"`
	OwnerLoop   bool   `json:"owner_loop"`
}

// CheckHealth fetches baseURL + "/healthz".
func CheckHealth(ctx context.Context, client *http.Client, baseURL string) (Health, error) {
	var health Health
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/healthz", nil)
	if err != nil {
		return health, err
	}
	response, err := client.Do(request)
	if err != nil {
		return health, fmt.Errorf("checking health: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return health, fmt.Errorf("%w: %d %s", ErrUnhealthy, response.StatusCode, netutil.ErrorBody(response.Body))
	}
	if err := netutil.DecodeResponse(response.Body, &health); err != nil {
		return health, fmt.Errorf("decoding health: %w", err)
	}
	return health, nil
}

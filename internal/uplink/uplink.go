// Package uplink keeps the gateway's single connection to the cloud hub:
// it forwards local events upstream, hands inbound commands to the executor
// and reconnects forever when the connection drops.
package uplink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"minefleet/internal/data"
)

const (
	DefaultReconnectDelay = 5 * time.Second

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

type Config struct {
	// URL is the hub base address, e.g. wss://hub.example.com.
	URL            string
	SiteID         string
	APIKey         string
	ReconnectDelay time.Duration
}

// Snapshotter supplies the status batch sent right after connecting.
type Snapshotter interface {
	Snapshot() data.StatusMessage
}

// CommandRunner executes inbound commands.
type CommandRunner interface {
	Execute(cmd data.CommandMessage) error
}

type Uplink struct {
	cfg      Config
	events   <-chan data.Message
	state    Snapshotter
	commands CommandRunner
	dialer   *websocket.Dialer
	logger   *slog.Logger
	after    func(time.Duration) <-chan time.Time

	// pending holds an event whose write failed; it goes out first on the
	// next connection. Only the Run goroutine touches it.
	pending  data.Message
	attempts atomic.Int64
}

func New(cfg Config, events <-chan data.Message, state Snapshotter, commands CommandRunner, logger *slog.Logger) *Uplink {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Uplink{
		cfg:      cfg,
		events:   events,
		state:    state,
		commands: commands,
		dialer:   &websocket.Dialer{HandshakeTimeout: writeWait},
		logger:   logger.With(slog.String("component", "uplink"), slog.String("site_id", cfg.SiteID)),
		after:    time.After,
	}
}

// Attempts is the number of connection attempts made so far.
func (u *Uplink) Attempts() int64 { return u.attempts.Load() }

// Run connects and reconnects until ctx is cancelled. Attempts never
// overlap: the next one starts only after the previous session ended and
// the reconnect delay elapsed.
func (u *Uplink) Run(ctx context.Context) {
	for {
		u.attempts.Add(1)
		err := u.session(ctx)
		if ctx.Err() != nil {
			u.logger.Info("uplink stopped")
			return
		}
		u.logger.Warn("hub connection lost, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("delay", u.cfg.ReconnectDelay))
		select {
		case <-ctx.Done():
			u.logger.Info("uplink stopped")
			return
		case <-u.after(u.cfg.ReconnectDelay):
		}
	}
}

func (u *Uplink) endpoint() string {
	return strings.TrimRight(u.cfg.URL, "/") + "/ws/sites/" + url.PathEscape(u.cfg.SiteID)
}

func (u *Uplink) session(ctx context.Context) error {
	header := http.Header{}
	header.Set("X-Site-ID", u.cfg.SiteID)
	header.Set("X-API-Key", u.cfg.APIKey)

	conn, resp, err := u.dialer.DialContext(ctx, u.endpoint(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w: dial hub: %v (status %d)", data.ErrTransportFailure, err, resp.StatusCode)
		}
		return fmt.Errorf("%w: dial hub: %v", data.ErrTransportFailure, err)
	}
	defer conn.Close()
	u.logger.Info("connected to hub", slog.String("url", u.endpoint()))

	readErr := make(chan error, 1)
	go func() { readErr <- u.readPump(conn) }()

	if err := u.write(conn, u.state.Snapshot()); err != nil {
		return err
	}
	if u.pending != nil {
		if err := u.write(conn, u.pending); err != nil {
			return err
		}
		u.pending = nil
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "gateway shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return ctx.Err()
		case err := <-readErr:
			return err
		case msg := <-u.events:
			if err := u.write(conn, msg); err != nil {
				u.pending = msg
				return err
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("%w: ping: %v", data.ErrTransportFailure, err)
			}
		}
	}
}

// write sends one message. Messages that fail to encode are logged and
// dropped; only transport errors are returned.
func (u *Uplink) write(conn *websocket.Conn, msg data.Message) error {
	payload, err := data.Encode(msg)
	if err != nil {
		u.logger.Error("dropping unencodable event",
			slog.String("kind", string(msg.Kind())),
			slog.String("error", err.Error()))
		return nil
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("%w: write %s: %v", data.ErrTransportFailure, msg.Kind(), err)
	}
	return nil
}

func (u *Uplink) readPump(conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	in := inbound{u}
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: read: %v", data.ErrTransportFailure, err)
		}
		msg, err := data.Parse(raw)
		if err != nil {
			u.logger.Warn("dropping malformed message from hub", slog.String("error", err.Error()))
			continue
		}
		if err := data.Dispatch(msg, in); err != nil {
			u.logger.Warn("inbound message rejected",
				slog.String("kind", string(msg.Kind())),
				slog.String("error", err.Error()))
		}
	}
}

// inbound handles messages arriving from the hub. Only commands travel in
// that direction.
type inbound struct{ u *Uplink }

var errWrongDirection = errors.New("message kind is not accepted from the hub")

func (in inbound) HandleCommand(cmd data.CommandMessage) error {
	return in.u.commands.Execute(cmd)
}

func (inbound) HandleReading(data.ReadingMessage) error { return errWrongDirection }
func (inbound) HandleError(data.ErrorMessage) error { return errWrongDirection }
func (inbound) HandleStatus(data.StatusMessage) error { return errWrongDirection }
func (inbound) HandleCommandComplete(data.CommandCompleteMessage) error { return errWrongDirection }
func (inbound) HandleCommandError(data.CommandErrorMessage) error { return errWrongDirection }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

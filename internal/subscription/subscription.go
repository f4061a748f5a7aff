// Package subscription consumes the camera API's push-notification socket and
// dispatches structured events onto camera objects.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"circlecam/internal/auth"
	"circlecam/internal/client"
)

const notificationsPath = "/notifications"

const defaultPingInterval = 60 * time.Second

// ErrSubscriptionClosed is returned when a receive is attempted on a
// subscription that has already been permanently closed.
var ErrSubscriptionClosed = errors.New("subscription already closed")

// DefaultEventTypes covers every event this library dispatches.
var DefaultEventTypes = []string{
	"accessory_settings_changed",
	"activity_created",
	"activity_updated",
	"activity_finished",
}

// CameraUpdater is the camera surface events land on.
type CameraUpdater interface {
	ID() string
	MergeSettings(settings map[string]json.RawMessage)
	SetCurrentActivity(raw json.RawMessage) error
	ClearCurrentActivity()
}

// Registrar ties a subscription's lifetime to the auth provider, so closing
// the provider invalidates in-flight receives. Implemented by auth.Provider.
type Registrar interface {
	Register(sub auth.Invalidator)
}

// Event is one push frame. A zero Event (Type == "") is the empty result
// returned when the subscription winds down instead of erroring.
type Event struct {
	Type string          `json:"eventType"`
	Data json.RawMessage `json:"eventData"`
}

// Subscription is a long-lived consumer of the push socket. It is owned by
// the caller that created it and closed exactly once; an external authority
// (auth.Provider.Close) may invalidate it so its next receive terminates
// cleanly instead of erroring.
type Subscription struct {
	url          string
	cameras      []CameraUpdater
	dialer       *websocket.Dialer
	pingInterval time.Duration
	logger       *slog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	closed      bool
	invalidated bool
	stopPing    chan struct{}
}

type Option func(*Subscription)

func WithPingInterval(d time.Duration) Option {
	return func(s *Subscription) { s.pingInterval = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Subscription) { s.logger = l }
}

// New creates a subscription for an already resolved websocket URL.
func New(wsURL string, cameras []CameraUpdater, opts ...Option) *Subscription {
	s := &Subscription{
		url:          wsURL,
		cameras:      cameras,
		dialer:       websocket.DefaultDialer,
		pingInterval: defaultPingInterval,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Subscribe requests a push socket for the given cameras and event types,
// returning an unopened Subscription registered with reg.
func Subscribe(ctx context.Context, fetch client.Fetcher, reg Registrar, cameras []CameraUpdater, eventTypes []string, opts ...Option) (*Subscription, error) {
	if len(eventTypes) == 0 {
		eventTypes = DefaultEventTypes
	}
	ids := make([]string, 0, len(cameras))
	for _, cam := range cameras {
		ids = append(ids, cam.ID())
	}

	res, err := fetch.Fetch(ctx, client.Request{
		URL:    notificationsPath,
		Method: http.MethodPost,
		Body: map[string]any{
			"accessories": ids,
			"eventTypes":  eventTypes,
		},
		// The socket URL arrives via header on the unredirected response.
		Header: http.Header{"X-Logi-Noredirect": {"true"}},
		Raw:    true,
	})
	if err != nil {
		return nil, err
	}
	wsURL := res.Header.Get("X-Logi-Websocket-Url")
	res.Raw.Body.Close()
	if wsURL == "" {
		return nil, fmt.Errorf("notifications response missing X-Logi-Websocket-Url header")
	}

	sub := New(wsURL, cameras, opts...)
	if reg != nil {
		reg.Register(sub)
	}
	return sub, nil
}

// Open establishes the socket. It rejects a subscription that has already
// been permanently closed.
func (s *Subscription) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSubscriptionClosed
	}
	if s.conn != nil {
		return nil
	}

	conn, resp, err := s.dialer.DialContext(ctx, s.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dialing push socket: %w", err)
	}
	s.conn = conn
	s.stopPing = make(chan struct{})
	go s.pingLoop(conn, s.stopPing)
	s.logger.Debug("push socket opened", "url", s.url)
	return nil
}

func (s *Subscription) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			if err != nil {
				return
			}
		}
	}
}

// IsOpen reports whether the socket is currently established.
func (s *Subscription) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Invalidate flags the subscription so its next receive closes the socket and
// returns an empty result. It does not interrupt a receive already blocked.
func (s *Subscription) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = true
}

// Close tears down the socket. Safe to call more than once; only the first
// call does anything.
func (s *Subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Subscription) closeLocked() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.stopPing != nil {
		close(s.stopPing)
		s.stopPing = nil
	}
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

// GetNextEvent waits for the next push frame, dispatching it to the matching
// camera before returning it. An invalidated subscription, or one whose
// remote end closed the socket, winds down and returns an empty Event rather
// than an error.
func (s *Subscription) GetNextEvent(ctx context.Context) (Event, error) {
	s.mu.Lock()
	if s.invalidated {
		s.closeLocked()
		s.mu.Unlock()
		return Event{}, nil
	}
	if s.closed {
		s.mu.Unlock()
		return Event{}, ErrSubscriptionClosed
	}
	s.mu.Unlock()

	if err := s.Open(ctx); err != nil {
		return Event{}, err
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	s.logger.Debug("waiting for next push frame")
	_, data, err := conn.ReadMessage()
	if err != nil {
		// Remote close is a normal wind-down, not an error.
		s.Close()
		if isRemoteClose(err) {
			return Event{}, nil
		}
		return Event{}, fmt.Errorf("reading push frame: %w", err)
	}

	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, fmt.Errorf("decoding push frame: %w", err)
	}
	s.dispatch(event)
	return event, nil
}

func isRemoteClose(err error) bool {
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr) || errors.Is(err, websocket.ErrCloseSent)
}

// dispatch routes one event to its camera. Unknown event types are logged and
// ignored so new server-side events never break an old client.
func (s *Subscription) dispatch(event Event) {
	var data struct {
		AccessoryID string `json:"accessoryId"`
	}
	if err := json.Unmarshal(event.Data, &data); err != nil || data.AccessoryID == "" {
		s.logger.Warn("push event without accessory ID", "type", event.Type)
		return
	}
	cam := s.cameraByID(data.AccessoryID)
	if cam == nil {
		s.logger.Warn("push event for unknown camera", "type", event.Type, "accessory", data.AccessoryID)
		return
	}

	switch event.Type {
	case "accessory_settings_changed":
		var settings map[string]json.RawMessage
		if err := json.Unmarshal(event.Data, &settings); err != nil {
			s.logger.Warn("malformed settings event", "accessory", data.AccessoryID, "error", err)
			return
		}
		cam.MergeSettings(settings)

	case "activity_created", "activity_updated":
		if err := cam.SetCurrentActivity(event.Data); err != nil {
			s.logger.Warn("malformed activity event", "type", event.Type, "error", err)
		}

	case "activity_finished":
		cam.ClearCurrentActivity()

	default:
		s.logger.Warn("unhandled push event type", "type", event.Type)
	}
}

func (s *Subscription) cameraByID(id string) CameraUpdater {
	for _, cam := range s.cameras {
		if cam.ID() == id {
			return cam
		}
	}
	return nil
}

// Package livestream assembles a camera's live DASH output into playable
// MP4 data, pacing segment downloads to the encoder's real-world cadence.
package livestream

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"circlecam/internal/client"
)

// Device is the camera surface the session needs: a forced metadata refresh
// (the streaming node address rotates) and the manifest location.
type Device interface {
	ForceUpdate(ctx context.Context) error
	ManifestURL() string
}

// Session is a per-camera live-stream state machine.
//
// UNINITIALIZED -> INITIALIZED -> (repeating: awaiting-next-segment ->
// segment-available). There is no terminal state; the caller stops pulling
// segments to end the session. The segment index increases monotonically and
// is only rewound by a full reinitialization.
type Session struct {
	dev    Device
	fetch  client.Fetcher
	logger *slog.Logger

	initialized bool
	manifest    *Manifest
	initSegment []byte
	index       int
	nextDue     time.Time
	lastDest    string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Session)

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// withClock overrides time for tests.
func withClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(s *Session) {
		s.now = now
		s.sleep = sleep
	}
}

func New(dev Device, fetch client.Fetcher, opts ...Option) *Session {
	s := &Session{
		dev:    dev,
		fetch:  fetch,
		logger: slog.Default(),
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Initialize refreshes the camera metadata, fetches and parses the manifest,
// caches the init segment and arms the first segment for immediate download.
func (s *Session) Initialize(ctx context.Context) error {
	// The streaming host can rotate between sessions; always re-resolve it.
	if err := s.dev.ForceUpdate(ctx); err != nil {
		return fmt.Errorf("refreshing camera before manifest fetch: %w", err)
	}

	res, err := s.fetch.Fetch(ctx, client.Request{URL: s.dev.ManifestURL(), Absolute: true})
	if err != nil {
		return fmt.Errorf("fetching manifest: %w", err)
	}
	manifest, err := ParseManifest(res.Body)
	if err != nil {
		return err
	}

	initRes, err := s.fetch.Fetch(ctx, client.Request{URL: manifest.InitSegmentURL(), Absolute: true})
	if err != nil {
		return fmt.Errorf("fetching init segment: %w", err)
	}

	s.manifest = manifest
	s.initSegment = initRes.Body
	s.index = manifest.StartIndex
	s.nextDue = s.now() // first segment is assumed immediately available
	s.lastDest = ""
	s.initialized = true

	s.logger.Debug("live stream initialized",
		"base_url", manifest.BaseURL,
		"start_index", manifest.StartIndex,
		"segment_duration_ms", manifest.SegmentDurationMS)
	return nil
}

// Reinitialize drops all stream state so the next GetSegment re-resolves the
// manifest, e.g. after the camera's network address changed.
func (s *Session) Reinitialize() {
	s.initialized = false
	s.manifest = nil
	s.initSegment = nil
}

// Initialized reports whether the session has a live manifest.
func (s *Session) Initialized() bool {
	return s.initialized
}

// GetSegment waits until the next segment is due, fetches it and delivers a
// playable unit.
//
// With dest == "", each call returns init bytes + segment bytes, individually
// playable. With a file dest, the first write to a destination includes the
// init header; subsequent calls for the same destination append only the new
// media segment. Fetch failures propagate uncaught; retry policy belongs to
// the caller.
func (s *Session) GetSegment(ctx context.Context, dest string) ([]byte, error) {
	if !s.initialized {
		if err := s.Initialize(ctx); err != nil {
			return nil, err
		}
	}

	wait := s.nextDue.Sub(s.now())
	// Rearm before sleeping and fetching so fetch latency doesn't stretch
	// the schedule beyond the encoder's cadence.
	s.nextDue = s.now().Add(time.Duration(s.manifest.SegmentDurationMS) * time.Millisecond)

	if wait > 0 {
		s.logger.Debug("waiting for next segment", "wait", wait)
		if err := s.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	index := s.index
	res, err := s.fetch.Fetch(ctx, client.Request{URL: s.manifest.SegmentURL(index), Absolute: true})
	if err != nil {
		return nil, fmt.Errorf("fetching segment %d: %w", index, err)
	}
	s.index++

	if dest == "" {
		playable := make([]byte, 0, len(s.initSegment)+len(res.Body))
		playable = append(playable, s.initSegment...)
		playable = append(playable, res.Body...)
		return playable, nil
	}

	if dest == s.lastDest {
		// Continuation of the same output: append the media segment only.
		if err := appendFile(dest, res.Body); err != nil {
			return nil, err
		}
	} else {
		// New output target: init header first so the file is playable.
		if err := os.WriteFile(dest, s.initSegment, 0644); err != nil {
			return nil, fmt.Errorf("writing %s: %w", dest, err)
		}
		if err := appendFile(dest, res.Body); err != nil {
			return nil, err
		}
	}
	s.lastDest = dest
	return nil, nil
}

func appendFile(dest string, data []byte) error {
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", dest, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("appending to %s: %w", dest, err)
	}
	return f.Close()
}

package livestream

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"circlecam/internal/client"
)

const testMPD = `<?xml version="1.0" encoding="UTF-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="dynamic">
  <Period>
    <BaseURL>https://node-a.video.example.com/streams/cam-1/</BaseURL>
    <AdaptationSet mimeType="video/mp4">
      <SegmentTemplate initialization="init.mp4" media="segment_$Number$.m4s" startNumber="3" duration="4500"/>
    </AdaptationSet>
  </Period>
</MPD>`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(testMPD))
	if err != nil {
		t.Fatal(err)
	}
	if m.BaseURL != "https://node-a.video.example.com/streams/cam-1/" {
		t.Errorf("BaseURL = %q", m.BaseURL)
	}
	if m.StartIndex != 3 {
		t.Errorf("StartIndex = %d", m.StartIndex)
	}
	if m.SegmentDurationMS != 4500 {
		t.Errorf("SegmentDurationMS = %d", m.SegmentDurationMS)
	}
	if got := m.InitSegmentURL(); got != m.BaseURL+"init.mp4" {
		t.Errorf("InitSegmentURL = %q", got)
	}
	if got := m.SegmentURL(7); got != m.BaseURL+"segment_7.m4s" {
		t.Errorf("SegmentURL(7) = %q", got)
	}
}

func TestParseManifestErrors(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not xml", `{"json": true}`},
		{"no base url", `<MPD><Period><AdaptationSet><SegmentTemplate initialization="i" media="m" startNumber="1" duration="4500"/></AdaptationSet></Period></MPD>`},
		{"no segment template", `<MPD><Period><BaseURL>https://x/</BaseURL></Period></MPD>`},
		{"missing media attr", `<MPD><Period><BaseURL>https://x/</BaseURL><SegmentTemplate initialization="i" startNumber="1" duration="4500"/></Period></MPD>`},
		{"bad start number", `<MPD><Period><BaseURL>https://x/</BaseURL><SegmentTemplate initialization="i" media="m" startNumber="one" duration="4500"/></Period></MPD>`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseManifest([]byte(tc.raw)); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

type fakeDevice struct {
	updates     int
	manifestURL string
}

func (d *fakeDevice) ForceUpdate(ctx context.Context) error {
	d.updates++
	return nil
}

func (d *fakeDevice) ManifestURL() string { return d.manifestURL }

// fakeFetcher answers absolute URLs from a canned map, recording order.
type fakeFetcher struct {
	responses map[string][]byte
	urls      []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, req client.Request) (*client.Result, error) {
	f.urls = append(f.urls, req.URL)
	body, ok := f.responses[req.URL]
	if !ok {
		return nil, fmt.Errorf("no response for %q", req.URL)
	}
	return &client.Result{Status: 200, Body: body}, nil
}

type fakeClock struct {
	current time.Time
	sleeps  []time.Duration
}

func (c *fakeClock) now() time.Time { return c.current }

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	c.current = c.current.Add(d)
	return nil
}

func testSession(t *testing.T) (*Session, *fakeDevice, *fakeFetcher, *fakeClock) {
	t.Helper()
	dev := &fakeDevice{manifestURL: "https://node-a.video.example.com/api/accessories/cam-1/mpd"}
	base := "https://node-a.video.example.com/streams/cam-1/"
	fetch := &fakeFetcher{responses: map[string][]byte{
		dev.manifestURL:        []byte(testMPD),
		base + "init.mp4":      []byte("INIT"),
		base + "segment_3.m4s": []byte("SEG3"),
		base + "segment_4.m4s": []byte("SEG4"),
		base + "segment_5.m4s": []byte("SEG5"),
	}}
	clock := &fakeClock{current: time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)}
	s := New(dev, fetch, withClock(clock.now, clock.sleep))
	return s, dev, fetch, clock
}

func TestGetSegmentLazyInitialize(t *testing.T) {
	s, dev, _, _ := testSession(t)

	if s.Initialized() {
		t.Fatal("session should start uninitialized")
	}
	data, err := s.GetSegment(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if !s.Initialized() {
		t.Fatal("first GetSegment should initialize the session")
	}
	if dev.updates != 1 {
		t.Fatalf("device updates = %d, want 1", dev.updates)
	}
	if string(data) != "INITSEG3" {
		t.Fatalf("data = %q, want init-prefixed first segment", data)
	}
}

func TestGetSegmentPacing(t *testing.T) {
	s, _, fetch, clock := testSession(t)
	ctx := context.Background()

	// First segment is due immediately after initialization.
	if _, err := s.GetSegment(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if len(clock.sleeps) != 0 {
		t.Fatalf("first segment slept %v", clock.sleeps)
	}

	// The caller spends a second processing; the session waits out the rest
	// of the 4500ms cadence before the next segment.
	clock.current = clock.current.Add(1 * time.Second)
	if _, err := s.GetSegment(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if len(clock.sleeps) != 1 || clock.sleeps[0] != 3500*time.Millisecond {
		t.Fatalf("sleeps = %v, want [3.5s]", clock.sleeps)
	}

	// Scheduling is anchored to when the previous pull started, not when it
	// finished, so the third wait covers the remaining second.
	if _, err := s.GetSegment(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if len(clock.sleeps) != 2 || clock.sleeps[1] != 1*time.Second {
		t.Fatalf("sleeps = %v, want second wait of 1s", clock.sleeps)
	}

	// Indexes advance monotonically from the manifest's start number.
	base := "https://node-a.video.example.com/streams/cam-1/"
	want := []string{base + "segment_3.m4s", base + "segment_4.m4s", base + "segment_5.m4s"}
	var segments []string
	for _, u := range fetch.urls {
		if len(u) > len(base) && u[:len(base)] == base && u != base+"init.mp4" {
			segments = append(segments, u)
		}
	}
	if len(segments) != len(want) {
		t.Fatalf("segment fetches = %v", segments)
	}
	for i := range want {
		if segments[i] != want[i] {
			t.Fatalf("segment %d = %q, want %q", i, segments[i], want[i])
		}
	}
}

func TestGetSegmentEachCallIndependentlyPlayable(t *testing.T) {
	s, _, _, _ := testSession(t)
	ctx := context.Background()

	first, err := s.GetSegment(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.GetSegment(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(first, []byte("INIT")) || !bytes.HasPrefix(second, []byte("INIT")) {
		t.Fatalf("buffered segments must each carry the init header: %q, %q", first, second)
	}
}

func TestGetSegmentFileAppend(t *testing.T) {
	s, _, _, _ := testSession(t)
	ctx := context.Background()
	dest := filepath.Join(t.TempDir(), "out.mp4")

	// First write to a destination includes the init header.
	if _, err := s.GetSegment(ctx, dest); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "INITSEG3" {
		t.Fatalf("file = %q, want INITSEG3", got)
	}

	// Continuation of the same file appends the media segment only.
	if _, err := s.GetSegment(ctx, dest); err != nil {
		t.Fatal(err)
	}
	got, _ = os.ReadFile(dest)
	if string(got) != "INITSEG3SEG4" {
		t.Fatalf("file = %q, want INITSEG3SEG4", got)
	}

	// A new destination starts over with the init header.
	other := filepath.Join(t.TempDir(), "other.mp4")
	if _, err := s.GetSegment(ctx, other); err != nil {
		t.Fatal(err)
	}
	got, _ = os.ReadFile(other)
	if string(got) != "INITSEG5" {
		t.Fatalf("file = %q, want INITSEG5", got)
	}
}

func TestReinitialize(t *testing.T) {
	s, dev, _, _ := testSession(t)
	ctx := context.Background()

	if _, err := s.GetSegment(ctx, ""); err != nil {
		t.Fatal(err)
	}
	s.Reinitialize()
	if s.Initialized() {
		t.Fatal("session should be uninitialized after Reinitialize")
	}

	// The next pull re-resolves the node and restarts from the manifest's
	// start number.
	data, err := s.GetSegment(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if dev.updates != 2 {
		t.Fatalf("device updates = %d, want 2", dev.updates)
	}
	if string(data) != "INITSEG3" {
		t.Fatalf("data = %q, want restart at first segment", data)
	}
}

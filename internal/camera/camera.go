// Package camera models the vendor's camera devices and their recorded
// activities. All network access goes through the fetch pipeline capability.
package camera

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"circlecam/internal/client"
)

const accessoriesPath = "/accessories"

// defaultUpdateThrottle suppresses repeat metadata polls; the API rejects
// aggressive polling and the node address rarely changes that fast.
const defaultUpdateThrottle = 30 * time.Second

// ErrUnexpectedContentType is returned when an asset download does not carry
// the media type the endpoint is documented to serve.
var ErrUnexpectedContentType = errors.New("unexpected content type")

// Camera is one device. Fields mirror the accessory document; optional
// capabilities (battery, climate sensors) are availability-gated and read as
// (value, ok) pairs.
type Camera struct {
	fetch  client.Fetcher
	logger *slog.Logger

	updateThrottle time.Duration

	mu              sync.RWMutex
	id              string
	name            string
	nodeID          string
	connected       bool
	streamingMode   string
	timezone        string
	loc             *time.Location
	model           string
	firmware        string
	batteryLevel    *int
	charging        *bool
	wifiSignal      *int
	humidity        *int
	temperature     *int
	currentActivity *Activity
	lastUpdate      time.Time
}

type accessoryPayload struct {
	AccessoryID   string                     `json:"accessoryId"`
	Name          string                     `json:"name"`
	IsConnected   bool                       `json:"isConnected"`
	NodeID        string                     `json:"nodeId"`
	Configuration map[string]json.RawMessage `json:"configuration"`
}

// New builds a Camera from one raw accessory document.
func New(fetch client.Fetcher, raw json.RawMessage) (*Camera, error) {
	c := &Camera{
		fetch:          fetch,
		logger:         slog.Default(),
		updateThrottle: defaultUpdateThrottle,
	}
	if err := c.apply(raw); err != nil {
		return nil, err
	}
	return c, nil
}

// List fetches every camera on the account.
func List(ctx context.Context, fetch client.Fetcher) ([]*Camera, error) {
	res, err := fetch.Fetch(ctx, client.Request{URL: accessoriesPath})
	if err != nil {
		return nil, err
	}
	var raw []json.RawMessage
	if err := res.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding accessories: %w", err)
	}
	cameras := make([]*Camera, 0, len(raw))
	for _, doc := range raw {
		cam, err := New(fetch, doc)
		if err != nil {
			return nil, err
		}
		cameras = append(cameras, cam)
	}
	return cameras, nil
}

// apply validates an accessory document against the property table and
// replaces the camera's attributes.
func (c *Camera) apply(raw json.RawMessage) error {
	var p accessoryPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decoding accessory: %w", err)
	}
	if p.AccessoryID == "" || p.Name == "" || p.NodeID == "" || p.Configuration == nil {
		return fmt.Errorf("accessory document missing required properties")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = p.AccessoryID
	c.name = p.Name
	c.nodeID = p.NodeID
	c.connected = p.IsConnected
	c.applyConfigLocked(p.Configuration)
	return nil
}

// MergeSettings folds a partial configuration change (e.g. from an
// accessory_settings_changed event) into the camera's attributes.
func (c *Camera) MergeSettings(settings map[string]json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyConfigLocked(settings)
}

// configProperties is the static property-mapping table: every configuration
// key the library understands and how it lands on the Camera. Keys outside
// the table are flagged at the boundary, not silently absorbed.
var configProperties = map[string]func(c *Camera, raw json.RawMessage){
	"streamingMode":      func(c *Camera, raw json.RawMessage) { decodeInto(raw, &c.streamingMode) },
	"timeZone":           func(c *Camera, raw json.RawMessage) { c.setTimezone(raw) },
	"modelNumber":        func(c *Camera, raw json.RawMessage) { decodeInto(raw, &c.model) },
	"firmwareVersion":    func(c *Camera, raw json.RawMessage) { decodeInto(raw, &c.firmware) },
	"batteryLevel":       func(c *Camera, raw json.RawMessage) { c.batteryLevel = decodeOptInt(raw) },
	"batteryCharging":    func(c *Camera, raw json.RawMessage) { c.charging = decodeOptBool(raw) },
	"wifiSignalStrength": func(c *Camera, raw json.RawMessage) { c.wifiSignal = decodeOptInt(raw) },

	// Climate values only count when their availability flag says so; the
	// flags themselves are handled in applyConfigLocked.
	"humidity":    func(c *Camera, raw json.RawMessage) {},
	"temperature": func(c *Camera, raw json.RawMessage) {},

	// Known keys with no corresponding library surface.
	"accessoryId": func(c *Camera, raw json.RawMessage) {},
	"nodeId":      func(c *Camera, raw json.RawMessage) {},
}

func (c *Camera) applyConfigLocked(config map[string]json.RawMessage) {
	for key, raw := range config {
		switch key {
		case "humidityIsAvailable", "temperatureIsAvailable":
			continue
		}
		apply, ok := configProperties[key]
		if !ok {
			c.logger.Warn("unknown configuration property", "camera", c.id, "key", key)
			continue
		}
		apply(c, raw)
	}

	if avail := decodeOptBool(config["humidityIsAvailable"]); avail != nil {
		if *avail {
			c.humidity = decodeOptInt(config["humidity"])
		} else {
			c.humidity = nil
		}
	} else if raw, ok := config["humidity"]; ok && c.humidity != nil {
		c.humidity = decodeOptInt(raw)
	}
	if avail := decodeOptBool(config["temperatureIsAvailable"]); avail != nil {
		if *avail {
			c.temperature = decodeOptInt(config["temperature"])
		} else {
			c.temperature = nil
		}
	} else if raw, ok := config["temperature"]; ok && c.temperature != nil {
		c.temperature = decodeOptInt(raw)
	}
}

func (c *Camera) setTimezone(raw json.RawMessage) {
	decodeInto(raw, &c.timezone)
	loc, err := time.LoadLocation(c.timezone)
	if err != nil {
		c.logger.Warn("unknown camera timezone, using UTC", "camera", c.id, "timezone", c.timezone)
		loc = time.UTC
	}
	c.loc = loc
}

func decodeInto[T any](raw json.RawMessage, v *T) {
	if raw != nil {
		_ = json.Unmarshal(raw, v)
	}
}

func decodeOptInt(raw json.RawMessage) *int {
	if raw == nil {
		return nil
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return &v
}

func decodeOptBool(raw json.RawMessage) *bool {
	if raw == nil {
		return nil
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return &v
}

// Update polls the API for property changes, throttled to avoid hammering
// the accessory endpoint. Use ForceUpdate when a stale node address matters.
func (c *Camera) Update(ctx context.Context) error {
	c.mu.RLock()
	recent := time.Since(c.lastUpdate) < c.updateThrottle
	c.mu.RUnlock()
	if recent {
		return nil
	}
	return c.ForceUpdate(ctx)
}

// ForceUpdate polls the API for property changes unconditionally. The node
// address a camera streams from can rotate, so live-stream setup forces this.
func (c *Camera) ForceUpdate(ctx context.Context) error {
	res, err := c.fetch.Fetch(ctx, client.Request{URL: accessoriesPath + "/" + c.ID()})
	if err != nil {
		return err
	}
	if err := c.apply(res.Body); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastUpdate = time.Now()
	c.mu.Unlock()
	return nil
}

// SetStreamingMode soft-toggles the camera's streaming state.
func (c *Camera) SetStreamingMode(ctx context.Context, on bool) error {
	mode := "off"
	if on {
		mode = "on"
	}
	res, err := c.fetch.Fetch(ctx, client.Request{
		URL:    accessoriesPath + "/" + c.ID(),
		Method: http.MethodPut,
		Body:   map[string]string{"streamingMode": mode},
	})
	if err != nil {
		return err
	}
	if res.Status < 300 {
		c.mu.Lock()
		c.streamingMode = mode
		c.mu.Unlock()
	}
	return nil
}

// ManifestURL is the live-stream manifest location on the camera's current
// streaming node.
func (c *Camera) ManifestURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("https://%s/api%s/%s/mpd", c.nodeID, accessoriesPath, c.id)
}

// SnapshotURL serves a near-realtime JPEG of what the camera sees.
func (c *Camera) SnapshotURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("https://%s/api%s/%s/image", c.nodeID, accessoriesPath, c.id)
}

// DownloadSnapshot fetches a still image, saving to dest when given,
// returning the bytes otherwise.
func (c *Camera) DownloadSnapshot(ctx context.Context, dest string) ([]byte, error) {
	// Refresh first: the node address serving stills changes frequently.
	if err := c.ForceUpdate(ctx); err != nil {
		return nil, err
	}
	res, err := c.fetch.Fetch(ctx, client.Request{URL: c.SnapshotURL(), Absolute: true})
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(res.ContentType, "image/jpeg") {
		return nil, fmt.Errorf("%w: expected image/jpeg, got %s", ErrUnexpectedContentType, res.ContentType)
	}
	return deliver(res.Body, dest)
}

// deliver writes data to dest when given, otherwise hands it back.
func deliver(data []byte, dest string) ([]byte, error) {
	if dest == "" {
		return data, nil
	}
	if err := os.WriteFile(dest, data, 0644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", dest, err)
	}
	return nil, nil
}

// Accessors. Optional capabilities return (value, ok).

func (c *Camera) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

func (c *Camera) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

func (c *Camera) NodeID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nodeID
}

func (c *Camera) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Camera) IsStreaming() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streamingMode == "on"
}

func (c *Camera) Model() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
}

func (c *Camera) Firmware() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.firmware
}

func (c *Camera) Timezone() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timezone
}

func (c *Camera) Location() *time.Location {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

func (c *Camera) BatteryLevel() (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.batteryLevel == nil {
		return 0, false
	}
	return *c.batteryLevel, true
}

func (c *Camera) IsCharging() (bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.charging == nil {
		return false, false
	}
	return *c.charging, true
}

func (c *Camera) SignalStrength() (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.wifiSignal == nil {
		return 0, false
	}
	return *c.wifiSignal, true
}

// SignalCategory buckets wifi signal strength into a friendly label.
func (c *Camera) SignalCategory() string {
	strength, ok := c.SignalStrength()
	if !ok {
		return "Unknown"
	}
	switch {
	case strength > 80:
		return "Excellent"
	case strength > 60:
		return "Good"
	case strength > 40:
		return "Fair"
	case strength > 20:
		return "Poor"
	default:
		return "Bad"
	}
}

func (c *Camera) Humidity() (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.humidity == nil {
		return 0, false
	}
	return *c.humidity, true
}

func (c *Camera) Temperature() (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.temperature == nil {
		return 0, false
	}
	return *c.temperature, true
}

// CurrentActivity returns the in-flight activity, if an event subscription
// has reported one that hasn't finished.
func (c *Camera) CurrentActivity() *Activity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentActivity
}

// SetCurrentActivity records an in-flight activity from a push event.
func (c *Camera) SetCurrentActivity(raw json.RawMessage) error {
	act, err := newActivity(c.fetch, raw, c.activitiesPath(), c.Location())
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.currentActivity = act
	c.mu.Unlock()
	return nil
}

// ClearCurrentActivity drops the in-flight activity pointer.
func (c *Camera) ClearCurrentActivity() {
	c.mu.Lock()
	c.currentActivity = nil
	c.mu.Unlock()
}

func (c *Camera) activitiesPath() string {
	return accessoriesPath + "/" + c.ID() + "/activities"
}

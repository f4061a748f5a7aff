package livestream

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

// Manifest is the parsed streaming descriptor: everything needed to construct
// sequential segment URLs. Immutable once parsed; a reinitialized session
// fetches a fresh one.
type Manifest struct {
	BaseURL           string
	InitSegmentPath   string
	MediaTemplate     string // contains a $Number$ placeholder
	StartIndex        int
	SegmentDurationMS int
}

// ParseManifest extracts the stream configuration from the vendor's DASH MPD
// document.
func ParseManifest(raw []byte) (*Manifest, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("parsing manifest XML: %w", err)
	}

	base := doc.FindElement("//BaseURL")
	if base == nil {
		return nil, fmt.Errorf("manifest has no BaseURL element")
	}
	tmpl := doc.FindElement("//SegmentTemplate")
	if tmpl == nil {
		return nil, fmt.Errorf("manifest has no SegmentTemplate element")
	}

	m := &Manifest{
		BaseURL:         base.Text(),
		InitSegmentPath: tmpl.SelectAttrValue("initialization", ""),
		MediaTemplate:   tmpl.SelectAttrValue("media", ""),
	}
	if m.InitSegmentPath == "" || m.MediaTemplate == "" {
		return nil, fmt.Errorf("manifest SegmentTemplate missing initialization or media attribute")
	}

	start, err := strconv.Atoi(tmpl.SelectAttrValue("startNumber", ""))
	if err != nil {
		return nil, fmt.Errorf("manifest startNumber: %w", err)
	}
	duration, err := strconv.Atoi(tmpl.SelectAttrValue("duration", ""))
	if err != nil {
		return nil, fmt.Errorf("manifest duration: %w", err)
	}
	m.StartIndex = start
	m.SegmentDurationMS = duration
	return m, nil
}

// SegmentURL builds the media URL for one segment index.
func (m *Manifest) SegmentURL(index int) string {
	name := strings.ReplaceAll(m.MediaTemplate, "$Number$", strconv.Itoa(index))
	return m.BaseURL + name
}

// InitSegmentURL is the location of the container header bytes that must
// prefix every independently playable chunk.
func (m *Manifest) InitSegmentURL() string {
	return m.BaseURL + m.InitSegmentPath
}

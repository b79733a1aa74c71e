package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/signalsfoundry/platform-tracker/model"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid scenario")

// Defaults applied when the scenario omits a value.
const (
	DefaultTickInterval   = 100 * time.Millisecond
	DefaultCategoryALimit = 1000
	DefaultCategoryBLimit = 200

	maxFileSize = 1 * 1024 * 1024 // 1MB
)

// Protocol is the wire format a source speaks.
type Protocol int

const (
	ProtocolDatagram Protocol = iota
	ProtocolRecord
)

func (p Protocol) String() string {
	if p == ProtocolRecord {
		return "record"
	}
	return "datagram"
}

// Source is one configured network site.
type Source struct {
	Site     model.SiteID
	Protocol Protocol
	// Address is the listen host for datagram sources and the server host
	// for record sources.
	Address  string
	Port     int
	CallSign string
	Icon     string
	Category model.Category
	// Preference is the site-wide display preference, nil when the
	// scenario does not set one.
	Preference *model.PlatformPreference
}

// Endpoint returns host:port.
func (s Source) Endpoint() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}

// Scenario is a validated session configuration.
type Scenario struct {
	TickInterval   time.Duration
	CategoryALimit int
	CategoryBLimit int
	Sources        []Source
}

// Default returns an empty scenario with default limits.
func Default() *Scenario {
	return &Scenario{
		TickInterval:   DefaultTickInterval,
		CategoryALimit: DefaultCategoryALimit,
		CategoryBLimit: DefaultCategoryBLimit,
	}
}

// Source looks up the source for site.
func (s *Scenario) Source(site model.SiteID) (Source, bool) {
	for _, src := range s.Sources {
		if src.Site == site {
			return src, true
		}
	}
	return Source{}, false
}

// internal JSON shapes; unexported so the file format can evolve.
type scenarioJSON struct {
	TickInterval   string       `json:"tick_interval,omitempty"` // duration string like "100ms"
	CategoryALimit *int         `json:"category_a_limit,omitempty"`
	CategoryBLimit *int         `json:"category_b_limit,omitempty"`
	Sources        []sourceJSON `json:"sources"`
}

type sourceJSON struct {
	SiteID    *int           `json:"site_id"`
	Protocol  string         `json:"protocol"` // "datagram" | "record"
	Address   string         `json:"address,omitempty"`
	Port      int            `json:"port"`
	CallSign  string         `json:"call_sign,omitempty"`
	Category  string         `json:"category,omitempty"` // "A" | "B"; derived from site_id when empty
	Icon      string         `json:"icon,omitempty"`
	TrackPref *trackPrefJSON `json:"track_pref,omitempty"`
}

type trackPrefJSON struct {
	Mode         string   `json:"mode,omitempty"`
	Color        string   `json:"color,omitempty"`
	TrailLength  int      `json:"trail_length,omitempty"`
	LineWidth    *float64 `json:"line_width,omitempty"`
	DynamicScale bool     `json:"dynamic_scale,omitempty"`
	Draw         *bool    `json:"draw,omitempty"`
	Label        *bool    `json:"label,omitempty"`
}

// Load reads a scenario from a .json file no larger than 1MB.
func Load(path string) (*Scenario, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("scenario file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat scenario file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("scenario file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes and validates a scenario. Unknown fields are rejected.
func Parse(r io.Reader) (*Scenario, error) {
	var payload scenarioJSON
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to parse scenario JSON: %w", err)
	}

	sc := Default()
	if payload.TickInterval != "" {
		d, err := time.ParseDuration(payload.TickInterval)
		if err != nil {
			return nil, fmt.Errorf("%w: tick_interval %q: %v", ErrInvalid, payload.TickInterval, err)
		}
		sc.TickInterval = d
	}
	if payload.CategoryALimit != nil {
		sc.CategoryALimit = *payload.CategoryALimit
	}
	if payload.CategoryBLimit != nil {
		sc.CategoryBLimit = *payload.CategoryBLimit
	}

	for i, js := range payload.Sources {
		src, err := js.toSource()
		if err != nil {
			return nil, fmt.Errorf("%w: sources[%d]: %v", ErrInvalid, i, err)
		}
		sc.Sources = append(sc.Sources, src)
	}

	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return sc, nil
}

func (js sourceJSON) toSource() (Source, error) {
	if js.SiteID == nil {
		return Source{}, errors.New("site_id is required")
	}
	src := Source{
		Site:     model.SiteID(*js.SiteID),
		Address:  js.Address,
		Port:     js.Port,
		CallSign: js.CallSign,
		Icon:     js.Icon,
	}

	switch strings.ToLower(js.Protocol) {
	case "datagram", "":
		src.Protocol = ProtocolDatagram
	case "record":
		src.Protocol = ProtocolRecord
	default:
		return Source{}, fmt.Errorf("unknown protocol %q", js.Protocol)
	}

	if js.Category == "" {
		src.Category = model.CategoryOf(src.Site)
	} else {
		c, err := model.ParseCategory(js.Category)
		if err != nil {
			return Source{}, err
		}
		src.Category = c
	}

	if js.TrackPref != nil {
		pref, err := js.TrackPref.toPreference()
		if err != nil {
			return Source{}, err
		}
		src.Preference = &pref
	}
	return src, nil
}

func (js trackPrefJSON) toPreference() (model.PlatformPreference, error) {
	pref := model.DefaultPreference()
	mode, err := model.ParseTrackMode(js.Mode)
	if err != nil {
		return pref, err
	}
	pref.TrackMode = mode
	if js.Color != "" {
		c, err := model.ParseColor(js.Color)
		if err != nil {
			return pref, err
		}
		pref.TrackColor = c
	}
	pref.TrailLength = js.TrailLength
	if js.LineWidth != nil {
		pref.LineWidth = *js.LineWidth
	}
	pref.DynamicScale = js.DynamicScale
	if js.Draw != nil {
		pref.Draw = *js.Draw
	}
	if js.Label != nil {
		pref.Label = *js.Label
	}
	return pref, nil
}

// Validate checks cross-field constraints.
func (s *Scenario) Validate() error {
	if s.TickInterval <= 0 {
		return fmt.Errorf("%w: tick_interval must be positive, got %s", ErrInvalid, s.TickInterval)
	}
	if s.CategoryALimit < 0 || s.CategoryBLimit < 0 {
		return fmt.Errorf("%w: category limits must not be negative", ErrInvalid)
	}

	seen := make(map[model.SiteID]bool, len(s.Sources))
	for _, src := range s.Sources {
		if src.Site < 0 {
			return fmt.Errorf("%w: site_id %d is negative", ErrInvalid, src.Site)
		}
		if seen[src.Site] {
			return fmt.Errorf("%w: duplicate site_id %d", ErrInvalid, src.Site)
		}
		seen[src.Site] = true
		if src.Port < 0 || src.Port > 65535 {
			return fmt.Errorf("%w: site %d: port %d out of range", ErrInvalid, src.Site, src.Port)
		}
		if src.Protocol == ProtocolRecord && src.Port == 0 {
			return fmt.Errorf("%w: site %d: record sources need a port", ErrInvalid, src.Site)
		}
		if src.Preference != nil {
			if src.Preference.TrailLength < 0 {
				return fmt.Errorf("%w: site %d: trail_length must not be negative", ErrInvalid, src.Site)
			}
			if src.Preference.LineWidth <= 0 {
				return fmt.Errorf("%w: site %d: line_width must be positive", ErrInvalid, src.Site)
			}
		}
	}
	return nil
}

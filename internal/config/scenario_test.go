package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/platform-tracker/model"
)

const sample = `{
  "tick_interval": "50ms",
  "category_b_limit": 150,
  "sources": [
    {"site_id": 10000, "protocol": "datagram", "port": 5600, "call_sign": "HAWK1",
     "track_pref": {"mode": "line", "color": "#ff0000", "trail_length": 5}},
    {"site_id": 20000, "protocol": "record", "address": "10.0.0.5", "port": 7000},
    {"site_id": 300, "protocol": "datagram", "port": 5601, "category": "b"}
  ]
}`

func TestParseScenario(t *testing.T) {
	sc, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	assert.Equal(t, 50*time.Millisecond, sc.TickInterval)
	assert.Equal(t, DefaultCategoryALimit, sc.CategoryALimit)
	assert.Equal(t, 150, sc.CategoryBLimit)
	require.Len(t, sc.Sources, 3)

	hawk := sc.Sources[0]
	assert.Equal(t, model.SiteID(10000), hawk.Site)
	assert.Equal(t, ProtocolDatagram, hawk.Protocol)
	assert.Equal(t, model.CategoryA, hawk.Category)
	require.NotNil(t, hawk.Preference)
	assert.Equal(t, model.TrackLine, hawk.Preference.TrackMode)
	assert.Equal(t, model.Color(0xff0000ff), hawk.Preference.TrackColor)
	assert.Equal(t, 5, hawk.Preference.TrailLength)
	assert.True(t, hawk.Preference.Draw)

	rec, ok := sc.Source(20000)
	require.True(t, ok)
	assert.Equal(t, ProtocolRecord, rec.Protocol)
	assert.Equal(t, model.CategoryB, rec.Category)
	assert.Equal(t, "10.0.0.5:7000", rec.Endpoint())
	assert.Nil(t, rec.Preference)

	assert.Equal(t, model.CategoryB, sc.Sources[2].Category, "explicit category wins over threshold")
}

func TestParseDefaults(t *testing.T) {
	sc, err := Parse(strings.NewReader(`{"sources": []}`))
	require.NoError(t, err)
	assert.Equal(t, DefaultTickInterval, sc.TickInterval)
	assert.Equal(t, DefaultCategoryBLimit, sc.CategoryBLimit)
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"duplicate site": `{"sources":[{"site_id":1,"port":1},{"site_id":1,"port":2}]}`,
		"missing site":   `{"sources":[{"port":1}]}`,
		"bad protocol":   `{"sources":[{"site_id":1,"protocol":"tcp"}]}`,
		"bad tick":       `{"tick_interval":"soon"}`,
		"zero tick":      `{"tick_interval":"0s"}`,
		"negative limit": `{"category_a_limit":-1}`,
		"record no port": `{"sources":[{"site_id":1,"protocol":"record"}]}`,
		"bad mode":       `{"sources":[{"site_id":1,"track_pref":{"mode":"zigzag"}}]}`,
		"negative trail": `{"sources":[{"site_id":1,"track_pref":{"trail_length":-2}}]}`,
		"port range":     `{"sources":[{"site_id":1,"port":70000}]}`,
		"bad category":   `{"sources":[{"site_id":1,"category":"C"}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid), "want ErrInvalid, got %v", err)
		})
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse(strings.NewReader(`{"sauces": []}`))
	require.Error(t, err)
}

func TestLoadChecksExtensionAndReadsFile(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "scenario.yaml"))
	require.Error(t, err)

	path := filepath.Join(dir, "scenario.json")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	sc, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, sc.Sources, 3)
}

func TestLoadRejectsLargeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.json")
	require.NoError(t, os.WriteFile(path, make([]byte, maxFileSize+1), 0o644))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

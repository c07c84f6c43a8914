package intel

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkhound/darkhound/pkg/models"
)

func TestBuildSTIXBundle(t *testing.T) {
	now := time.Now().UTC()
	f := &models.Finding{
		ID:               "f-1",
		AssetID:          "asset-1",
		Kind:             models.KindDetection,
		Title:            "Rogue listener on tcp/4444",
		Description:      "nc bound to all interfaces",
		Severity:         models.SeverityHigh,
		Confidence:       0.9,
		Fingerprint:      "abc123",
		PrimaryTechnique: "T1059.004",
		Tags:             []string{"network"},
		FirstSeen:        now,
		LastSeen:         now,
	}

	raw, err := BuildSTIXBundle(f, "web-01.internal")
	require.NoError(t, err)

	var bundle struct {
		Type    string           `json:"type"`
		ID      string           `json:"id"`
		Objects []map[string]any `json:"objects"`
	}
	require.NoError(t, json.Unmarshal(raw, &bundle))

	assert.Equal(t, "bundle", bundle.Type)
	assert.Contains(t, bundle.ID, "bundle--")
	require.Len(t, bundle.Objects, 3)

	byType := make(map[string]map[string]any)
	for _, o := range bundle.Objects {
		byType[o["type"].(string)] = o
	}

	identity := byType["identity"]
	require.NotNil(t, identity)
	assert.Equal(t, "darkhound", identity["name"])

	indicator := byType["indicator"]
	require.NotNil(t, indicator)
	assert.Equal(t, "2.1", indicator["spec_version"])
	assert.Equal(t, f.Title, indicator["name"])
	assert.Contains(t, indicator["pattern"], "abc123")
	assert.Equal(t, float64(90), indicator["confidence"])
	assert.Contains(t, indicator["labels"], "severity:high")
	assert.Contains(t, indicator["labels"], "network")
	assert.Equal(t, identity["id"], indicator["created_by_ref"])

	report := byType["report"]
	require.NotNil(t, report)
	assert.Contains(t, report["name"], "web-01.internal")
	assert.Contains(t, report["object_refs"], indicator["id"])
}

func TestBuildSTIXBundleNoTechnique(t *testing.T) {
	f := &models.Finding{
		Title:       "Stale account",
		Severity:    models.SeverityLow,
		Fingerprint: "def",
		FirstSeen:   time.Now(),
		LastSeen:    time.Now(),
	}
	raw, err := BuildSTIXBundle(f, "host")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "kill_chain_phases")
}

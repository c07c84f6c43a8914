package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkhound/darkhound/pkg/models"
)

func seedFinding(g *testGateway, id, assetID string) *models.Finding {
	f := &models.Finding{
		ID:       id,
		AssetID:  assetID,
		Kind:     models.KindDetection,
		Title:    "Unexpected listener on 4444",
		Severity: models.SeverityHigh,
		Status:   models.FindingOpen,
	}
	g.intel.findings[id] = f
	return f
}

func TestFindingLifecycleOverHTTP(t *testing.T) {
	g := newTestGateway(t)
	seedFinding(g, "f1", "asset-1")
	seedFinding(g, "f2", "asset-2")

	rec := g.do(t, http.MethodGet, "/api/v1/intelligence/findings?asset_id=asset-1", g.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list models.FindingListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Findings, 1)
	assert.Equal(t, "f1", list.Findings[0].ID)

	rec = g.do(t, http.MethodGet, "/api/v1/intelligence/findings/f1", g.token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = g.do(t, http.MethodPatch, "/api/v1/intelligence/findings/f1/status", g.token,
		models.UpdateFindingStatusRequest{Status: "acknowledged"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.FindingAcknowledged, g.intel.findings["f1"].Status)

	rec = g.do(t, http.MethodDelete, "/api/v1/intelligence/findings/f1", g.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = g.do(t, http.MethodGet, "/api/v1/intelligence/findings/f1", g.token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSTIXExportBuildsAndCaches(t *testing.T) {
	g := newTestGateway(t)
	seedFinding(g, "f1", "asset-1")
	g.store.asset["asset-1"] = &models.Asset{ID: "asset-1", Hostname: "web-01"}

	rec := g.do(t, http.MethodGet, "/api/v1/intelligence/findings/f1/stix", g.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var bundle map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bundle))
	assert.Equal(t, "bundle", bundle["type"])
	assert.NotEmpty(t, g.intel.findings["f1"].STIXBundle, "bundle stored alongside the finding")

	// Second export serves the stored bundle.
	rec = g.do(t, http.MethodGet, "/api/v1/intelligence/findings/f1/stix", g.token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTimelineEndpoints(t *testing.T) {
	g := newTestGateway(t)
	g.intel.timeline["asset-1"] = []*models.TimelineEntry{
		{ID: "t1", AssetID: "asset-1", EventType: "hunt.completed"},
	}

	rec := g.do(t, http.MethodGet, "/api/v1/intelligence/assets/asset-1/timeline", g.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.TimelineResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Entries, 1)

	rec = g.do(t, http.MethodDelete, "/api/v1/intelligence/assets/asset-1/timeline", g.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, g.intel.timeline["asset-1"])
}

func TestAssetCreateSealsCredential(t *testing.T) {
	g := newTestGateway(t)

	rec := g.do(t, http.MethodPost, "/api/v1/assets", g.token, models.CreateAssetRequest{
		Hostname: "web-01", IP: "10.0.0.5", OS: "linux", Username: "hunter",
		Secret: "ssh-password", SecretKind: "password", SudoPolicy: "reuse-ssh-password",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var a models.Asset
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
	require.NotEmpty(t, a.CredentialID)

	cred := g.store.creds[a.CredentialID]
	require.NotNil(t, cred)
	assert.NotContains(t, string(cred.SealedSecret), "ssh-password")
	assert.NotContains(t, rec.Body.String(), "ssh-password", "secret never echoes back")
}

func TestAssetDeleteCascadesIntelligence(t *testing.T) {
	g := newTestGateway(t)
	g.store.asset["asset-1"] = &models.Asset{ID: "asset-1", Hostname: "web-01"}

	rec := g.do(t, http.MethodDelete, "/api/v1/assets/asset-1", g.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"asset-1"}, g.intel.cascaded)
}

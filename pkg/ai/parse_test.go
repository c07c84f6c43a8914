package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkhound/darkhound/pkg/models"
)

const fullReport = "# Hunt Report\n" +
	"The host shows an unexpected listener on tcp/4444 bound by a process running from /tmp.\n" +
	"\n---\n\n" +
	"```json\n" +
	`{"findings": [{"title": "Reverse shell listener on tcp/4444", "description": "nc process bound to 0.0.0.0:4444", "severity": "high", "confidence": 0.9, "technique": "T1059.004", "tags": ["network", "persistence"], "remediation": {"immediate": ["kill the process"], "short_term": ["audit cron"], "long_term": ["egress filtering"]}}]}` +
	"\n```\n"

func TestExtractFindingsFromFencedJSON(t *testing.T) {
	out := ExtractFindings(fullReport, models.SeverityInfo)
	require.Len(t, out, 1)

	f := out[0]
	assert.Equal(t, "Reverse shell listener on tcp/4444", f.Title)
	assert.Equal(t, models.SeverityHigh, f.Severity)
	assert.InDelta(t, 0.9, f.Confidence, 1e-9)
	assert.Equal(t, "T1059.004", f.PrimaryTechnique)
	assert.Equal(t, []string{"network", "persistence"}, f.Tags)
	require.NotNil(t, f.Remediation)
	assert.Equal(t, []string{"kill the process"}, f.Remediation.Immediate)
}

func TestExtractFindingsBareArray(t *testing.T) {
	report := "analysis...\n```json\n" +
		`[{"title": "World-writable cron file", "severity": "medium", "confidence": 0.7}]` +
		"\n```\n"
	out := ExtractFindings(report, models.SeverityInfo)
	require.Len(t, out, 1)
	assert.Equal(t, "World-writable cron file", out[0].Title)
	assert.Equal(t, models.SeverityMedium, out[0].Severity)
}

func TestExtractFindingsRepairsTruncatedJSON(t *testing.T) {
	// Stream died mid-value: no closing fence, unterminated string,
	// unbalanced brackets.
	report := "partial analysis\n```json\n" +
		`{"findings": [{"title": "Suspicious authorized_keys entry", "severity": "high", "confidence": 0.8, "description": "unknown key appen`
	out := ExtractFindings(report, models.SeverityInfo)
	require.Len(t, out, 1)
	assert.Equal(t, "Suspicious authorized_keys entry", out[0].Title)
	assert.Equal(t, models.SeverityHigh, out[0].Severity)
}

func TestExtractFindingsMarkdownFallback(t *testing.T) {
	report := `# Report

### Unexpected SUID binary in /tmp
A high severity issue: /tmp/.x has the SUID bit set and is owned by root.

### Stale admin account
Low severity, account "olduser" has not logged in for a year.
`
	out := ExtractFindings(report, models.SeverityInfo)
	require.Len(t, out, 2)
	assert.Equal(t, "Unexpected SUID binary in /tmp", out[0].Title)
	assert.Equal(t, models.SeverityHigh, out[0].Severity)
	assert.Equal(t, "Stale admin account", out[1].Title)
	assert.Equal(t, models.SeverityLow, out[1].Severity)
	assert.InDelta(t, 0.3, out[0].Confidence, 1e-9)
}

func TestExtractFindingsEmptyArrayIsValid(t *testing.T) {
	report := "nothing anomalous\n```json\n{\"findings\": []}\n```\n"
	out := ExtractFindings(report, models.SeverityInfo)
	assert.Empty(t, out)
}

func TestNormalizeConfidence(t *testing.T) {
	assert.InDelta(t, 0.5, normalizeConfidence(0.5), 1e-9)
	assert.InDelta(t, 0.8, normalizeConfidence(80.0), 1e-9, "percentages scale down")
	assert.InDelta(t, 1.0, normalizeConfidence(1.0), 1e-9)
	assert.InDelta(t, 1.0, normalizeConfidence(250.0), 1e-9, "out of range clamps")
	assert.InDelta(t, 0.0, normalizeConfidence(-3.0), 1e-9)
	assert.InDelta(t, 0.75, normalizeConfidence("0.75"), 1e-9)
	assert.InDelta(t, 0.6, normalizeConfidence("60%"), 1e-9)
	assert.InDelta(t, 0.0, normalizeConfidence("maybe"), 1e-9)
	assert.InDelta(t, 0.0, normalizeConfidence(nil), 1e-9)
}

func TestNormalizeSeverity(t *testing.T) {
	assert.Equal(t, models.SeverityHigh, normalizeSeverity("HIGH", models.SeverityInfo))
	assert.Equal(t, models.SeverityInfo, normalizeSeverity("bogus", models.SeverityInfo))
	assert.Equal(t, models.SeverityLow, normalizeSeverity("", models.SeverityLow))
	// A high hint floors known severities at medium, no higher.
	assert.Equal(t, models.SeverityMedium, normalizeSeverity("info", models.SeverityHigh))
	assert.Equal(t, models.SeverityCritical, normalizeSeverity("critical", models.SeverityHigh))
}

func TestRepairJSONBalancesAndCloses(t *testing.T) {
	assert.Equal(t, `{"a": [1, 2]}`, repairJSON(`{"a": [1, 2`))
	assert.Equal(t, `{"a": "xy"}`, repairJSON(`{"a": "xy`))
	assert.Equal(t, `{"a": 1}`, repairJSON(`{"a": 1,`))
	assert.Equal(t, `{"a": 1}`, repairJSON(`{"a": 1, "b":`))
}

func TestSummarize(t *testing.T) {
	s := Summarize(fullReport)
	assert.Contains(t, s, "unexpected listener")
	assert.NotContains(t, s, "#")

	long := "# H\n" + string(make([]byte, 0))
	for i := 0; i < 200; i++ {
		long += "word "
	}
	assert.LessOrEqual(t, len(Summarize(long)), 512)
}

package intel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/darkhound/darkhound/pkg/models"
)

// STIX 2.1 export. One bundle per finding: the producing identity, an
// indicator for the finding itself, and a report tying them together.

const stixSpecVersion = "2.1"

type stixObject map[string]any

// BuildSTIXBundle renders a finding as a STIX 2.1 bundle. The asset
// hostname becomes the indicator's infrastructure context.
func BuildSTIXBundle(f *models.Finding, assetHostname string) ([]byte, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	identityID := "identity--" + uuid.NewString()
	indicatorID := "indicator--" + uuid.NewString()
	reportID := "report--" + uuid.NewString()

	identity := stixObject{
		"type":           "identity",
		"spec_version":   stixSpecVersion,
		"id":             identityID,
		"created":        now,
		"modified":       now,
		"name":           "darkhound",
		"identity_class": "system",
	}

	indicator := stixObject{
		"type":         "indicator",
		"spec_version": stixSpecVersion,
		"id":           indicatorID,
		"created":      f.FirstSeen.UTC().Format(time.RFC3339),
		"modified":     f.LastSeen.UTC().Format(time.RFC3339),
		"created_by_ref": identityID,
		"name":         f.Title,
		"description":  f.Description,
		"pattern":      fmt.Sprintf("[x-darkhound:finding_fingerprint = '%s']", f.Fingerprint),
		"pattern_type": "stix",
		"valid_from":   f.FirstSeen.UTC().Format(time.RFC3339),
		"confidence":   int(f.Confidence * 100),
		"labels":       stixLabels(f),
	}
	if f.PrimaryTechnique != "" {
		indicator["kill_chain_phases"] = []stixObject{{
			"kill_chain_name": "mitre-attack",
			"phase_name":      f.PrimaryTechnique,
		}}
	}

	report := stixObject{
		"type":           "report",
		"spec_version":   stixSpecVersion,
		"id":             reportID,
		"created":        now,
		"modified":       now,
		"created_by_ref": identityID,
		"name":           fmt.Sprintf("%s on %s", f.Title, assetHostname),
		"published":      now,
		"report_types":   []string{"threat-report"},
		"object_refs":    []string{indicatorID},
	}
	if f.Description != "" {
		report["description"] = f.Description
	}

	bundle := stixObject{
		"type":    "bundle",
		"id":      "bundle--" + uuid.NewString(),
		"objects": []stixObject{identity, indicator, report},
	}
	return json.Marshal(bundle)
}

func stixLabels(f *models.Finding) []string {
	labels := []string{"severity:" + string(f.Severity), "kind:" + string(f.Kind)}
	labels = append(labels, f.Tags...)
	return labels
}

package intel

import (
	"strings"

	"github.com/darkhound/darkhound/pkg/models"
)

// ClassifyRemediation routes free-form recommended actions into the
// structured urgency buckets when the AI driver returned a flat list.
// Routing is keyword based: containment verbs go immediate, hardening
// and audit work goes short-term, everything architectural goes
// long-term.
func ClassifyRemediation(actions []string) *models.Remediation {
	if len(actions) == 0 {
		return nil
	}
	r := &models.Remediation{}
	for _, action := range actions {
		trimmed := strings.TrimSpace(action)
		if trimmed == "" {
			continue
		}
		switch classifyAction(strings.ToLower(trimmed)) {
		case "immediate":
			r.Immediate = append(r.Immediate, trimmed)
		case "long_term":
			r.LongTerm = append(r.LongTerm, trimmed)
		default:
			r.ShortTerm = append(r.ShortTerm, trimmed)
		}
	}
	if r.Empty() {
		return nil
	}
	return r
}

var immediateKeywords = []string{
	"kill", "terminate", "isolate", "disconnect", "block", "revoke",
	"disable", "quarantine", "remove", "delete", "reset password", "rotate",
}

var longTermKeywords = []string{
	"architecture", "redesign", "policy", "training", "segment",
	"migrate", "replace", "lifecycle", "monitor", "baseline", "egress filtering",
}

func classifyAction(action string) string {
	for _, kw := range immediateKeywords {
		if strings.Contains(action, kw) {
			return "immediate"
		}
	}
	for _, kw := range longTermKeywords {
		if strings.Contains(action, kw) {
			return "long_term"
		}
	}
	return "short_term"
}

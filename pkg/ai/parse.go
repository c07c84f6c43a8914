package ai

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/darkhound/darkhound/pkg/models"
)

// The prompt asks every provider for a markdown report, a `---`
// separator, then a fenced ```json block holding the findings. Parsing
// is forgiving: the fence may be unterminated (stream died), the JSON
// may be cut mid-value, and some models skip the fence entirely.

// findingJSON is the wire shape of one finding in the fenced block.
type findingJSON struct {
	Title            string              `json:"title"`
	Description      string              `json:"description"`
	Severity         string              `json:"severity"`
	Confidence       any                 `json:"confidence"`
	Technique        string              `json:"technique"`
	PrimaryTechnique string              `json:"primary_technique"`
	Tags             []string            `json:"tags"`
	Remediation      *remediationJSON    `json:"remediation"`
	Recommendations  []string            `json:"recommendations"`
}

type remediationJSON struct {
	Immediate []string `json:"immediate"`
	ShortTerm []string `json:"short_term"`
	LongTerm  []string `json:"long_term"`
}

// ExtractFindings parses the trailing fenced JSON, repairing truncation
// where possible, and falls back to a markdown heuristic when no usable
// JSON is present. hint floors severities the model left out.
func ExtractFindings(report string, hint models.Severity) []ParsedFinding {
	if raw, ok := extractFencedJSON(report); ok {
		if out := parseFindingsJSON(raw, hint); len(out) > 0 {
			return out
		}
		if out := parseFindingsJSON(repairJSON(raw), hint); len(out) > 0 {
			return out
		}
	}
	return markdownFindings(report, hint)
}

// extractFencedJSON returns the content of the last ```json fence. The
// closing fence is optional so partial streams still parse.
func extractFencedJSON(report string) (string, bool) {
	start := strings.LastIndex(report, "```json")
	if start < 0 {
		// Some models fence without the language tag.
		start = strings.LastIndex(report, "```\n{")
		if start < 0 {
			start = strings.LastIndex(report, "```\n[")
		}
		if start < 0 {
			return "", false
		}
		start += len("```\n")
	} else {
		start += len("```json")
	}
	body := report[start:]
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return "", false
	}
	return body, true
}

func parseFindingsJSON(raw string, hint models.Severity) []ParsedFinding {
	var wrapper struct {
		Findings []findingJSON `json:"findings"`
	}
	var items []findingJSON
	switch {
	case json.Unmarshal([]byte(raw), &wrapper) == nil && len(wrapper.Findings) > 0:
		items = wrapper.Findings
	default:
		if json.Unmarshal([]byte(raw), &items) != nil || len(items) == 0 {
			var single findingJSON
			if json.Unmarshal([]byte(raw), &single) != nil || single.Title == "" {
				return nil
			}
			items = []findingJSON{single}
		}
	}

	out := make([]ParsedFinding, 0, len(items))
	for _, it := range items {
		title := strings.TrimSpace(it.Title)
		if title == "" {
			continue
		}
		technique := it.PrimaryTechnique
		if technique == "" {
			technique = it.Technique
		}
		f := ParsedFinding{
			Title:            title,
			Description:      strings.TrimSpace(it.Description),
			Severity:         normalizeSeverity(it.Severity, hint),
			Confidence:       normalizeConfidence(it.Confidence),
			PrimaryTechnique: technique,
			Tags:             it.Tags,
		}
		if it.Remediation != nil {
			f.Remediation = &models.Remediation{
				Immediate: it.Remediation.Immediate,
				ShortTerm: it.Remediation.ShortTerm,
				LongTerm:  it.Remediation.LongTerm,
			}
		} else if len(it.Recommendations) > 0 {
			// Unstructured recommendations get routed by keyword later
			// (intel.ClassifyRemediation); keep them as immediate here.
			f.Remediation = &models.Remediation{Immediate: it.Recommendations}
		}
		out = append(out, f)
	}
	return out
}

// repairJSON closes what a truncated stream left open: an unterminated
// string, a dangling comma, unbalanced brackets.
func repairJSON(raw string) string {
	s := strings.TrimSpace(raw)

	inString := false
	escaped := false
	var stack []byte
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{', '[':
			if !inString {
				stack = append(stack, ch)
			}
		case '}', ']':
			if !inString && len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if inString {
		s += `"`
	}
	s = strings.TrimRight(s, " \t\n")
	// A value cut after a comma or colon cannot be completed; drop the
	// dangling token.
	s = strings.TrimRight(s, ",")
	if strings.HasSuffix(s, ":") {
		if i := strings.LastIndex(s, ","); i >= 0 {
			s = s[:i]
		}
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			s += "}"
		} else {
			s += "]"
		}
	}
	return s
}

// markdownFindings is the last-resort heuristic: `### ` headings (or
// bold "Finding:" lines) become titles, with severity scraped from the
// following paragraph.
func markdownFindings(report string, hint models.Severity) []ParsedFinding {
	var out []ParsedFinding
	lines := strings.Split(report, "\n")
	for i, line := range lines {
		title := headingTitle(line)
		if title == "" {
			continue
		}
		body := ""
		for j := i + 1; j < len(lines) && headingTitle(lines[j]) == ""; j++ {
			body += lines[j] + "\n"
		}
		out = append(out, ParsedFinding{
			Title:       title,
			Description: strings.TrimSpace(body),
			Severity:    scrapeSeverity(line+" "+body, hint),
			Confidence:  0.3, // heuristic extraction is low confidence
		})
	}
	return out
}

func headingTitle(line string) string {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, "### "):
		return strings.TrimSpace(strings.TrimPrefix(line, "### "))
	case strings.HasPrefix(line, "**Finding"):
		t := strings.TrimPrefix(line, "**Finding")
		t = strings.TrimLeft(t, ":* ")
		return strings.TrimSuffix(strings.TrimSpace(t), "**")
	}
	return ""
}

func scrapeSeverity(text string, hint models.Severity) models.Severity {
	lower := strings.ToLower(text)
	for _, sev := range []models.Severity{
		models.SeverityCritical, models.SeverityHigh, models.SeverityMedium, models.SeverityLow,
	} {
		if strings.Contains(lower, string(sev)) {
			return models.MaxSeverity(sev, floorFor(hint))
		}
	}
	return normalizeSeverity("", hint)
}

// normalizeSeverity maps the model's severity onto the known scale. An
// unknown or missing value takes the module's hint (info when none),
// and a known value is floored at the hint so a module flagged high
// never yields info-grade findings.
func normalizeSeverity(s string, hint models.Severity) models.Severity {
	if !models.ValidSeverity(string(hint)) {
		hint = models.SeverityInfo
	}
	s = strings.ToLower(strings.TrimSpace(s))
	if !models.ValidSeverity(s) {
		return hint
	}
	return models.MaxSeverity(models.Severity(s), floorFor(hint))
}

// floorFor caps the floor at medium: a critical hint should not
// auto-promote every finding to critical.
func floorFor(hint models.Severity) models.Severity {
	if !models.ValidSeverity(string(hint)) {
		return models.SeverityInfo
	}
	switch hint {
	case models.SeverityHigh, models.SeverityCritical:
		return models.SeverityMedium
	}
	return hint
}

// normalizeConfidence accepts 0..1 floats, 0..100 percentages, and
// numeric strings, clamping the result into [0,1].
func normalizeConfidence(v any) float64 {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case string:
		x = strings.TrimSuffix(strings.TrimSpace(x), "%")
		parsed, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0
		}
		f = parsed
	case nil:
		return 0
	default:
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	if f > 1 && f <= 100 {
		f /= 100
	}
	return math.Max(0, math.Min(1, f))
}

// Summarize returns the opening of the report body, skipping headings,
// clipped to 512 chars on a word boundary.
func Summarize(report string) string {
	var para []string
	for _, line := range strings.Split(report, "\n") {
		t := strings.TrimSpace(line)
		if t == "" {
			if len(para) > 0 {
				break
			}
			continue
		}
		if strings.HasPrefix(t, "#") || t == "---" {
			continue
		}
		para = append(para, t)
	}
	s := strings.Join(para, " ")
	if len(s) <= 512 {
		return s
	}
	cut := s[:512]
	if i := strings.LastIndexByte(cut, ' '); i > 256 {
		cut = cut[:i]
	}
	return cut
}

package ai

import (
	"fmt"
	"strings"
)

// All three providers get the same prompt: a markdown report, a `---`
// separator, then one fenced JSON block with the findings. The fence is
// what ExtractFindings keys on, and the separator is what the state
// tracker keys on.
const promptInstructions = `You are a security analyst reviewing command output collected from a host during a threat hunt.

Write an executive report in markdown covering what was observed, anything anomalous, and your overall assessment.

Then write a line containing only:
---

Then emit exactly one fenced code block tagged json of the form:
{"findings": [{"title": "...", "description": "...", "severity": "critical|high|medium|low|info", "confidence": 0.0, "technique": "MITRE ATT&CK id if applicable", "tags": ["..."], "remediation": {"immediate": ["..."], "short_term": ["..."], "long_term": ["..."]}}]}

Report only findings supported by the collected output. An empty findings array is a valid answer.`

func buildPrompt(hctx *Context) string {
	var b strings.Builder
	b.WriteString(promptInstructions)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Hunt %s ran module %q against asset %s.\n\n", hctx.HuntID, hctx.ModuleName, hctx.AssetID)
	b.WriteString(hctx.Text())
	return b.String()
}

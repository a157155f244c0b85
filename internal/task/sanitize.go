package task

import (
	"regexp"
	"strings"

	m "github.com/ocx/hubd/internal/model"
)

const (
	maxGoalChars               = 10000
	maxAcceptanceCriteriaChars = 2000
	maxRunCommandChars         = 1000
)

// injectionPatterns matches shell-injection shapes that must block a
// handoff outright rather than merely warn.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile("`"),
	regexp.MustCompile(`\$\(`),
	regexp.MustCompile(`\$\{`),
	regexp.MustCompile(`[;&|]\s*(rm|curl|wget|sudo|chmod|mkfs|dd)\b`),
	regexp.MustCompile(`\|\s*(bash|sh|zsh)\b`),
	regexp.MustCompile(`>\s*/etc/`),
	regexp.MustCompile(`>\s*/dev/`),
	regexp.MustCompile(`>\s*(~|\$HOME)?/?\.[A-Za-z0-9_.-]+`),
}

// promptOverridePatterns matches attempts to override the agent's
// instructions. These produce a warning, never a rejection.
var promptOverridePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore previous instructions`),
	regexp.MustCompile(`(?i)disregard previous instructions`),
	regexp.MustCompile(`(?i)forget your instructions`),
	regexp.MustCompile(`(?i)you are now a`),
	regexp.MustCompile(`(?i)override system prompt`),
	regexp.MustCompile(`(?im)^system:`),
}

// controlChars matches control characters other than \n, \r, \t.
var controlChars = regexp.MustCompile("[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]")

// SanitizeResult carries the outcome of running sanitization over a
// handoff payload: either a blocking reason, or a cleaned payload plus
// any non-blocking warnings.
type SanitizeResult struct {
	Blocked  bool
	Reason   string
	Warnings []string
	Payload  *m.HandoffPayload
}

// Sanitize runs the blocking checks of spec.md §4.C, then strips
// control characters from every string field and separately collects
// non-blocking prompt-override warnings. It never mutates p. context
// is the request's separate context map (not part of HandoffPayload).
func Sanitize(p *m.HandoffPayload, context map[string]string) SanitizeResult {
	if len(p.Goal) > maxGoalChars {
		return SanitizeResult{Blocked: true, Reason: "goal exceeds maximum length"}
	}
	for _, c := range p.AcceptanceCriteria {
		if len(c) > maxAcceptanceCriteriaChars {
			return SanitizeResult{Blocked: true, Reason: "acceptance_criteria item exceeds maximum length"}
		}
	}
	for _, c := range p.RunCommands {
		if len(c) > maxRunCommandChars {
			return SanitizeResult{Blocked: true, Reason: "run_commands item exceeds maximum length"}
		}
		if matchesAny(injectionPatterns, c) {
			return SanitizeResult{Blocked: true, Reason: "run_commands item matches a blocked shell pattern"}
		}
	}
	if reason, bad := checkContextPaths(context); bad {
		return SanitizeResult{Blocked: true, Reason: reason}
	}

	var warnings []string
	if matchesAny(promptOverridePatterns, p.Goal) {
		warnings = append(warnings, "goal contains a possible prompt-override attempt")
	}
	for _, c := range p.AcceptanceCriteria {
		if matchesAny(promptOverridePatterns, c) {
			warnings = append(warnings, "acceptance_criteria contains a possible prompt-override attempt")
			break
		}
	}

	cleaned := *p
	cleaned.Goal = stripControl(p.Goal)
	cleaned.AcceptanceCriteria = stripControlAll(p.AcceptanceCriteria)
	cleaned.RunCommands = stripControlAll(p.RunCommands)
	cleaned.BlockedBy = stripControlAll(p.BlockedBy)
	cleaned.RequiredSkills = stripControlAll(p.RequiredSkills)
	cleaned.ParentHandoffID = stripControl(p.ParentHandoffID)

	return SanitizeResult{Warnings: warnings, Payload: &cleaned}
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func checkContextPaths(ctx map[string]string) (string, bool) {
	for _, v := range ctx {
		if strings.Contains(v, "..") {
			return "context value contains a path traversal sequence", true
		}
		if strings.ContainsRune(v, 0) {
			return "context value contains a NUL byte", true
		}
		if controlChars.MatchString(v) {
			return "context value contains control characters", true
		}
	}
	return "", false
}

func stripControl(s string) string {
	return controlChars.ReplaceAllString(s, "")
}

func stripControlAll(items []string) []string {
	if items == nil {
		return nil
	}
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = stripControl(s)
	}
	return out
}

package agent

import (
	"regexp"
	"strings"

	"github.com/tkleisas/forge/pkg/models"
)

// DefaultMaxToolResultSize is the default maximum size for tool results
// kept in an agent's working history (64KB). This bounds memory and the
// size of what gets persisted to the context & memory store.
const DefaultMaxToolResultSize = 64 * 1024

// builtinSecretPatterns detects common secret shapes that might leak into a
// tool's stdout/stderr (e.g. an env dump, a misconfigured log line).
var builtinSecretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*['"]?[\w-]{20,}['"]?`),
	regexp.MustCompile(`(?i)bearer\s+[\w-\.]+`),
	regexp.MustCompile(`(?i)(aws|amazon).*?(key|secret|token)\s*[:=]\s*['"]?[\w/+=]{20,}['"]?`),
	regexp.MustCompile(`(?i)(password|passwd|secret|token)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`),
	regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`),
}

// ToolResultGuard bounds and sanitizes a tool result before it's appended to
// the loop's message history.
type ToolResultGuard struct {
	MaxChars        int
	RedactionText   string
	TruncateSuffix  string
	SanitizeSecrets bool
}

// DefaultToolResultGuard applies the 64KB cap and secret sanitization.
func DefaultToolResultGuard() ToolResultGuard {
	return ToolResultGuard{
		MaxChars:        DefaultMaxToolResultSize,
		SanitizeSecrets: true,
	}
}

func (g ToolResultGuard) active() bool {
	return g.MaxChars > 0 || g.SanitizeSecrets
}

// Apply sanitizes and truncates a tool result's content.
func (g ToolResultGuard) Apply(result models.ToolResult) models.ToolResult {
	if !g.active() {
		return result
	}

	redaction := strings.TrimSpace(g.RedactionText)
	if redaction == "" {
		redaction = "[REDACTED]"
	}
	truncateSuffix := strings.TrimSpace(g.TruncateSuffix)
	if truncateSuffix == "" {
		truncateSuffix = "...[truncated]"
	}

	content := result.Content
	if g.SanitizeSecrets && content != "" {
		for _, re := range builtinSecretPatterns {
			content = re.ReplaceAllString(content, redaction)
		}
	}
	result.Content = content

	if g.MaxChars > 0 && len(result.Content) > g.MaxChars {
		result.Content = result.Content[:g.MaxChars] + truncateSuffix
	}

	return result
}

// ApplyAll guards a batch of tool results.
func (g ToolResultGuard) ApplyAll(results []models.ToolResult) []models.ToolResult {
	if !g.active() || len(results) == 0 {
		return results
	}
	guarded := make([]models.ToolResult, len(results))
	for i, r := range results {
		guarded[i] = g.Apply(r)
	}
	return guarded
}

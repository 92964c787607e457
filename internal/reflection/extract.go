package reflection

import (
	"regexp"
	"strings"
)

// fencedObjectRegex extracts a JSON object wrapped in a markdown code fence.
// \x60 is the backtick; Go raw strings cannot contain one.
var fencedObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")

// extractJSONObject pulls the most plausible JSON object out of a model
// response. Models routinely wrap their output in markdown fences or surround
// it with conversational text; both are stripped here. The returned string is
// a candidate only; the caller decides whether it actually decodes.
func extractJSONObject(response string) (string, bool) {
	if strings.HasPrefix(response, "```") {
		if matches := fencedObjectRegex.FindStringSubmatch(response); len(matches) > 1 {
			return matches[1], true
		}
	}

	// Fall back to the outermost brace pair within surrounding prose.
	first := strings.Index(response, "{")
	last := strings.LastIndex(response, "}")
	if first == -1 || last == -1 || last <= first {
		return "", false
	}
	return response[first : last+1], true
}

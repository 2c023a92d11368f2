package capture

import "strings"

// textualContentTypes are the substrings spec §4.3's heuristic matches,
// case-insensitively, against a response's Content-Type.
var textualContentTypes = []string{
	"text/",
	"application/json",
	"application/xml",
	"application/javascript",
	"application/x-www-form-urlencoded",
	"application/graphql",
}

// IsTextual reports whether contentType should be captured into
// ResponseBody. An empty content-type is treated as textual.
func IsTextual(contentType string) bool {
	if contentType == "" {
		return true
	}

	lower := strings.ToLower(contentType)
	for _, t := range textualContentTypes {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

package remote

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeEndpoint turns a base connection URL into the conversion endpoint
// prefix, ending in "/lool/convert-to/". The target format is appended to the
// result for each request.
//
//	http://host:9980                  -> http://host:9980/lool/convert-to/
//	http://host:9980/lool             -> http://host:9980/lool/convert-to/
//	http://host:9980/lool/convert-to  -> http://host:9980/lool/convert-to/
func NormalizeEndpoint(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("remote url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse remote url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("remote url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("remote url %q: missing host", raw)
	}

	lower := strings.ToLower(raw)
	switch {
	case strings.HasSuffix(lower, "lool/convert-to"), strings.HasSuffix(lower, "lool/convert-to/"):
		return appendSlash(raw), nil
	case strings.HasSuffix(lower, "lool"), strings.HasSuffix(lower, "lool/"):
		return appendSlash(raw) + "convert-to/", nil
	default:
		return appendSlash(raw) + "lool/convert-to/", nil
	}
}

func appendSlash(s string) string {
	if strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}

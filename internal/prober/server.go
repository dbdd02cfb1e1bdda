// Package prober decides whether a remote server is reachable, caching the
// answer in the dead-host cache so each server is probed at most once per
// fact lifetime.
package prober

import (
	"net/url"
	"strings"
)

// profileMarkers are the path segments behind which federated software
// usually serves profiles. Everything from the marker on is stripped when
// deriving a server root.
var profileMarkers = []string{
	"/profile/",
	"/channel/",
	"/u/",
	"/users/",
	"/people/",
	"/author/",
	"/index.php",
}

// DetectServer derives the server root from a contact's profile URL. It
// returns "" when the URL has no scheme and host.
func DetectServer(profileURL string) string {
	u, err := url.Parse(strings.TrimSpace(profileURL))
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}

	path := u.Path
	cut := -1
	for _, marker := range profileMarkers {
		if i := strings.Index(path, marker); i >= 0 && (cut < 0 || i < cut) {
			cut = i
		}
	}
	if cut >= 0 {
		path = path[:cut]
	} else {
		path = ""
	}

	return strings.TrimRight(strings.ToLower(u.Scheme)+"://"+strings.ToLower(u.Host)+path, "/")
}

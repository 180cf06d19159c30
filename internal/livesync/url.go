package livesync

import (
	"net/url"
	"strings"
)

// BuildURL derives the socket address of a document from the REST base URL.
// It returns false when any input is missing or the base is not an http(s) or
// ws(s) URL.
func BuildURL(serverBase, documentID, token string) (string, bool) {
	serverBase = strings.TrimSpace(serverBase)
	documentID = strings.TrimSpace(documentID)
	token = strings.TrimSpace(token)
	if serverBase == "" || documentID == "" || token == "" {
		return "", false
	}

	base, err := url.Parse(serverBase)
	if err != nil || base.Host == "" {
		return "", false
	}

	scheme := ""
	switch strings.ToLower(base.Scheme) {
	case "http", "ws":
		scheme = "ws"
	case "https", "wss":
		scheme = "wss"
	default:
		return "", false
	}

	target := url.URL{
		Scheme:   scheme,
		Host:     base.Host,
		Path:     "/ws/doc/" + url.PathEscape(documentID) + "/",
		RawQuery: url.Values{"token": []string{token}}.Encode(),
	}
	return target.String(), true
}

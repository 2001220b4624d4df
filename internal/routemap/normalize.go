package routemap

import (
	"strings"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Placeholder replaces opaque identifiers in route templates.
const Placeholder = ":id"

// Key builds the lookup key "portal:METHOD path".
func Key(portal shared.Portal, method, path string) string {
	return string(portal) + ":" + method + " " + path
}

// Normalize strips the portal prefix and trailing slash from rawPath and
// collapses every 24-hex segment to Placeholder.
func Normalize(portal shared.Portal, rawPath string) string {
	path := rawPath
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	prefix := portal.PathPrefix()
	if path == prefix {
		path = "/"
	} else if strings.HasPrefix(path, prefix+"/") {
		path = path[len(prefix):]
	}

	segments := strings.Split(strings.Trim(path, "/"), "/")
	out := segments[:0]
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		if isObjectID(seg) {
			seg = Placeholder
		}
		out = append(out, seg)
	}
	return "/" + strings.Join(out, "/")
}

func isObjectID(seg string) bool {
	if len(seg) != 24 {
		return false
	}
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

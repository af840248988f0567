// Package project implements a cached, watcher-invalidated snapshot
// mapping project ids to project metadata, merged across cross-host
// duplicate session directories.
package project

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// EncodeID converts an absolute filesystem path into its URL-safe,
// reversible project id form.
func EncodeID(absPath string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(absPath))
}

// DecodeID reverses EncodeID, validating the alphabet and non-emptiness
// of a project id.
func DecodeID(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("project: empty project id")
	}
	if !isBase64URLAlphabet(id) {
		return "", fmt.Errorf("project: invalid project id %q", id)
	}
	raw, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return "", fmt.Errorf("project: decode project id: %w", err)
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("project: project id decodes to empty path")
	}
	return string(raw), nil
}

func isBase64URLAlphabet(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return false
		case r == '-' || r == '_':
			return false
		default:
			return true
		}
	}) == -1
}

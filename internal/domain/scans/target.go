package scans

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,100}$`)

// ParseTarget derives the canonical owner/name of a repository from its
// source URL. It accepts http(s) URLs (https://host/owner/name[.git][/...])
// and scp-style git remotes (git@host:owner/name.git).
func ParseTarget(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: source url is empty", ErrInvalidTarget)
	}

	var path string
	if rest, ok := strings.CutPrefix(raw, "git@"); ok {
		host, p, found := strings.Cut(rest, ":")
		if !found || host == "" {
			return "", fmt.Errorf("%w: malformed git remote %q", ErrInvalidTarget, raw)
		}
		path = p
	} else {
		u, err := url.Parse(raw)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidTarget, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, u.Scheme)
		}
		if u.Hostname() == "" {
			return "", fmt.Errorf("%w: missing host", ErrInvalidTarget)
		}
		path = u.Path
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 {
		return "", fmt.Errorf("%w: expected owner/name in %q", ErrInvalidTarget, raw)
	}
	owner := parts[0]
	name := strings.TrimSuffix(parts[1], ".git")
	for _, seg := range []string{owner, name} {
		if !segmentPattern.MatchString(seg) || seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: invalid path segment %q", ErrInvalidTarget, seg)
		}
	}
	return owner + "/" + name, nil
}

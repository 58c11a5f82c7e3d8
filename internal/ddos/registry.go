package ddos

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/applicenseserver/licenseserver/internal/config"
)

// Route declares one request handler for the protected-call registry.
type Route struct {
	Method     string
	Controller string
	Template   string
	Protected  bool
}

// templatePrefix captures the literal part of a route template that precedes
// its first parameter placeholder.
var templatePrefix = regexp.MustCompile(`^(.+?)/\{.+\}`)

// versionSegment matches the optional "v{n}/" segment that precedes the
// controller in versioned routes.
var versionSegment = regexp.MustCompile(`^v[0-9]+(\.[0-9]+)?/`)

// Registry is the immutable list of "METHOD controller[/action]" entries that
// identify rate-limited calls.
type Registry struct {
	entries []string
	match   config.PathMatch
}

// BuildRegistry derives registry entries from the protected declarations in
// routes. Declarations with a method other than GET, PUT, POST or DELETE are
// skipped. Duplicate entries are kept once, in first-seen order.
func BuildRegistry(routes []Route, match config.PathMatch) *Registry {
	if match == "" {
		match = config.PathMatchPrefix
	}

	r := &Registry{match: match}
	seen := make(map[string]struct{}, len(routes))
	for _, rt := range routes {
		if !rt.Protected {
			continue
		}
		entry, ok := protectedCall(rt)
		if !ok {
			continue
		}
		if _, dup := seen[entry]; dup {
			continue
		}
		seen[entry] = struct{}{}
		r.entries = append(r.entries, entry)
	}
	return r
}

func protectedCall(rt Route) (string, bool) {
	method := strings.ToUpper(rt.Method)
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete:
	default:
		return "", false
	}

	controller := strings.ToLower(strings.TrimSuffix(rt.Controller, "Controller"))
	entry := method + " " + controller

	tmpl := strings.ReplaceAll(rt.Template, `\`, "/")
	if m := templatePrefix.FindStringSubmatch(tmpl); m != nil {
		entry += "/" + strings.ToLower(m[1])
	}
	return entry, true
}

// Entries returns a copy of the registry entries in declaration order.
func (r *Registry) Entries() []string {
	out := make([]string, len(r.entries))
	copy(out, r.entries)
	return out
}

// Matches reports whether a normalized call signature (see CallSignature) is
// covered by any registry entry.
//
// In prefix mode an entry must equal the call or be followed in it by a "/"
// boundary, so "GET info" covers "GET info/x" but not "GET information".
// In substring mode any containment counts.
func (r *Registry) Matches(call string) bool {
	for _, e := range r.entries {
		if r.match == config.PathMatchSubstring {
			if strings.Contains(call, e) {
				return true
			}
			continue
		}
		if call == e || strings.HasPrefix(call, e+"/") {
			return true
		}
	}
	return false
}

// CallSignature normalizes a request into the "METHOD path" form used for
// registry lookups: the path is lowercased, backslashes become slashes, and
// everything up to and including the first "api/" is dropped along with an
// optional version segment.
func CallSignature(method, path string) string {
	p := strings.ToLower(strings.ReplaceAll(path, `\`, "/"))
	if i := strings.Index(p, "api/"); i >= 0 {
		p = p[i+len("api/"):]
	} else {
		p = strings.TrimPrefix(p, "/")
	}
	p = versionSegment.ReplaceAllString(p, "")
	p = strings.TrimSuffix(p, "/")
	return strings.ToUpper(method) + " " + p
}

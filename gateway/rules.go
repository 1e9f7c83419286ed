package gateway

import "strings"

// AccessRule grants a path to the holders of any of the listed roles. Rules are
// evaluated in order and the first pattern match wins; a path no rule matches
// only requires authentication.
type AccessRule struct {
	Pattern string   `yaml:"path"`
	Roles   []string `yaml:"roles"`
}

// Matches reports whether the rule covers the request path. A pattern ending in
// "/*" covers the whole subtree; anything else is an exact match.
func (r AccessRule) Matches(path string) bool {
	if prefix, ok := strings.CutSuffix(r.Pattern, "/*"); ok {
		return path == prefix || strings.HasPrefix(path, prefix+"/")
	}
	return path == r.Pattern
}

// RequiredRoles returns the role list of the first rule matching path, or nil
// when no rule applies.
func RequiredRoles(rules []AccessRule, path string) []string {
	for _, rule := range rules {
		if rule.Matches(path) {
			return rule.Roles
		}
	}
	return nil
}

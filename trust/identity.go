package trust

// Identity is the authenticated principal derived from a validated bearer
// token. It lives for one request and is never persisted.
type Identity struct {
	Subject string
	Claims  map[string]any
	Roles   []string
}

// HasAnyRole reports whether the identity holds at least one of the roles.
func (id *Identity) HasAnyRole(roles ...string) bool {
	for _, need := range roles {
		for _, have := range id.Roles {
			if have == need {
				return true
			}
		}
	}
	return false
}

// RealmRoles maps the provider's realm_access.roles claim into the gateway's
// role namespace by prefixing each entry with "ROLE_". Pure function: unknown
// shapes yield nil rather than an error.
func RealmRoles(claims map[string]any) []string {
	realm, ok := claims["realm_access"].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := realm["roles"].([]any)
	if !ok {
		return nil
	}

	roles := make([]string, 0, len(raw))
	for _, entry := range raw {
		if name, ok := entry.(string); ok && name != "" {
			roles = append(roles, "ROLE_"+name)
		}
	}
	if len(roles) == 0 {
		return nil
	}
	return roles
}

package reconcile

import (
	"fmt"
	"strings"
)

// Mapping maps hub attribute names to a target system's attribute names.
// Only mapped attributes participate in the comparison; everything else on
// either side is ignored.
type Mapping map[string]string

// DefaultMappings covers the common target dialects. Deployments override or
// extend these in configuration.
func DefaultMappings() map[string]Mapping {
	return map[string]Mapping{
		"ldap": {
			"uid":       "uid",
			"email":     "mail",
			"firstname": "givenName",
			"lastname":  "sn",
			"cn":        "cn",
		},
		"sql": {
			"uid":       "username",
			"email":     "email",
			"firstname": "first_name",
			"lastname":  "last_name",
		},
		"odoo": {
			"uid":   "login",
			"email": "email",
			"name":  "name",
		},
	}
}

// identityKeyAttrs are tried in order when extracting the match key from an
// attribute set.
var identityKeyAttrs = []string{"email", "mail", "username", "uid", "login"}

// accountKey extracts the cross-system match key from an attribute set:
// the normalized email address when present, otherwise the first known
// login-style attribute. Empty when no key attribute exists.
func accountKey(attrs map[string]any) string {
	for _, name := range identityKeyAttrs {
		if v, ok := attrs[name]; ok {
			if s := normalizeKey(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func normalizeKey(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// targetAccountID extracts the target system's own identifier for an
// account. Unlike the match key it is never normalized: connectors need the
// id exactly as the target reported it. Falls back when the account carries
// no identifier attribute.
func targetAccountID(attrs map[string]any, fallback string) string {
	for _, name := range []string{"id", "uid", "username", "login"} {
		v, ok := attrs[name]
		if !ok || v == nil {
			continue
		}
		switch s := v.(type) {
		case string:
			if strings.TrimSpace(s) != "" {
				return s
			}
		case int, int64, float64:
			return fmt.Sprint(s)
		}
	}
	return fallback
}

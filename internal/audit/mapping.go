package audit

import (
	"net/http"
	"strings"
)

// ActionEntity holds action and entity derived from an HTTP route.
type ActionEntity struct {
	Action string
	Entity string
}

// Route overrides for paths whose last segment does not name the entity.
var routeOverrides = map[string]ActionEntity{
	"GET /me": {Action: "get", Entity: "user"},
}

// ParseRoute returns action and entity for an HTTP method and route template (e.g. GET /me/health-profile).
// Action is a verb from the method: get, create, update, delete.
// Entity is the last static path segment with dashes turned into underscores (health-profile -> health_profile).
func ParseRoute(method, route string) ActionEntity {
	if ae, ok := routeOverrides[method+" "+route]; ok {
		return ae
	}
	return ActionEntity{Action: methodToAction(method), Entity: routeToEntity(route)}
}

func routeToEntity(route string) string {
	segs := strings.Split(strings.Trim(route, "/"), "/")
	for i := len(segs) - 1; i >= 0; i-- {
		s := segs[i]
		if s == "" || strings.HasPrefix(s, ":") || strings.HasPrefix(s, "*") {
			continue
		}
		return strings.ReplaceAll(strings.ToLower(s), "-", "_")
	}
	return "unknown"
}

func methodToAction(method string) string {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead:
		return "get"
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return strings.ToLower(method)
	}
}

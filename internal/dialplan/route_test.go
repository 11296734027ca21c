package dialplan

import "testing"

func mustCompile(t *testing.T, r *Route) *Route {
	t.Helper()
	if err := r.compile(); err != nil {
		t.Fatalf("compile: %v", err)
	}
	return r
}

func TestMatchPrefersLongestPrefix(t *testing.T) {
	rl := RouteList{
		mustCompile(t, &Route{ID: "default", Pattern: "*", Action: ActionFail, Enabled: true}),
		mustCompile(t, &Route{ID: "long-distance", Pattern: "1*", Action: ActionExtension, Enabled: true}),
		mustCompile(t, &Route{ID: "area-code", Pattern: "1415*", Action: ActionHunt, Enabled: true}),
		mustCompile(t, &Route{ID: "exact", Pattern: "14155551212", Action: ActionParallel, Enabled: true}),
	}

	route, ok := rl.Match("14155551212")
	if !ok {
		t.Fatal("expected a match")
	}
	if route.ID != "exact" {
		t.Errorf("expected the exact match to win over prefixes, got %s", route.ID)
	}

	route, ok = rl.Match("14155559999")
	if !ok || route.ID != "area-code" {
		t.Errorf("expected area-code prefix to win, got %v", route)
	}

	route, ok = rl.Match("19995551212")
	if !ok || route.ID != "long-distance" {
		t.Errorf("expected long-distance prefix to win, got %v", route)
	}

	route, ok = rl.Match("911")
	if !ok || route.ID != "default" {
		t.Errorf("expected default route as fallback, got %v", route)
	}
}

func TestMatchSkipsDisabledRoutes(t *testing.T) {
	rl := RouteList{
		mustCompile(t, &Route{ID: "disabled", Pattern: "100", Action: ActionExtension, Enabled: false}),
		mustCompile(t, &Route{ID: "default", Pattern: "*", Action: ActionFail, Enabled: true}),
	}
	route, ok := rl.Match("100")
	if !ok || route.ID != "default" {
		t.Errorf("expected disabled route to be skipped, got %v", route)
	}
}

func TestCompileRejectsUnknownAction(t *testing.T) {
	r := &Route{ID: "bad", Pattern: "*", Action: "teleport"}
	if err := r.compile(); err == nil {
		t.Fatal("expected compile to reject an unknown action kind")
	}
}

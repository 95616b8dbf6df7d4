package routing

import "testing"

func TestParseTargetValid(t *testing.T) {
	cases := []struct {
		route string
		kind  Kind
	}{
		{"user:2151539153", KindUser},
		{"group:100001", KindGroup},
		{"guild:abc-123:general.chat", KindGuild},
	}
	for _, c := range cases {
		got, ok := ParseTarget(c.route)
		if !ok {
			t.Fatalf("ParseTarget(%q): expected valid", c.route)
		}
		if got.Kind != c.kind {
			t.Errorf("ParseTarget(%q).Kind = %v, want %v", c.route, got.Kind, c.kind)
		}
		if got.Route() != c.route {
			t.Errorf("round-trip: ParseTarget(%q).Route() = %q", c.route, got.Route())
		}
	}
}

func TestParseTargetInvalid(t *testing.T) {
	for _, route := range []string{
		"user:123",        // too short
		"user:12345678901234", // too long
		"group:abc",       // non-digit
		"guild:only-one",  // missing channel
		"channel:private:2151539153",
		"",
		"user:",
	} {
		if _, ok := ParseTarget(route); ok {
			t.Errorf("ParseTarget(%q): expected invalid", route)
		}
	}
}

func TestIsValidQQRoute(t *testing.T) {
	if !IsValidQQRoute("user:2151539153") {
		t.Error("expected valid")
	}
	if IsValidQQRoute("not-a-route") {
		t.Error("expected invalid")
	}
}

func TestNormalizeTargetIdempotent(t *testing.T) {
	inputs := []string{
		"user:2151539153",
		"channel:private:2151539153",
		"session:qq:user:2151539153",
		"session:qq:group:100001",
		"2151539153",
		"group:100001",
	}
	for _, in := range inputs {
		once := NormalizeTarget(in)
		twice := NormalizeTarget(once)
		if once != twice {
			t.Errorf("NormalizeTarget not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestNormalizeTargetLegacyForms(t *testing.T) {
	cases := map[string]string{
		"channel:private:2151539153": "user:2151539153",
		"session:qq:user:2151539153": "user:2151539153",
		"session:qq:group:100001":    "group:100001",
		"2151539153":                 "user:2151539153",
	}
	for in, want := range cases {
		if got := NormalizeTarget(in); got != want {
			t.Errorf("NormalizeTarget(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseTargetNormalizeTargetRoundTrip(t *testing.T) {
	for _, r := range []string{"user:2151539153", "group:100001", "guild:g1:c1"} {
		n := NormalizeTarget(r)
		tgt, ok := ParseTarget(n)
		if !ok {
			t.Fatalf("ParseTarget(NormalizeTarget(%q)) failed", r)
		}
		if tgt.Route() != r {
			t.Errorf("ParseTarget(NormalizeTarget(%q)).Route() = %q, want %q", r, tgt.Route(), r)
		}
	}
}

func TestResidentAgentID(t *testing.T) {
	if got := ResidentAgentID("user:11111", "11111"); got != "main" {
		t.Errorf("owner route = %q, want main", got)
	}
	if got := ResidentAgentID("user:22222", "11111"); got != "qq-user-22222" {
		t.Errorf("got %q", got)
	}
	if got := ResidentAgentID("group:33333", "11111"); got != "qq-group-33333" {
		t.Errorf("got %q", got)
	}
	if got := ResidentAgentID("guild:g:c", "11111"); got != "qq-guild-g-c" {
		t.Errorf("got %q", got)
	}
}

func TestSessionKey(t *testing.T) {
	if got := SessionKey("main"); got != "agent:main:main" {
		t.Errorf("got %q", got)
	}
}

func TestRouteDir(t *testing.T) {
	if got := RouteDir("user:111"); got != "user__111" {
		t.Errorf("got %q", got)
	}
	if got := RouteDir("guild:g:c"); got != "guild__g__c" {
		t.Errorf("got %q", got)
	}
}

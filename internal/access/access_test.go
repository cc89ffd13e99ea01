package access

import "testing"

var keys = []string{"sandbox_login", "terminate_containers", "manage_all_sessions", "broadcast"}

func TestResolveDefaults(t *testing.T) {
	got := Resolve(keys, nil, Input{}, map[string]bool{"sandbox_login": true})
	if !got["sandbox_login"] {
		t.Errorf("sandbox_login = false, want default true")
	}
	if got["broadcast"] {
		t.Errorf("broadcast = true, want false (no default)")
	}
	if len(got) != len(keys) {
		t.Errorf("result has %d keys, want %d", len(got), len(keys))
	}
}

func TestResolveGroupOrder(t *testing.T) {
	groups := []Input{
		{Values: map[string]bool{"broadcast": true}},
		{Values: map[string]bool{"broadcast": false}},
	}
	got := Resolve(keys, groups, Input{}, nil)
	if got["broadcast"] {
		t.Errorf("broadcast = true, want false (later group wins)")
	}
}

func TestResolveWildcardGrantsUnspoken(t *testing.T) {
	groups := []Input{{Wildcard: true}}
	got := Resolve(keys, groups, Input{}, nil)
	for _, k := range keys {
		if !got[k] {
			t.Errorf("%s = false, want true under wildcard", k)
		}
	}
}

func TestResolveExplicitFalseBeatsWildcard(t *testing.T) {
	cases := []struct {
		name   string
		groups []Input
		user   Input
	}{
		{
			name:   "group deny, user wildcard",
			groups: []Input{{Values: map[string]bool{"broadcast": false}}},
			user:   Input{Wildcard: true},
		},
		{
			name:   "group wildcard, user deny",
			groups: []Input{{Wildcard: true}},
			user:   Input{Values: map[string]bool{"broadcast": false}},
		},
		{
			name: "wildcard and deny in same stack",
			groups: []Input{
				{Wildcard: true},
				{Values: map[string]bool{"broadcast": false}},
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Resolve(keys, tc.groups, tc.user, nil)
			if got["broadcast"] {
				t.Errorf("broadcast = true, want false (explicit deny beats wildcard)")
			}
			if !got["sandbox_login"] {
				t.Errorf("sandbox_login = false, want true (wildcard still grants others)")
			}
		})
	}
}

func TestResolveUserOverridesGroup(t *testing.T) {
	groups := []Input{{Values: map[string]bool{"manage_all_sessions": false}}}
	user := Input{Values: map[string]bool{"manage_all_sessions": true}}
	got := Resolve(keys, groups, user, nil)
	if !got["manage_all_sessions"] {
		t.Errorf("manage_all_sessions = false, want true (user explicit grant wins)")
	}
}

func TestParseInput(t *testing.T) {
	if in := ParseInput("*"); !in.Wildcard {
		t.Errorf("ParseInput(\"*\").Wildcard = false, want true")
	}
	in := ParseInput(map[string]any{"broadcast": true, "junk": "nope"})
	if !in.Values["broadcast"] {
		t.Errorf("broadcast not parsed")
	}
	if _, ok := in.Values["junk"]; ok {
		t.Errorf("non-bool value should be dropped")
	}
	if in := ParseInput(42); in.Wildcard || len(in.Values) != 0 {
		t.Errorf("unknown shape should yield empty input")
	}
}

package service

import (
	"reflect"
	"testing"
)

func TestExtractToggles(t *testing.T) {
	cfg := map[string]interface{}{
		"model": "claude-sonnet-4",
		"mcp_servers": map[string]interface{}{
			"github": true,
			"jira":   false,
		},
		"skills": map[string]interface{}{
			"pdf": true,
		},
	}

	rest, toggles := ExtractToggles(cfg)

	if _, ok := rest["mcp_servers"]; ok {
		t.Error("toggle key must be removed from the remaining config")
	}
	if _, ok := rest["skills"]; ok {
		t.Error("toggle key must be removed from the remaining config")
	}
	if rest["model"] != "claude-sonnet-4" {
		t.Errorf("unrelated keys must survive, got %v", rest["model"])
	}
	if !toggles["mcp_servers"]["github"] || toggles["mcp_servers"]["jira"] {
		t.Errorf("unexpected mcp toggles: %v", toggles["mcp_servers"])
	}
	if !toggles["skills"]["pdf"] {
		t.Errorf("unexpected skill toggles: %v", toggles["skills"])
	}

	// The input document is left untouched.
	if _, ok := cfg["mcp_servers"]; !ok {
		t.Error("extraction must not mutate the input")
	}
}

func TestExtractTogglesNil(t *testing.T) {
	rest, toggles := ExtractToggles(nil)
	if rest != nil {
		t.Errorf("expected nil rest, got %v", rest)
	}
	if len(toggles) != 0 {
		t.Errorf("expected no toggles, got %v", toggles)
	}
}

func TestMergeConfigNullDeletes(t *testing.T) {
	base := map[string]interface{}{
		"model":       "claude-sonnet-4",
		"max_turns":   float64(20),
		"permissions": "acceptEdits",
	}
	override := map[string]interface{}{
		"max_turns": nil,
		"model":     "claude-opus-4",
	}

	merged := MergeConfig(base, override)

	if _, ok := merged["max_turns"]; ok {
		t.Error("null override must delete the key")
	}
	if merged["model"] != "claude-opus-4" {
		t.Errorf("override must replace scalar, got %v", merged["model"])
	}
	if merged["permissions"] != "acceptEdits" {
		t.Errorf("untouched base keys must survive, got %v", merged["permissions"])
	}
}

func TestMergeConfigNestedShallowMerge(t *testing.T) {
	base := map[string]interface{}{
		"env": map[string]interface{}{
			"FOO": "1",
			"BAR": "2",
		},
	}
	override := map[string]interface{}{
		"env": map[string]interface{}{
			"BAR": nil,
			"BAZ": "3",
		},
	}

	merged := MergeConfig(base, override)

	want := map[string]interface{}{"FOO": "1", "BAZ": "3"}
	if !reflect.DeepEqual(merged["env"], want) {
		t.Errorf("expected shallow-merged env %v, got %v", want, merged["env"])
	}
	// The base submap must not be mutated.
	if _, ok := base["env"].(map[string]interface{})["BAR"]; !ok {
		t.Error("merge must not mutate the base document")
	}
}

func TestMergeConfigMapReplacesScalar(t *testing.T) {
	base := map[string]interface{}{"env": "legacy"}
	override := map[string]interface{}{
		"env": map[string]interface{}{"FOO": "1"},
	}

	merged := MergeConfig(base, override)
	if !reflect.DeepEqual(merged["env"], map[string]interface{}{"FOO": "1"}) {
		t.Errorf("map override must replace non-map base value, got %v", merged["env"])
	}
}

func TestMergeConfigDropsRecomputedKeys(t *testing.T) {
	base := map[string]interface{}{
		"model":       "claude-sonnet-4",
		"mcp_config":  map[string]interface{}{"stale": true},
		"input_files": []interface{}{"old"},
	}

	merged := MergeConfig(base, nil)
	if _, ok := merged["mcp_config"]; ok {
		t.Error("mcp_config must be recomputed, never inherited")
	}
	if _, ok := merged["input_files"]; ok {
		t.Error("input_files must be recomputed, never inherited")
	}
	if merged["model"] != "claude-sonnet-4" {
		t.Errorf("other keys must survive, got %v", merged["model"])
	}
}

func TestMergeToggles(t *testing.T) {
	base := map[string]map[string]bool{
		"mcp_servers": {"github": true, "jira": true},
	}
	override := map[string]map[string]bool{
		"mcp_servers": {"jira": false},
		"skills":      {"pdf": true},
	}

	merged := mergeToggles(base, override)

	if !merged["mcp_servers"]["github"] {
		t.Error("base toggle must survive")
	}
	if merged["mcp_servers"]["jira"] {
		t.Error("override toggle must win")
	}
	if !merged["skills"]["pdf"] {
		t.Error("new toggle group must be added")
	}
	if !base["mcp_servers"]["jira"] {
		t.Error("merge must not mutate the base toggles")
	}
}

func TestStringList(t *testing.T) {
	got, ok := stringList([]interface{}{"a", "b"})
	if !ok || !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("expected [a b], got %v (%v)", got, ok)
	}
	if _, ok := stringList([]interface{}{"a", 1}); ok {
		t.Error("mixed lists must be rejected")
	}
	if _, ok := stringList("a"); ok {
		t.Error("non-list values must be rejected")
	}
}

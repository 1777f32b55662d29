package service

// Config merge semantics. A session carries a base config; an enqueue request
// may carry an override. The merged document becomes the run's config
// snapshot after materialization.

// toggleKeys are maps of name->bool selecting capabilities per run. They are
// extracted before merging and applied over install state, never dict-merged.
var toggleKeys = []string{"mcp_servers", "skills"}

// mergeKeysDropped are base keys recomputed at snapshot time and therefore
// never inherited from the session config.
var mergeKeysDropped = []string{"mcp_config", "input_files"}

// ExtractToggles splits the capability toggle maps out of a config document,
// returning the remaining config and the toggles keyed by toggle name.
func ExtractToggles(cfg map[string]interface{}) (map[string]interface{}, map[string]map[string]bool) {
	toggles := make(map[string]map[string]bool, len(toggleKeys))
	if cfg == nil {
		return nil, toggles
	}

	rest := make(map[string]interface{}, len(cfg))
	for k, v := range cfg {
		rest[k] = v
	}
	for _, key := range toggleKeys {
		raw, ok := rest[key]
		if !ok {
			continue
		}
		delete(rest, key)
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		parsed := make(map[string]bool, len(m))
		for name, val := range m {
			if b, ok := val.(bool); ok {
				parsed[name] = b
			}
		}
		toggles[key] = parsed
	}
	return rest, toggles
}

// MergeConfig merges an override document onto a base. A null override value
// removes the key; nested maps are shallow-merged; every other value
// replaces. Toggle maps must be extracted by the caller first.
func MergeConfig(base, override map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for _, dropped := range mergeKeysDropped {
		delete(merged, dropped)
	}

	for k, v := range override {
		if v == nil {
			delete(merged, k)
			continue
		}
		overrideMap, isMap := v.(map[string]interface{})
		if !isMap {
			merged[k] = v
			continue
		}
		baseMap, hadMap := merged[k].(map[string]interface{})
		if !hadMap {
			merged[k] = overrideMap
			continue
		}
		sub := make(map[string]interface{}, len(baseMap)+len(overrideMap))
		for bk, bv := range baseMap {
			sub[bk] = bv
		}
		for ok, ov := range overrideMap {
			if ov == nil {
				delete(sub, ok)
				continue
			}
			sub[ok] = ov
		}
		merged[k] = sub
	}
	return merged
}

// mergeToggles overlays override toggles on base toggles.
func mergeToggles(base, override map[string]map[string]bool) map[string]map[string]bool {
	merged := make(map[string]map[string]bool, len(base)+len(override))
	for key, m := range base {
		copied := make(map[string]bool, len(m))
		for name, v := range m {
			copied[name] = v
		}
		merged[key] = copied
	}
	for key, m := range override {
		target, ok := merged[key]
		if !ok {
			target = make(map[string]bool, len(m))
			merged[key] = target
		}
		for name, v := range m {
			target[name] = v
		}
	}
	return merged
}

// stringList reads a []string out of a config document value.
func stringList(raw interface{}) ([]string, bool) {
	switch v := raw.(type) {
	case []string:
		return v, true
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

package sqlite

import (
	"encoding/json"
	"fmt"
)

func marshalAny(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to serialize json column: %w", err)
	}
	return string(data), nil
}

// unmarshalMap deserializes a JSON TEXT column into a map, treating the
// empty document as nil.
func unmarshalMap(raw string) (map[string]interface{}, error) {
	if raw == "" || raw == "{}" || raw == "null" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("failed to deserialize json column: %w", err)
	}
	return m, nil
}

func unmarshalStringMap(raw string) (map[string]string, error) {
	if raw == "" || raw == "{}" || raw == "null" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("failed to deserialize json column: %w", err)
	}
	return m, nil
}

func unmarshalStrings(raw string) ([]string, error) {
	if raw == "" || raw == "[]" || raw == "null" {
		return nil, nil
	}
	var s []string
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("failed to deserialize json column: %w", err)
	}
	return s, nil
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

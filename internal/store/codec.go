package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/roach88/convsync/internal/model"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalBody(body map[string]any) (string, error) {
	if len(body) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal body: %w", err)
	}
	return string(data), nil
}

func unmarshalBody(data string) (map[string]any, error) {
	body := map[string]any{}
	if data == "" || data == "{}" {
		return body, nil
	}
	if err := json.Unmarshal([]byte(data), &body); err != nil {
		return nil, fmt.Errorf("unmarshal body: %w", err)
	}
	return body, nil
}

func marshalStrings(list []string) (string, error) {
	if len(list) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("marshal distribution: %w", err)
	}
	return string(data), nil
}

func unmarshalStrings(data string) ([]string, error) {
	var list []string
	if data == "" || data == "[]" {
		return list, nil
	}
	if err := json.Unmarshal([]byte(data), &list); err != nil {
		return nil, fmt.Errorf("unmarshal distribution: %w", err)
	}
	return list, nil
}

// Member timestamps are stored keyed by the numeric state code.
func marshalTimestamps(ts map[model.MemberState]time.Time) (string, error) {
	if len(ts) == 0 {
		return "{}", nil
	}
	m := make(map[string]string, len(ts))
	for state, t := range ts {
		m[strconv.Itoa(int(state))] = formatTime(t)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal timestamps: %w", err)
	}
	return string(data), nil
}

func unmarshalTimestamps(data string) (map[model.MemberState]time.Time, error) {
	out := map[model.MemberState]time.Time{}
	if data == "" || data == "{}" {
		return out, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("unmarshal timestamps: %w", err)
	}
	for k, v := range m {
		code, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("unmarshal timestamps: state %q: %w", k, err)
		}
		t, err := parseTime(v)
		if err != nil {
			return nil, err
		}
		out[model.MemberState(code)] = t
	}
	return out, nil
}

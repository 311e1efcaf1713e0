// Package cast coerces the untyped values produced by bencode decoding
// (map[string]any, []any, string, int64) into the concrete types metainfo
// parsing needs.
package cast

import "fmt"

// ToString coerces v to a string. Bencode byte strings decode as Go
// strings; this accepts both string and []byte.
func ToString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	default:
		return "", fmt.Errorf("cast: cannot convert %T to string", v)
	}
}

// ToBytes coerces v to a []byte.
func ToBytes(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		return nil, fmt.Errorf("cast: cannot convert %T to []byte", v)
	}
}

// ToInt coerces v to an int. Bencode integers decode as int64.
func ToInt(v any) (int, error) {
	switch t := v.(type) {
	case int64:
		return int(t), nil
	case int:
		return t, nil
	default:
		return 0, fmt.Errorf("cast: cannot convert %T to int", v)
	}
}

// ToStringSlice coerces v, a bencode list of byte strings, to []string.
func ToStringSlice(v any) ([]string, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("cast: cannot convert %T to []any", v)
	}

	out := make([]string, 0, len(list))
	for _, item := range list {
		s, err := ToString(item)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}

	return out, nil
}

// ToTieredStrings coerces v, a bencode list-of-lists of byte strings (as
// used by the announce-list extension), to [][]string.
func ToTieredStrings(v any) ([][]string, error) {
	tiers, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("cast: cannot convert %T to []any", v)
	}

	out := make([][]string, 0, len(tiers))
	for _, tier := range tiers {
		ss, err := ToStringSlice(tier)
		if err != nil {
			return nil, err
		}
		out = append(out, ss)
	}

	return out, nil
}

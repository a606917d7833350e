package translate

import "fmt"

// Presence-aware readers over the unstructured wire map. A missing key or an
// explicit JSON null both read as absent; a present key of the wrong type is
// a fieldError.

type fieldError struct {
	path   string
	reason string
}

func (e *fieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.path, e.reason)
}

func wrongType(path string, want string, got interface{}) error {
	return &fieldError{path: path, reason: fmt.Sprintf("expected %s, got %T", want, got)}
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func index(path string, i int) string {
	return fmt.Sprintf("%s[%d]", path, i)
}

func optString(m map[string]interface{}, path, key string) (*string, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil, nil
	}
	s, ok := raw.(string)
	if !ok {
		return nil, wrongType(join(path, key), "string", raw)
	}
	return &s, nil
}

func reqString(m map[string]interface{}, path, key string) (string, error) {
	s, err := optString(m, path, key)
	if err != nil {
		return "", err
	}
	if s == nil {
		return "", &fieldError{path: join(path, key), reason: "required field missing"}
	}
	return *s, nil
}

func optMap(m map[string]interface{}, path, key string) (map[string]interface{}, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil, nil
	}
	sub, ok := raw.(map[string]interface{})
	if !ok {
		return nil, wrongType(join(path, key), "object", raw)
	}
	return sub, nil
}

func optSlice(m map[string]interface{}, path, key string) ([]interface{}, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, wrongType(join(path, key), "array", raw)
	}
	return items, nil
}

// optStringSlice returns nil for an absent or empty list.
func optStringSlice(m map[string]interface{}, path, key string) ([]string, error) {
	items, err := optSlice(m, path, key)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, wrongType(index(join(path, key), i), "string", item)
		}
		out = append(out, s)
	}
	return out, nil
}

// optStringMap returns nil for an absent or empty map.
func optStringMap(m map[string]interface{}, path, key string) (map[string]string, error) {
	raw, err := optMap(m, path, key)
	if err != nil || len(raw) == 0 {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, wrongType(join(join(path, key), k), "string", v)
		}
		out[k] = s
	}
	return out, nil
}

// objects walks a list of objects, calling fn with each element and its path.
func objects(items []interface{}, path string, fn func(m map[string]interface{}, path string) error) error {
	for i, item := range items {
		p := index(path, i)
		m, ok := item.(map[string]interface{})
		if !ok {
			return wrongType(p, "object", item)
		}
		if err := fn(m, p); err != nil {
			return err
		}
	}
	return nil
}

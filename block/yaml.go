package block

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v2"
)

// LoadYAML parses a workspace document written as YAML. It is converted to
// the JSON form and validated exactly like Load.
func LoadYAML(data []byte) (*Workspace, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	js, err := json.Marshal(jsonValue(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return Load(js)
}

// jsonValue rewrites yaml.v2's map[interface{}]interface{} into string-keyed maps.
func jsonValue(v any) any {
	switch t := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = jsonValue(val)
		}
		return m
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = jsonValue(val)
		}
		return out
	default:
		return v
	}
}

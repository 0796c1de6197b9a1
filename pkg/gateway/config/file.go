package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a YAML overlay and flattens it to environment-style keys
// without the VAI_SPEECH_ prefix: nested keys are joined with "_" and
// upper-cased, so
//
//	stt:
//	  provider: google
//
// sets STT_PROVIDER. Lists become comma-separated values.
func LoadFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string)
	if err := flatten(out, "", doc); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return out, nil
}

func flatten(out map[string]string, prefix string, node map[string]any) error {
	keys := make([]string, 0, len(node))
	for k := range node {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		name := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(strings.TrimSpace(k)))
		if prefix != "" {
			name = prefix + "_" + name
		}
		switch v := node[k].(type) {
		case map[string]any:
			if err := flatten(out, name, v); err != nil {
				return err
			}
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				s, err := scalar(item)
				if err != nil {
					return fmt.Errorf("%s: %w", k, err)
				}
				parts = append(parts, s)
			}
			out[name] = strings.Join(parts, ",")
		default:
			s, err := scalar(v)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			out[name] = s
		}
	}
	return nil
}

func scalar(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("unsupported value of type %T", v)
	}
}

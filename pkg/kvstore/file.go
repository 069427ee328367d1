package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileStore is a read-only store loaded from a YAML file:
//
//	tenants:
//	  acme:
//	    qa_all_channels: true
//	    qa_disallowed_channels: [general, "C0123ABCD"]
//
// Scalars are kept as their string form, sequences become JSON arrays.
type FileStore struct {
	values map[string]map[string]string
}

type fileLayout struct {
	Tenants map[string]map[string]yaml.Node `yaml:"tenants"`
}

// LoadFile parses a tenant config YAML file.
func LoadFile(path string) (*FileStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tenant config %s: %w", path, err)
	}
	return ParseYAML(data)
}

// ParseYAML parses tenant config YAML from memory.
func ParseYAML(data []byte) (*FileStore, error) {
	var layout fileLayout
	if err := yaml.Unmarshal(data, &layout); err != nil {
		return nil, fmt.Errorf("parsing tenant config: %w", err)
	}

	fs := &FileStore{values: make(map[string]map[string]string, len(layout.Tenants))}
	for tenant, keys := range layout.Tenants {
		ns := make(map[string]string, len(keys))
		for key, node := range keys {
			v, err := nodeString(&node)
			if err != nil {
				return nil, fmt.Errorf("tenant %s key %s: %w", tenant, key, err)
			}
			ns[key] = v
		}
		fs.values[tenant] = ns
	}
	return fs, nil
}

func nodeString(node *yaml.Node) (string, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Value, nil
	case yaml.SequenceNode:
		items := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return "", fmt.Errorf("nested value at line %d", item.Line)
			}
			items = append(items, item.Value)
		}
		b, err := json.Marshal(items)
		if err != nil {
			return "", err
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("unsupported value at line %d", node.Line)
	}
}

func (f *FileStore) Get(_ context.Context, tenantID, key string) (string, error) {
	v, ok := f.values[tenantID][key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (f *FileStore) Set(context.Context, string, string, string) error {
	return ErrReadOnly
}

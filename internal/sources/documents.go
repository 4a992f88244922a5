package sources

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// entry is one key of a mapping document, kept in document order.
type entry struct {
	key   string
	value any
}

// orderedMap merges documents: a later key replaces the value but keeps
// the position of its first appearance.
type orderedMap struct {
	entries []entry
	index   map[string]int
}

func (m *orderedMap) set(key string, value any) {
	if m.index == nil {
		m.index = make(map[string]int)
	}
	if i, ok := m.index[key]; ok {
		m.entries[i].value = value
		return
	}
	m.index[key] = len(m.entries)
	m.entries = append(m.entries, entry{key, value})
}

// readDocuments loads a config section that is a file name, an inline
// mapping, or a list of those, and merges them in order.
func (s *Sources) readDocuments(node *yaml.Node, name string) (*orderedMap, error) {
	merged := &orderedMap{}
	if node == nil || node.Kind == 0 {
		s.log.Infof("%s is not set in the config file", name)
		return merged, nil
	}
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}
	docs := []*yaml.Node{node}
	if node.Kind == yaml.SequenceNode {
		docs = node.Content
	}
	for _, doc := range docs {
		switch {
		case doc.Kind == yaml.ScalarNode && doc.Tag != "!!null":
			path := doc.Value
			if !filepath.IsAbs(path) {
				path = filepath.Join(s.appRoot, path)
			}
			s.log.Infof("Loading %s from %s", name, path)
			fileNode, err := readYAMLFile(path)
			if err != nil {
				return nil, err
			}
			if err := mergeMapping(merged, fileNode, name); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
		case doc.Kind == yaml.MappingNode:
			s.log.Infof("Loading %s from the config file", name)
			if err := mergeMapping(merged, doc, name); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("config.%s must be an object or filename, or an array of objects and/or filenames", name)
		}
	}
	return merged, nil
}

func readYAMLFile(path string) (*yaml.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		return doc.Content[0], nil
	}
	return &doc, nil
}

func mergeMapping(dst *orderedMap, node *yaml.Node, name string) error {
	if node.Kind == 0 {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("%s must be an object", name)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		var v any
		if err := node.Content[i+1].Decode(&v); err != nil {
			return fmt.Errorf("%s.%s: %w", name, node.Content[i].Value, err)
		}
		dst.set(node.Content[i].Value, v)
	}
	return nil
}

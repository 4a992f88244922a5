package sources

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"gopkg.in/yaml.v3"

	"tileproxy/internal/tile"
)

// yamlLoader rewrites a YAML source document (tmsource or tmstyle) before
// the source is constructed from it.
type yamlLoader struct {
	s      *Sources
	opts   tile.Params
	scheme string
}

// load reads the document named by the yaml option and returns the URI the
// source is constructed from. Query parameters of the original URI are
// dropped; only the protocol survives.
func (l *yamlLoader) load() (*tile.URI, error) {
	resolved, err := l.s.ResolveValue(l.opts["yaml"], "yaml", true)
	if err != nil {
		return nil, err
	}
	if call, ok := resolved.(*LoaderCall); ok {
		raw := map[string]any(l.opts)
		if err := call.Fn(raw, call.Params); err != nil {
			return nil, fmt.Errorf("loader %q: %w", call.Module, err)
		}
		resolved = l.opts["yamlFile"]
	}

	var data []byte
	base := l.s.appRoot
	switch v := resolved.(type) {
	case string:
		file := v
		if !filepath.IsAbs(file) {
			file = filepath.Join(l.s.appRoot, file)
		}
		if data, err = os.ReadFile(file); err != nil {
			return nil, err
		}
		base = filepath.Dir(file)
	case map[string]any:
		if data, err = yaml.Marshal(v); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("yaml must be a file name, an inline document or a loader, got %T", resolved)
	}

	if data, err = l.update(data); err != nil {
		return nil, err
	}
	return &tile.URI{
		Raw:      l.scheme + "://",
		Scheme:   l.scheme,
		Host:     "/",
		Path:     base,
		Query:    make(tile.Params),
		Info:     make(tile.Info),
		Document: data,
		Base:     base,
	}, nil
}

// layerFilter returns a predicate keeping the layers named by yamlLayers,
// or dropping those named by yamlExceptLayers. nil means no filtering.
func (l *yamlLoader) layerFilter() (func(id string) bool, error) {
	include, err := l.opts.Strings("yamlLayers", 0)
	if err != nil {
		return nil, err
	}
	exclude, err := l.opts.Strings("yamlExceptLayers", 0)
	if err != nil {
		return nil, err
	}
	if include == nil && exclude == nil {
		return nil, nil
	}
	if include != nil && exclude != nil {
		return nil, fmt.Errorf("yaml loader: it may be either yamlLayers or yamlExceptLayers, not both")
	}
	if include != nil {
		return func(id string) bool { return contains(include, id) }, nil
	}
	return func(id string) bool { return !contains(exclude, id) }, nil
}

// update applies yamlSetParams, the layer filter and yamlSetDataSource.
func (l *yamlLoader) update(data []byte) ([]byte, error) {
	opts := l.opts
	_, setParams := opts["yamlSetParams"]
	_, layers := opts["yamlLayers"]
	_, except := opts["yamlExceptLayers"]
	_, setDS := opts["yamlSetDataSource"]
	if !setParams && !layers && !except && !setDS {
		return data, nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("yaml loader: document must be a mapping")
	}

	isSource := l.scheme == "tmsource"
	layersProp := "layers"
	layerID := func(n *yaml.Node) string { return n.Value }
	if isSource {
		layersProp = "Layer"
		layerID = func(n *yaml.Node) string {
			if id := mappingGet(n, "id"); id != nil {
				return id.Value
			}
			return ""
		}
	}

	if params, err := object(opts, "yamlSetParams"); err != nil {
		return nil, err
	} else if params != nil {
		for name, value := range params {
			resolved, err := l.s.ResolveValue(value, name, false)
			if err != nil {
				return nil, err
			}
			if err := mappingSet(root, name, resolved); err != nil {
				return nil, err
			}
		}
	}

	filter, err := l.layerFilter()
	if err != nil {
		return nil, err
	}
	if filter != nil {
		seq := mappingGet(root, layersProp)
		if seq == nil || seq.Kind != yaml.SequenceNode {
			return nil, fmt.Errorf("yaml loader: %s list was not found", layersProp)
		}
		kept := seq.Content[:0]
		for _, layer := range seq.Content {
			if filter(layerID(layer)) {
				kept = append(kept, layer)
			}
		}
		seq.Content = kept
	}

	if err := l.setDataSources(root, layersProp, layerID); err != nil {
		return nil, err
	}
	return yaml.Marshal(&doc)
}

func (l *yamlLoader) setDataSources(root *yaml.Node, layersProp string, layerID func(*yaml.Node) string) error {
	v, ok := l.opts["yamlSetDataSource"]
	if !ok || v == nil {
		return nil
	}
	var dataSources []any
	switch ds := v.(type) {
	case map[string]any:
		dataSources = []any{ds}
	case []any:
		dataSources = ds
	default:
		return fmt.Errorf("yaml loader: yamlSetDataSource must be an object")
	}
	seq := mappingGet(root, layersProp)
	if seq == nil {
		return nil
	}
	for _, raw := range dataSources {
		ds, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("yaml loader: yamlSetDataSource must be an object")
		}
		dsParams := tile.Params(ds)
		conditions, err := object(dsParams, "if")
		if err != nil {
			return err
		}
		resolvedIf := make(map[string]any, len(conditions))
		for k, c := range conditions {
			if resolvedIf[k], err = l.s.ResolveValue(c, k, false); err != nil {
				return err
			}
		}
		set, err := object(dsParams, "set")
		if err != nil {
			return err
		}
		if set == nil {
			return fmt.Errorf("value %q is missing", "set")
		}
		for _, layer := range seq.Content {
			datasource := mappingGet(layer, "Datasource")
			if datasource == nil {
				l.s.log.Warnf("Datasource yaml element was not found in layer %q", layerID(layer))
				continue
			}
			if !matches(datasource, resolvedIf) {
				continue
			}
			l.s.log.Debugf("Updating layer %s", layerID(layer))
			for name, value := range set {
				resolved, err := l.s.ResolveValue(value, name, false)
				if err != nil {
					return err
				}
				if err := mappingSet(datasource, name, resolved); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func matches(datasource *yaml.Node, conditions map[string]any) bool {
	for k, want := range conditions {
		n := mappingGet(datasource, k)
		if n == nil {
			return false
		}
		var got any
		if err := n.Decode(&got); err != nil || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func mappingGet(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

func mappingSet(n *yaml.Node, key string, value any) error {
	var vn yaml.Node
	if err := vn.Encode(value); err != nil {
		return err
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			n.Content[i+1] = &vn
			return nil
		}
	}
	n.Content = append(n.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&vn)
	return nil
}

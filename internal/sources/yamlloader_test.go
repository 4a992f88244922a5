package sources

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"tileproxy/internal/tile"
)

const styleDoc = `
name: style
layers: [water, roads, labels]
`

const sourceDoc = `
name: osm
Layer:
  - id: water
    Datasource:
      type: postgis
      dbname: gis
  - id: roads
    Datasource:
      type: postgis
      dbname: gis
  - id: hillshade
    Datasource:
      type: gdal
`

func loadDocument(t *testing.T, s *Sources, fm *fakeModule, raw map[string]any) map[string]any {
	t.Helper()
	before := len(fm.uris)
	require.NoError(t, s.LoadSource(context.Background(), "doc", raw))
	require.Len(t, fm.uris, before+1)
	uri := fm.uris[before]
	require.NotEmpty(t, uri.Document)

	var out map[string]any
	require.NoError(t, yaml.Unmarshal(uri.Document, &out))
	return out
}

func TestYAMLStyleLayers(t *testing.T) {
	s, fm := newTestSources(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(s.appRoot, "style.yaml"), []byte(styleDoc), 0o644))

	doc := loadDocument(t, s, fm, map[string]any{
		"uri":        "fake://",
		"yaml":       "style.yaml",
		"yamlLayers": []any{"water", "labels"},
	})
	assert.Equal(t, []any{"water", "labels"}, doc["layers"])
	assert.Equal(t, s.appRoot, fm.uris[0].Base)

	doc = loadDocument(t, s, fm, map[string]any{
		"uri":              "fake://",
		"yaml":             "style.yaml",
		"yamlExceptLayers": "roads",
		"yamlSetParams":    map[string]any{"name": "renamed"},
	})
	assert.Equal(t, []any{"water", "labels"}, doc["layers"])
	assert.Equal(t, "renamed", doc["name"])
}

func TestYAMLSetParamsUnknownVariable(t *testing.T) {
	s, _ := newTestSources(t, nil)
	err := s.LoadSource(context.Background(), "doc", map[string]any{
		"uri":           "fake://",
		"yaml":          map[string]any{"name": "inline"},
		"yamlSetParams": map[string]any{"source": map[string]any{"var": "src"}},
	})
	assert.ErrorContains(t, err, `variable "src" is not defined`)
}

func TestYAMLLayersAreExclusive(t *testing.T) {
	s, _ := newTestSources(t, nil)
	err := s.LoadSource(context.Background(), "doc", map[string]any{
		"uri":              "fake://",
		"yaml":             map[string]any{"layers": []any{"a"}},
		"yamlLayers":       "a",
		"yamlExceptLayers": "b",
	})
	assert.ErrorContains(t, err, "either yamlLayers or yamlExceptLayers")
}

func TestYAMLInlineUntouched(t *testing.T) {
	s, fm := newTestSources(t, nil)
	doc := loadDocument(t, s, fm, map[string]any{
		"uri":  "fake://ignored?x=1",
		"yaml": map[string]any{"name": "inline"},
	})
	assert.Equal(t, "inline", doc["name"])
	assert.Empty(t, fm.uris[0].Query)
}

func TestYAMLSourceDataSource(t *testing.T) {
	s, fm := newTestSources(t, map[string]string{"PGHOST": "db.internal"})
	require.NoError(t, s.Protocols().Register("tmsource", func(ctx context.Context, uri *tile.URI, l tile.SourceLoader) (tile.Handler, error) {
		return fm.construct(ctx, uri, l)
	}))
	dir := filepath.Join(s.appRoot, "osm")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.yml"), []byte(sourceDoc), 0o644))

	doc := loadDocument(t, s, fm, map[string]any{
		"uri":              "tmsource://",
		"yaml":             "osm/data.yml",
		"yamlExceptLayers": []any{"hillshade"},
		"yamlSetDataSource": map[string]any{
			"if":  map[string]any{"dbname": "gis"},
			"set": map[string]any{"host": map[string]any{"env": "PGHOST"}, "dbname": "tiles"},
		},
	})
	assert.Equal(t, dir, fm.uris[0].Base)

	layers, ok := doc["Layer"].([]any)
	require.True(t, ok)
	require.Len(t, layers, 2)
	for _, raw := range layers {
		ds := raw.(map[string]any)["Datasource"].(map[string]any)
		assert.Equal(t, "db.internal", ds["host"])
		assert.Equal(t, "tiles", ds["dbname"])
		assert.Equal(t, "postgis", ds["type"])
	}
}

func TestYAMLDataSourceConditionMismatch(t *testing.T) {
	s, fm := newTestSources(t, nil)
	doc := loadDocument(t, s, fm, map[string]any{
		"uri": "fake://",
		"yaml": map[string]any{"layers": []any{
			map[string]any{"Datasource": map[string]any{"dbname": "other"}},
		}},
		"yamlSetDataSource": map[string]any{
			"if":  map[string]any{"dbname": "gis"},
			"set": map[string]any{"dbname": "tiles"},
		},
	})
	layers := doc["layers"].([]any)
	ds := layers[0].(map[string]any)["Datasource"].(map[string]any)
	assert.Equal(t, "other", ds["dbname"])
}

func TestYAMLLoaderModule(t *testing.T) {
	s, fm := newTestSources(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(s.appRoot, "style.yaml"), []byte(styleDoc), 0o644))

	doc := loadDocument(t, s, fm, map[string]any{
		"uri":  "fake://",
		"yaml": map[string]any{"loader": []any{"fake", "style.yaml"}},
	})
	assert.Equal(t, "style", doc["name"])
}

func TestYAMLMissingLayers(t *testing.T) {
	s, _ := newTestSources(t, nil)
	err := s.LoadSource(context.Background(), "doc", map[string]any{
		"uri":        "fake://",
		"yaml":       map[string]any{"name": "nolayers"},
		"yamlLayers": "a",
	})
	assert.ErrorContains(t, err, "layers list was not found")
}

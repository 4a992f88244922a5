package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"tileproxy/internal/tile"
)

// mvtExtent is the coordinate space of generated tiles.
const mvtExtent = 4096

// subqueryRe matches "(SELECT ...) AS data" tables, whose alias is replaced.
var subqueryRe = regexp.MustCompile(`(?is)^\s*(\(.*\))\s*(?:as\s+)?[A-Za-z_][A-Za-z0-9_]*\s*$`)

type tmProject struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Attribution string    `yaml:"attribution"`
	MinZoom     *int      `yaml:"minzoom"`
	MaxZoom     *int      `yaml:"maxzoom"`
	Center      []float64 `yaml:"center"`
	Bounds      []float64 `yaml:"bounds"`
	Layers      []tmLayer `yaml:"Layer"`
}

type tmLayer struct {
	ID          string            `yaml:"id"`
	Description string            `yaml:"description"`
	Fields      map[string]string `yaml:"fields"`
	Properties  struct {
		BufferSize int `yaml:"buffer-size"`
	} `yaml:"properties"`
	Datasource map[string]any `yaml:"Datasource"`
}

// tmQuery is the compiled statement of one layer.
type tmQuery struct {
	layer string
	dsn   string
	sql   string
}

// TMSource renders vector tiles from a tmsource project whose layers are
// PostGIS queries. Layers are rendered in order and concatenated.
type TMSource struct {
	project tmProject
	queries []tmQuery
	pools   map[string]DBTX
	closers []func()
	log     logrus.FieldLogger
}

// NewTMSource opens tmsource://<dir or file>, or the document the yaml
// loader produced.
func NewTMSource(ctx context.Context, uri *tile.URI, loader tile.SourceLoader) (tile.Handler, error) {
	doc := uri.Document
	if len(doc) == 0 {
		path := location(uri)
		if st, err := os.Stat(path); err == nil && st.IsDir() {
			path = filepath.Join(path, "data.yml")
		}
		var err error
		if doc, err = os.ReadFile(path); err != nil {
			return nil, err
		}
	}
	var p tmProject
	if err := yaml.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("parse tmsource: %w", err)
	}
	if len(p.Layers) == 0 {
		return nil, fmt.Errorf("tmsource %q has no layers", p.Name)
	}

	s := &TMSource{
		project: p,
		pools:   make(map[string]DBTX),
		log:     loader.Logger().WithField("store", "tmsource"),
	}
	for _, l := range p.Layers {
		q, err := compileLayer(l)
		if err != nil {
			return nil, err
		}
		if _, ok := s.pools[q.dsn]; !ok {
			db, closeFn, err := Connect(ctx, q.dsn)
			if err != nil {
				s.Close()
				return nil, fmt.Errorf("layer %s: connect: %w", l.ID, err)
			}
			s.pools[q.dsn] = db
			s.closers = append(s.closers, closeFn)
		}
		s.queries = append(s.queries, q)
	}
	return s, nil
}

// compileLayer turns a postgis datasource into an ST_AsMVT statement taking
// z, x, y and the layer name.
func compileLayer(l tmLayer) (tmQuery, error) {
	if l.ID == "" {
		return tmQuery{}, fmt.Errorf("tmsource layer without id")
	}
	ds := tile.Params(l.Datasource)
	if typ, _ := ds.String("type"); typ != "postgis" {
		return tmQuery{}, fmt.Errorf("layer %s: unsupported datasource type %q", l.ID, typ)
	}
	table, err := ds.RequiredString("table", 1)
	if err != nil {
		return tmQuery{}, fmt.Errorf("layer %s: %w", l.ID, err)
	}
	geom, _ := ds.String("geometry_field")
	if geom == "" {
		geom = "geom"
	}
	if !identRe.MatchString(geom) {
		return tmQuery{}, fmt.Errorf("layer %s: invalid geometry_field %q", l.ID, geom)
	}
	srid, err := ds.Int("srid", 3857, 0, 999999)
	if err != nil {
		return tmQuery{}, fmt.Errorf("layer %s: %w", l.ID, err)
	}
	if srid == 900913 {
		srid = 3857
	}

	envelope := "ST_TileEnvelope($1, $2, $3)"
	native := envelope
	if srid != 3857 {
		native = fmt.Sprintf("ST_Transform(%s, %d)", envelope, srid)
	}
	table = strings.NewReplacer(
		"!bbox!", native,
		"!scale_denominator!", "(559082264.028 / power(2, $1))",
		"!pixel_width!", "(40075016.68 / 256 / power(2, $1))",
		"!pixel_height!", "(40075016.68 / 256 / power(2, $1))",
	).Replace(table)
	if m := subqueryRe.FindStringSubmatch(table); m != nil {
		table = m[1]
	}

	sql := fmt.Sprintf(`SELECT ST_AsMVT(q, $4, %[1]d, 'mvtgeom') FROM (
  SELECT ST_AsMVTGeom(ST_Transform(t.%[2]s, 3857), %[3]s, %[1]d, %[4]d, true) AS mvtgeom,
         to_jsonb(t) - '%[2]s' AS properties
  FROM %[5]s AS t
  WHERE t.%[2]s && %[6]s
) AS q WHERE q.mvtgeom IS NOT NULL`, mvtExtent, geom, envelope, l.Properties.BufferSize, table, native)

	return tmQuery{layer: l.ID, dsn: datasourceDSN(ds), sql: sql}, nil
}

// datasourceDSN builds a postgres:// connection string from mapnik-style
// datasource fields.
func datasourceDSN(ds tile.Params) string {
	u := url.URL{Scheme: "postgres", Host: "localhost"}
	get := func(k string) string {
		s, _ := cast.ToStringE(ds[k])
		return s
	}
	if host := get("host"); host != "" {
		u.Host = host
	}
	if port := get("port"); port != "" {
		u.Host += ":" + port
	}
	if user := get("user"); user != "" {
		if pw := get("password"); pw != "" {
			u.User = url.UserPassword(user, pw)
		} else {
			u.User = url.User(user)
		}
	}
	u.Path = "/" + get("dbname")
	return u.String()
}

func (s *TMSource) inZoomRange(z int) bool {
	if s.project.MinZoom != nil && z < *s.project.MinZoom {
		return false
	}
	if s.project.MaxZoom != nil && z > *s.project.MaxZoom {
		return false
	}
	return true
}

// Get renders every layer for one tile. A tile with no features in any
// layer is a miss.
func (s *TMSource) Get(ctx context.Context, req tile.Request) (*tile.Tile, error) {
	if !req.IsTile() || !s.inZoomRange(req.Z) {
		return nil, tile.ErrNoTile
	}
	var out []byte
	for _, q := range s.queries {
		var data []byte
		err := s.pools[q.dsn].QueryRow(ctx, q.sql, req.Z, req.X, req.Y, q.layer).Scan(&data)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("layer %s %d/%d/%d: %w", q.layer, req.Z, req.X, req.Y, err)
		}
		out = append(out, data...)
	}
	if len(out) == 0 {
		return nil, tile.ErrNoTile
	}
	return &tile.Tile{Data: out, Headers: headers(tile.PBF, out)}, nil
}

// Info describes the project and its vector layers.
func (s *TMSource) Info(context.Context) (tile.Info, error) {
	p := s.project
	info := tile.Info{"format": tile.PBF}
	for k, v := range map[string]string{"name": p.Name, "description": p.Description, "attribution": p.Attribution} {
		if v != "" {
			info[k] = v
		}
	}
	if p.MinZoom != nil {
		info["minzoom"] = *p.MinZoom
	}
	if p.MaxZoom != nil {
		info["maxzoom"] = *p.MaxZoom
	}
	if len(p.Center) > 0 {
		info["center"] = p.Center
	}
	if len(p.Bounds) > 0 {
		info["bounds"] = p.Bounds
	}
	layers := make([]map[string]any, 0, len(p.Layers))
	for _, l := range p.Layers {
		vl := map[string]any{"id": l.ID}
		if l.Description != "" {
			vl["description"] = l.Description
		}
		if len(l.Fields) > 0 {
			vl["fields"] = l.Fields
		}
		layers = append(layers, vl)
	}
	info["vector_layers"] = layers
	return info, nil
}

// Close releases every pool.
func (s *TMSource) Close() error {
	for _, c := range s.closers {
		c()
	}
	s.closers = nil
	return nil
}

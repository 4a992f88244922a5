// Package sources turns declarative configuration into a graph of named,
// addressable tile handlers.
//
// Sources are loaded once, sequentially, in document order. A source that
// fails to load is kept and marked disabled, so looking it up fails with a
// clear error while every other source stays usable. After Init the
// registry is read-only and safe for concurrent lookups.
package sources

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"tileproxy/internal/tile"
)

// SourceRefScheme addresses a registered source by name:
// sourceref:///?ref=<name>.
const SourceRefScheme = "sourceref"

// Config is the registry section of the configuration file.
type Config struct {
	// Modules lists the catalog modules to register. It must be present,
	// even if empty.
	Modules []string `yaml:"modules"`
	// Variables and Sources are each a file name, an inline mapping, or a
	// list of those.
	Variables yaml.Node `yaml:"variables"`
	Sources   yaml.Node `yaml:"sources"`
}

// Options configures a registry.
type Options struct {
	Logger logrus.FieldLogger
	// Catalog holds the modules that configuration may name.
	Catalog []*tile.Module
	// Builtins are registered unconditionally.
	Builtins []*tile.Module
	// AppRoot anchors relative file names.
	AppRoot   string
	LookupEnv func(string) (string, bool)
}

// Sources is the source registry.
type Sources struct {
	log       logrus.FieldLogger
	appRoot   string
	lookupEnv func(string) (string, bool)

	catalog   map[string]*tile.Module
	modules   map[string]*tile.Module
	protocols *Protocols

	variables map[string]any
	sources   map[string]*Source
	order     []string
}

// New creates a registry with the built-in modules and the sourceref
// protocol registered.
func New(opts Options) (*Sources, error) {
	s := &Sources{
		log:       opts.Logger,
		appRoot:   opts.AppRoot,
		lookupEnv: opts.LookupEnv,
		catalog:   make(map[string]*tile.Module),
		modules:   make(map[string]*tile.Module),
		protocols: NewProtocols(),
		variables: make(map[string]any),
		sources:   make(map[string]*Source),
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if s.lookupEnv == nil {
		s.lookupEnv = os.LookupEnv
	}
	for _, m := range opts.Catalog {
		s.catalog[m.Name] = m
	}
	if err := s.protocols.Register(SourceRefScheme, s.sourceRef); err != nil {
		return nil, err
	}
	for _, m := range opts.Builtins {
		s.catalog[m.Name] = m
		if err := s.RegisterModule(m); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Init registers the configured modules, then loads variables and sources.
func (s *Sources) Init(ctx context.Context, conf Config) error {
	if conf.Modules == nil {
		return &ConfigError{Err: fmt.Errorf(`configuration must have a "modules" parameter listing all tile source modules`)}
	}
	for _, name := range conf.Modules {
		m, ok := s.catalog[name]
		if !ok {
			return &ConfigError{Err: fmt.Errorf("module %q is not installed", name)}
		}
		if err := s.RegisterModule(m); err != nil {
			return &ConfigError{Err: err}
		}
	}
	if err := s.LoadVariables(&conf.Variables); err != nil {
		return &ConfigError{Err: err}
	}
	if err := s.LoadSources(ctx, &conf.Sources); err != nil {
		return &ConfigError{Err: err}
	}
	return nil
}

// RegisterModule registers a module's protocols once.
func (s *Sources) RegisterModule(m *tile.Module) error {
	if _, ok := s.modules[m.Name]; ok {
		return nil
	}
	if m.Register != nil {
		if err := m.Register(s.protocols); err != nil {
			return fmt.Errorf("module %q: %w", m.Name, err)
		}
	}
	s.modules[m.Name] = m
	s.log.Debugf("Registered module %s", m.Name)
	return nil
}

func (s *Sources) lookupModule(name string) (*tile.Module, bool) {
	if m, ok := s.modules[name]; ok {
		return m, true
	}
	m, ok := s.catalog[name]
	return m, ok
}

// Protocols exposes the protocol table.
func (s *Sources) Protocols() *Protocols {
	return s.protocols
}

// LoadVariables merges variable documents into the variable table.
func (s *Sources) LoadVariables(node *yaml.Node) error {
	vars, err := s.readDocuments(node, "variables")
	if err != nil {
		return err
	}
	for _, e := range vars.entries {
		s.variables[e.key] = e.value
	}
	return nil
}

// LoadSources loads every source of the given documents, one at a time.
// Only malformed documents are errors; a failing source is disabled.
func (s *Sources) LoadSources(ctx context.Context, node *yaml.Node) error {
	srcs, err := s.readDocuments(node, "sources")
	if err != nil {
		return err
	}
	for _, e := range srcs.entries {
		_ = s.LoadSource(ctx, e.key, e.value)
	}
	return nil
}

// LoadSource constructs one source and registers it under id. The source
// is registered even when loading fails; the error is returned and kept
// as the source's Disabled cause.
func (s *Sources) LoadSource(ctx context.Context, id string, raw any) error {
	src, err := s.loadSource(ctx, id, raw)
	if err != nil {
		err = &ConfigError{Source: id, Err: err}
		s.log.WithError(err).Errorf("Unable to create source %q", id)
		if src == nil {
			src = &Source{ID: id}
		}
		src.Disabled = err
		src.handler = nil
	}
	if _, exists := s.sources[id]; !exists {
		s.order = append(s.order, id)
	}
	s.sources[id] = src
	return err
}

func (s *Sources) loadSource(ctx context.Context, id string, raw any) (*Source, error) {
	if !IsValidSourceID(id) {
		return nil, fmt.Errorf("source id %q must only contain letters, digits and underscores", id)
	}
	src, err := parseSource(id, raw)
	if err != nil {
		return nil, err
	}
	uri, err := tile.ParseURI(src.URI)
	if err != nil {
		return src, err
	}

	setInfo, _ := object(src.opts, "setInfo")
	overrideInfo, _ := object(src.opts, "overrideInfo")
	if src.SetInfo, err = s.resolveMap(setInfo); err != nil {
		return src, err
	}
	if src.OverrideInfo, err = s.resolveMap(overrideInfo); err != nil {
		return src, err
	}
	info := src.OverrideInfo
	if info == nil {
		info = src.SetInfo
	}
	for k, v := range info {
		uri.Info[k] = v
	}

	params, _ := object(src.opts, "params")
	for k, v := range params {
		if uri.Query[k], err = s.ResolveValue(v, k, false); err != nil {
			return src, err
		}
	}
	if pathname, ok := src.opts["pathname"]; ok && pathname != nil {
		p, err := s.ResolveValue(pathname, "pathname", false)
		if err != nil {
			return src, err
		}
		str, ok := p.(string)
		if !ok {
			return src, fmt.Errorf("pathname must resolve to a string, got %T", p)
		}
		uri.Path = str
	}

	if y, ok := src.opts["yaml"]; ok && y != nil {
		loader := &yamlLoader{s: s, opts: src.opts, scheme: uri.Scheme}
		if uri, err = loader.load(); err != nil {
			return src, err
		}
	}

	h, err := s.LoadURI(ctx, uri)
	if err != nil {
		return src, err
	}
	merged, err := mergeInfo(ctx, h, src)
	if err != nil {
		if c, ok := h.(io.Closer); ok {
			_ = c.Close()
		}
		return src, err
	}
	src.handler = wrapHandler(h, merged)
	s.log.Infof("Loaded source %s (%s)", id, uri)
	return src, nil
}

func (s *Sources) resolveMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		r, err := s.ResolveValue(v, k, false)
		if err != nil {
			return nil, err
		}
		out[k] = r
	}
	return out, nil
}

// Load implements tile.SourceLoader.
func (s *Sources) Load(ctx context.Context, raw string) (tile.Handler, error) {
	uri, err := tile.ParseURI(raw)
	if err != nil {
		return nil, err
	}
	return s.LoadURI(ctx, uri)
}

// LoadURI dispatches to the protocol registered for the URI's scheme.
// Relative store paths resolve against the app root unless the URI came
// from a document with its own base.
func (s *Sources) LoadURI(ctx context.Context, uri *tile.URI) (tile.Handler, error) {
	fn, ok := s.protocols.Lookup(uri.Scheme)
	if !ok {
		return nil, fmt.Errorf("unknown protocol %q", uri.Scheme)
	}
	if uri.Base == "" {
		uri.Base = s.appRoot
	}
	return fn(ctx, uri, s)
}

// Logger implements tile.SourceLoader.
func (s *Sources) Logger() logrus.FieldLogger {
	return s.log
}

func (s *Sources) sourceRef(_ context.Context, uri *tile.URI, _ tile.SourceLoader) (tile.Handler, error) {
	ref, ok := uri.Query.String("ref")
	if !ok || ref == "" {
		return nil, fmt.Errorf("ref uri parameter is not set")
	}
	return s.GetHandlerByID(ref)
}

// GetSourceByID returns a registered source. Disabled sources are an error
// unless allowDisabled is set.
func (s *Sources) GetSourceByID(id string, allowDisabled bool) (*Source, error) {
	src, ok := s.sources[id]
	if !IsValidSourceID(id) || !ok {
		return nil, &LookupError{ID: id}
	}
	if !allowDisabled && src.IsDisabled() {
		return nil, &LookupError{ID: id, Disabled: true, Cause: src.Disabled}
	}
	return src, nil
}

// GetHandlerByID returns the handler of an enabled source.
func (s *Sources) GetHandlerByID(id string) (tile.Handler, error) {
	src, err := s.GetSourceByID(id, false)
	if err != nil {
		return nil, err
	}
	return src.handler, nil
}

// Sources returns all registered sources in load order.
func (s *Sources) Sources() []*Source {
	out := make([]*Source, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.sources[id])
	}
	return out
}

// Variables returns a copy of the variable table.
func (s *Sources) Variables() map[string]any {
	out := make(map[string]any, len(s.variables))
	for k, v := range s.variables {
		out[k] = v
	}
	return out
}

// Close releases the handlers of every loaded source.
func (s *Sources) Close() error {
	var first error
	for _, id := range s.order {
		src := s.sources[id]
		if c, ok := src.handler.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

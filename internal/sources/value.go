package sources

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cast"

	"tileproxy/internal/tile"
)

// Value is a parsed configuration value. A one-key mapping tagged ref, var,
// env, npm/npmpath or loader/npmloader is symbolic; everything else is a
// Literal.
type Value interface {
	isValue()
}

// Literal is used as-is.
type Literal struct{ V any }

// List resolves each element.
type List []Value

// Ref names a registered source and resolves to its sourceref URI.
type Ref struct{ Name string }

// Var names a configuration variable.
type Var struct{ Name string }

// Env names a process environment variable.
type Env struct{ Name string }

// ModulePath resolves to a path inside a module's directory.
type ModulePath struct {
	Module string
	Parts  []string
}

// Loader names a module whose OptionsLoader is invoked with Params. It only
// resolves where loaders are permitted; elsewhere it stays literal.
type Loader struct {
	Module string
	Params []any
	raw    map[string]any
	err    error
}

func (Literal) isValue()    {}
func (List) isValue()       {}
func (Ref) isValue()        {}
func (Var) isValue()        {}
func (Env) isValue()        {}
func (ModulePath) isValue() {}
func (Loader) isValue()     {}

// LoaderCall is what a permitted Loader value resolves to.
type LoaderCall struct {
	Module string
	Fn     tile.OptionsLoader
	Params []any
}

// ParseValue classifies a raw configuration value.
func ParseValue(raw any) (Value, error) {
	switch v := raw.(type) {
	case []any:
		list := make(List, 0, len(v))
		for _, e := range v {
			pv, err := ParseValue(e)
			if err != nil {
				return nil, err
			}
			list = append(list, pv)
		}
		return list, nil
	case map[string]any:
		if len(v) != 1 {
			return Literal{v}, nil
		}
		for tag, arg := range v {
			switch tag {
			case "npm", "npmpath":
				name, parts, err := moduleArgs(arg)
				if err != nil {
					return nil, fmt.Errorf("npm module name key must be a string or an array: %w", err)
				}
				return ModulePath{Module: name, Parts: cast.ToStringSlice(parts)}, nil
			case "ref":
				name, err := cast.ToStringE(arg)
				if err != nil {
					return nil, fmt.Errorf("ref value must be a source name: %w", err)
				}
				return Ref{Name: name}, nil
			case "var":
				name, err := cast.ToStringE(arg)
				if err != nil {
					return nil, fmt.Errorf("var value must be a variable name: %w", err)
				}
				return Var{Name: name}, nil
			case "env":
				name, err := cast.ToStringE(arg)
				if err != nil {
					return nil, fmt.Errorf("env value must be an environment variable name: %w", err)
				}
				return Env{Name: name}, nil
			case "loader", "npmloader":
				name, params, err := moduleArgs(arg)
				return Loader{Module: name, Params: params, raw: v, err: err}, nil
			}
		}
	}
	return Literal{raw}, nil
}

// moduleArgs splits "name" or [name, args...].
func moduleArgs(arg any) (string, []any, error) {
	switch a := arg.(type) {
	case string:
		return a, nil, nil
	case []any:
		if len(a) == 0 {
			return "", nil, fmt.Errorf("empty module list")
		}
		name, ok := a[0].(string)
		if !ok {
			return "", nil, fmt.Errorf("module name %v is not a string", a[0])
		}
		return name, a[1:], nil
	}
	return "", nil, fmt.Errorf("unexpected %T", arg)
}

// ResolveValue parses and resolves raw. name is used in error messages.
func (s *Sources) ResolveValue(raw any, name string, allowLoader bool) (any, error) {
	v, err := ParseValue(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	res, err := s.Resolve(v, allowLoader)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return res, nil
}

// Resolve turns a parsed value into a concrete one.
func (s *Sources) Resolve(v Value, allowLoader bool) (any, error) {
	switch val := v.(type) {
	case Literal:
		return val.V, nil
	case List:
		out := make([]any, 0, len(val))
		for _, e := range val {
			r, err := s.Resolve(e, allowLoader)
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		}
		return out, nil
	case Ref:
		return s.sourceURI(val.Name)
	case Var:
		res, ok := s.variables[val.Name]
		if !ok || res == nil {
			return nil, fmt.Errorf("variable %q is not defined", val.Name)
		}
		return res, nil
	case Env:
		res, ok := s.lookupEnv(val.Name)
		if !ok {
			return nil, fmt.Errorf("environment variable %q is not set", val.Name)
		}
		return res, nil
	case ModulePath:
		return s.ModulePath(val.Module, val.Parts...)
	case Loader:
		if !allowLoader {
			return val.raw, nil
		}
		if val.err != nil {
			return nil, fmt.Errorf("loader module name key must be a string or an array of strings: %w", val.err)
		}
		m, ok := s.lookupModule(val.Module)
		if !ok {
			return nil, fmt.Errorf("loader module %q is not installed", val.Module)
		}
		if m.Loader == nil {
			return nil, fmt.Errorf("loader module %q is expected to provide an options loader", val.Module)
		}
		return &LoaderCall{Module: val.Module, Fn: m.Loader, Params: val.Params}, nil
	}
	return nil, fmt.Errorf("unsupported value %T", v)
}

func (s *Sources) sourceURI(id string) (string, error) {
	if _, err := s.GetSourceByID(id, false); err != nil {
		return "", err
	}
	return SourceRefScheme + ":///?ref=" + id, nil
}

// ModulePath returns the directory of an installed module, joined with
// parts.
func (s *Sources) ModulePath(module string, parts ...string) (string, error) {
	m, ok := s.lookupModule(module)
	if !ok {
		return "", fmt.Errorf("module %q is not installed", module)
	}
	dir := m.Dir
	if dir == "" {
		dir = filepath.Join(s.appRoot, "modules", m.Name)
	} else if !filepath.IsAbs(dir) {
		dir = filepath.Join(s.appRoot, dir)
	}
	return filepath.Join(append([]string{dir}, parts...)...), nil
}

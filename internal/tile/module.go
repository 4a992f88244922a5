package tile

import (
	"context"

	"github.com/sirupsen/logrus"
)

// SourceLoader lets a protocol construct the handlers it wraps.
type SourceLoader interface {
	// Load builds a handler from a connection URI such as
	// "sourceref:///?ref=name".
	Load(ctx context.Context, uri string) (Handler, error)
	Logger() logrus.FieldLogger
}

// Protocol constructs a handler for a URI whose scheme it was registered
// under.
type Protocol func(ctx context.Context, uri *URI, loader SourceLoader) (Handler, error)

// Registrar accepts protocol registrations.
type Registrar interface {
	Register(scheme string, p Protocol) error
}

// OptionsLoader updates a source's raw configuration before it is loaded.
// Modules expose one to be referenced with a {loader: name} value.
type OptionsLoader func(opts map[string]any, params []any) error

// Module is a named package of protocols.
type Module struct {
	Name string
	// Dir is where the module keeps its data files.
	Dir      string
	Register func(r Registrar) error
	Loader   OptionsLoader
}

package sources

import (
	"fmt"
	"sort"
	"strings"

	"tileproxy/internal/tile"
)

// Protocols maps URI schemes to handler constructors. Built-in protocols
// and module protocols are registered the same way.
type Protocols struct {
	m map[string]tile.Protocol
}

// NewProtocols returns an empty protocol table.
func NewProtocols() *Protocols {
	return &Protocols{m: make(map[string]tile.Protocol)}
}

func normalizeScheme(scheme string) string {
	return strings.TrimSuffix(strings.ToLower(scheme), ":")
}

// Register adds a protocol. Registering a scheme twice is an error.
func (p *Protocols) Register(scheme string, fn tile.Protocol) error {
	scheme = normalizeScheme(scheme)
	if scheme == "" {
		return fmt.Errorf("protocol scheme is empty")
	}
	if fn == nil {
		return fmt.Errorf("protocol %q has no constructor", scheme)
	}
	if _, ok := p.m[scheme]; ok {
		return fmt.Errorf("protocol %q is already registered", scheme)
	}
	p.m[scheme] = fn
	return nil
}

// Lookup returns the constructor registered for scheme.
func (p *Protocols) Lookup(scheme string) (tile.Protocol, bool) {
	fn, ok := p.m[normalizeScheme(scheme)]
	return fn, ok
}

// Schemes lists registered schemes in order.
func (p *Protocols) Schemes() []string {
	out := make([]string, 0, len(p.m))
	for k := range p.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

package tile

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// URI is a parsed source connection URI. Query and Info may carry values
// resolved from configuration, so they are not limited to strings.
type URI struct {
	Raw    string
	Scheme string
	User   *url.Userinfo
	Host   string
	Path   string
	Query  Params
	// Info is merged into the source's reported metadata by sources that
	// support it.
	Info Info
	// Document holds a templated configuration document, with Base set to
	// the directory it was read from.
	Document []byte
	Base     string
}

// ParseURI parses raw into a URI. Repeated query keys become lists.
func ParseURI(raw string) (*URI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid uri %q: %w", raw, err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("uri %q has no protocol", raw)
	}
	q := make(Params)
	for k, vs := range u.Query() {
		if len(vs) == 1 {
			q[k] = vs[0]
		} else {
			q[k] = vs
		}
	}
	return &URI{
		Raw:    raw,
		Scheme: strings.ToLower(u.Scheme),
		User:   u.User,
		Host:   u.Host,
		Path:   u.Path,
		Query:  q,
		Info:   make(Info),
	}, nil
}

// Values flattens Query into url.Values. Lists are joined with commas.
func (u *URI) Values() url.Values {
	v := make(url.Values, len(u.Query))
	for k := range u.Query {
		if s, ok := u.Query.String(k); ok {
			v.Set(k, s)
			continue
		}
		if list, err := u.Query.Strings(k, 0); err == nil {
			v.Set(k, strings.Join(list, ","))
			continue
		}
		v.Set(k, fmt.Sprint(u.Query[k]))
	}
	return v
}

// String renders the URI without credentials, suitable for logs.
func (u *URI) String() string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	b.WriteString(u.Host)
	b.WriteString(u.Path)
	if len(u.Query) > 0 {
		keys := make([]string, 0, len(u.Query))
		for k := range u.Query {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("?")
		b.WriteString(strings.Join(keys, "&"))
	}
	return b.String()
}

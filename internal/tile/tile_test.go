package tile

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrFilteredMatchesNoTile(t *testing.T) {
	assert.True(t, errors.Is(ErrFiltered, ErrNoTile))
	assert.True(t, errors.Is(ErrFiltered, ErrFiltered))
	assert.False(t, errors.Is(ErrNoTile, ErrFiltered))

	wrapped := fmt.Errorf("layer check: %w", ErrFiltered)
	assert.True(t, IsNoTile(wrapped))
	assert.False(t, IsNoTile(errors.New("boom")))
}

func TestRequestIsTile(t *testing.T) {
	assert.True(t, Request{}.IsTile())
	assert.True(t, Request{Type: TypeTile}.IsTile())
	assert.False(t, Request{Type: TypeGrid}.IsTile())
}

func TestCloneCopiesHeaders(t *testing.T) {
	orig := &Tile{Data: []byte("x"), Headers: http.Header{"Content-Type": {"image/png"}}}
	c := orig.Clone()
	c.Headers.Set("Content-Type", "image/jpeg")
	assert.Equal(t, "image/png", orig.Headers.Get("Content-Type"))
}

func TestCompressRoundTrip(t *testing.T) {
	plain := []byte("some protobuf bytes")
	gz, err := Compress(plain)
	require.NoError(t, err)
	assert.True(t, IsGzipped(gz))

	out, compressed, err := Uncompress(gz)
	require.NoError(t, err)
	assert.True(t, compressed)
	assert.Equal(t, plain, out)

	out, compressed, err = Uncompress(plain)
	require.NoError(t, err)
	assert.False(t, compressed)
	assert.Equal(t, plain, out)
}

func TestParseURI(t *testing.T) {
	u, err := ParseURI("overzoom://?source=sourceref:///?ref=gen&minzoom=3&layers=a&layers=b")
	require.NoError(t, err)
	assert.Equal(t, "overzoom", u.Scheme)

	src, ok := u.Query.String("source")
	require.True(t, ok)
	assert.Equal(t, "sourceref:///?ref=gen", src)

	z, err := u.Query.Int("minzoom", 0, 0, 22)
	require.NoError(t, err)
	assert.Equal(t, 3, z)

	layers, err := u.Query.Strings("layers", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, layers)

	_, err = ParseURI("no-scheme")
	assert.Error(t, err)
}

func TestParams(t *testing.T) {
	p := Params{
		"int":    "7",
		"float":  4.0,
		"frac":   4.5,
		"bool":   "true",
		"list":   "water,land",
		"anys":   []any{"a", "b"},
		"badlst": []any{"a", 3},
		"empty":  "",
	}

	n, err := p.Int("int", 0, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	n, err = p.Int("float", 0, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, err = p.Int("frac", 0, 0, 10)
	assert.Error(t, err)

	_, err = p.Int("int", 0, 8, 10)
	assert.EqualError(t, err, "invalid int param - must be at least 8, but given 7")

	n, err = p.Int("missing", 22, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 22, n)

	b, err := p.Bool("bool")
	require.NoError(t, err)
	assert.True(t, b)

	b, err = p.Bool("missing")
	require.NoError(t, err)
	assert.False(t, b)

	list, err := p.Strings("list", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"water", "land"}, list)

	list, err = p.Strings("anys", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, list)

	_, err = p.Strings("badlst", 0)
	assert.Error(t, err)

	_, err = p.Strings("missing", 1)
	assert.EqualError(t, err, `value "missing" is missing`)

	_, err = p.RequiredString("empty", 1)
	assert.Error(t, err)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "image/png", ContentType(PNG))
	assert.Equal(t, "application/x-protobuf", ContentType(PBF))
	assert.Equal(t, "application/octet-stream", ContentType("bin"))
}

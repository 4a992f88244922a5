package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tileproxy/internal/tile"
)

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	SafeExitInst = new(SafeExit)
	os.Exit(m.Run())
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestInitConf(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "conf.yaml", `
output:
  directory: tiles
  logDir: ""
task:
  workers: 2
breakPoint:
  saveFilePath: bp
`)
	require.NoError(t, InitConf(cfg))
	assert.Equal(t, "tiles", conf.Output.Directory)
	assert.True(t, conf.Output.OutputTerminal)
	assert.Equal(t, 2, conf.Task.Workers)
	assert.Equal(t, 64, conf.Task.BufSize)
	assert.Equal(t, ":8080", conf.Server.Addr)
	assert.Equal(t, "bp", conf.BreakPoint.SaveFilePath)

	assert.Error(t, InitConf(filepath.Join(dir, "missing.yaml")))
}

func TestInitRegistryAndInfo(t *testing.T) {
	dir := t.TempDir()
	tiles := filepath.Join(dir, "tiles")
	require.NoError(t, os.MkdirAll(filepath.Join(tiles, "0", "0"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tiles, "0", "0", "0.png"), []byte("png"), 0o644))

	cfg := writeFile(t, dir, "conf.yaml", fmt.Sprintf(`
modules: [file]
variables:
  tileDir: %q
sources:
  Local:
    uri: file:///
    pathname: {var: tileDir}
    public: true
    maxzoom: 3
  Deep:
    uri: "overzoom://?source=sourceref:///%%3Fref%%3DLocal"
  Broken:
    uri: mbtiles:///nowhere.mbtiles
`, tiles))

	reg, err := InitRegistry(context.Background(), cfg)
	require.NoError(t, err)

	src, err := reg.GetSourceByID("Local", false)
	require.NoError(t, err)
	got, err := src.Handler().Get(context.Background(), tile.Request{Z: 0, X: 0, Y: 0})
	require.NoError(t, err)
	assert.Equal(t, "png", string(got.Data))

	_, err = reg.GetSourceByID("Broken", false)
	assert.Error(t, err)

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	cmd.SetContext(context.Background())
	require.NoError(t, printInfo(cmd, reg, nil))
	assert.Contains(t, out.String(), "Local\tpublic\tfile:///")
	assert.Contains(t, out.String(), `"maxzoom": 3`)
	assert.Contains(t, out.String(), "Deep\tprivate")
	assert.Contains(t, out.String(), "Broken\tdisabled")

	out.Reset()
	require.NoError(t, printInfo(cmd, reg, []string{"Deep"}))
	assert.NotContains(t, out.String(), "Local\t")
	assert.Error(t, printInfo(cmd, reg, []string{"Nope"}))
}

func TestInitRegistryNeedsModules(t *testing.T) {
	cfg := writeFile(t, t.TempDir(), "conf.yaml", "sources: {}\n")
	_, err := InitRegistry(context.Background(), cfg)
	assert.ErrorContains(t, err, "modules")
}

func TestSafeExitRunsInReverse(t *testing.T) {
	var order []int
	s := new(SafeExit)
	s.Register(func() { order = append(order, 1) })
	s.Register(func() { order = append(order, 2) })
	s.Run()
	s.Run()
	assert.Equal(t, []int{2, 1}, order)
}

func TestSampleConfig(t *testing.T) {
	reg, err := InitRegistry(context.Background(), filepath.Join("conf", "conf.yaml"))
	require.NoError(t, err)
	defer reg.Close()

	for _, id := range []string{"osm_upstream", "osm"} {
		src, err := reg.GetSourceByID(id, false)
		require.NoError(t, err, id)
		assert.False(t, src.IsDisabled(), id)
	}
	osm, err := reg.GetSourceByID("osm", false)
	require.NoError(t, err)
	assert.True(t, osm.Public)
}

func TestRegistryPathsFollowConfigDir(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "conf.yaml", `
modules: [mbtiles]
sources:
  World:
    uri: mbtiles://./world.mbtiles?create=true&format=pbf
`)
	reg, err := InitRegistry(context.Background(), cfg)
	require.NoError(t, err)
	defer reg.Close()

	_, err = reg.GetSourceByID("World", false)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "world.mbtiles"))
}

package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTilesFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadTilesWrapped(t *testing.T) {
	path := writeTilesFile(t, `tiles:
  - id: 32TLR
    epsg: 32632
    ulx: 300000
    uly: 5100000
  - id: 33TUM
    epsg: 32633
    ulx: 300000
    uly: 5200000
`)

	reg, err := loadTiles(path)
	require.NoError(t, err)

	tile, ok := reg.Get("32TLR")
	require.True(t, ok)
	assert.Equal(t, 32632, tile.EPSG)
}

func TestLoadTilesBareList(t *testing.T) {
	path := writeTilesFile(t, `- id: 32TLR
  epsg: 32632
  ulx: 300000
  uly: 5100000
`)

	reg, err := loadTiles(path)
	require.NoError(t, err)

	_, ok := reg.Get("32TLR")
	assert.True(t, ok)
}

func TestLoadTilesEmpty(t *testing.T) {
	path := writeTilesFile(t, "tiles: []\n")

	_, err := loadTiles(path)
	assert.Error(t, err)
}

func TestLoadTilesMissingFile(t *testing.T) {
	_, err := loadTiles(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

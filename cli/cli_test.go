package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

func TestNiceSize(t *testing.T) {
	r := require.New(t)

	r.Equal("512b", niceSize(512))
	r.Equal("4.096KB", niceSize(4096))
	r.Equal("1.074GB", niceSize(1<<30))
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "vblk.hcl")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	return path
}

func run(t *testing.T, args ...string) (int, error) {
	t.Helper()

	c, err := NewCLI(hclog.NewNullLogger(), args)
	require.NoError(t, err)

	return c.Run()
}

func TestInspect(t *testing.T) {
	t.Run("memory backend", func(t *testing.T) {
		r := require.New(t)

		path := writeConfig(t, `
backend "memory" {
  block_size = 512
  blocks = 16
  cache_blocks = 4
}
`)

		code, err := run(t, "inspect", "-c", path)
		r.NoError(err)
		r.Zero(code)
	})

	t.Run("bolt backend reports its volume", func(t *testing.T) {
		r := require.New(t)

		dir := t.TempDir()

		path := writeConfig(t, `
backend "bolt" {
  block_size = 1024
  blocks = 64
  path = "`+filepath.Join(dir, "disk.db")+`"
}
`)

		code, err := run(t, "inspect", "--config", path)
		r.NoError(err)
		r.Zero(code)

		_, err = os.Stat(filepath.Join(dir, "disk.db"))
		r.NoError(err)
	})

	t.Run("a missing configuration fails", func(t *testing.T) {
		r := require.New(t)

		code, _ := run(t, "inspect", "-c", filepath.Join(t.TempDir(), "none.hcl"))
		r.NotZero(code)
	})
}

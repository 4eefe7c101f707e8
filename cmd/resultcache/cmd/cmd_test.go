package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aweris/resultcache"
)

func run(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err = rootCmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func seed(t *testing.T, folder string, n int) string {
	t.Helper()
	c := resultcache.New(resultcache.WithRoot(t.TempDir()))
	ctx := context.Background()

	var path string
	for i := 0; i < n; i++ {
		cfg := resultcache.Config{"db_folder": folder, "n": i}
		require.NoError(t, c.Save(ctx, cfg, []int{i, i * i}))
		if path == "" {
			p, _, err := c.Address(cfg)
			require.NoError(t, err)
			path = p
		}
	}
	return path
}

func TestListCommand(t *testing.T) {
	path := seed(t, "sweep", 3)

	stdout, _, err := run(t, "list", path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 3)
	for _, line := range lines {
		key, cfg, ok := strings.Cut(line, "\t")
		require.True(t, ok)
		require.Len(t, key, 64)
		require.Contains(t, cfg, `"db_folder":"sweep"`)
	}
}

func TestListCommandMissingStore(t *testing.T) {
	_, _, err := run(t, "list", t.TempDir()+"/nothing")
	require.ErrorIs(t, err, resultcache.ErrStoreNotFound)
}

func TestPackCommand(t *testing.T) {
	a := seed(t, "a", 2)
	b := seed(t, "b", 2)

	_, stderr, err := run(t, "pack", "--concurrency", "2", a, b)
	require.NoError(t, err)
	require.Contains(t, stderr, "[pack] "+a)
	require.Contains(t, stderr, "[pack] "+b)
	require.Contains(t, stderr, "Done. 2 stores packed.")

	// data survives packing
	stdout, _, err := run(t, "list", a)
	require.NoError(t, err)
	require.Len(t, strings.Split(strings.TrimSpace(stdout), "\n"), 2)
}

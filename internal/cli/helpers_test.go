package cli

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/carlosandia/crm-renove-sub007/internal/store"
)

// testEnv is a scratch directory with a pipeline.yaml pointing every
// backend into it.
type testEnv struct {
	dir    string
	config string
	db     string
}

const baseConfig = `store:
  path: {{dir}}/pipeline.db
snapshot:
  backend: sqlite
  interval: 1h
autosave:
  debounce: 10ms
  max_attempts: 2
  backoff_base: 1ms
  backoff_max: 5ms
log:
  level: debug
  file: {{dir}}/pipeline.log
`

func newTestEnv(t *testing.T, extra ...string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	src := strings.ReplaceAll(baseConfig, "{{dir}}", dir) + strings.Join(extra, "\n")
	te := &testEnv{
		dir:    dir,
		config: filepath.Join(dir, "pipeline.yaml"),
		db:     filepath.Join(dir, "pipeline.db"),
	}
	require.NoError(t, os.WriteFile(te.config, []byte(src), 0o644))
	return te
}

// run executes pipelinectl with args and returns its stdout.
func (te *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return te.runContext(context.Background(), nil, args...)
}

func (te *testEnv) runContext(ctx context.Context, stdin io.Reader, args ...string) (string, error) {
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	if stdin != nil {
		cmd.SetIn(stdin)
	}
	cmd.SetArgs(append(args, "--config", te.config))
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func (te *testEnv) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(te.dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// store opens the scratch database for inspection.
func (te *testEnv) store(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(te.db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

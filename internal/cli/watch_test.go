package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlosandia/crm-renove-sub007/internal/section"
)

type runResult struct {
	out string
	err error
}

func startWatch(t *testing.T, te *testEnv, args ...string) (stop func() runResult) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan runResult, 1)
	go func() {
		out, err := te.runContext(ctx, nil, append([]string{"watch"}, args...)...)
		done <- runResult{out, err}
	}()
	return func() runResult {
		cancel()
		select {
		case r := <-done:
			return r
		case <-time.After(15 * time.Second):
			t.Fatal("watch did not stop")
			return runResult{}
		}
	}
}

func TestWatch_SavesDrafts(t *testing.T) {
	te := newTestEnv(t)
	te.write(t, "drafts/basic.json", `{"name": "Vendas"}`)
	te.write(t, "drafts/notes.txt", "ignored")
	st := te.store(t)

	stop := startWatch(t, te, "rec-1", filepath.Join(te.dir, "drafts"))

	saved := func(n section.Name) func() bool {
		return func() bool {
			_, ok, err := st.LoadSection(context.Background(), "rec-1", n)
			return err == nil && ok
		}
	}
	require.Eventually(t, saved(section.Basic), 5*time.Second, 20*time.Millisecond, "existing draft saved")

	te.write(t, "drafts/fields.json", `{"fields": ["cpf"]}`)
	require.Eventually(t, saved(section.Fields), 5*time.Second, 20*time.Millisecond, "new draft saved")

	r := stop()
	require.NoError(t, r.err, r.out)
	assert.Contains(t, r.out, "Watching")
	assert.Contains(t, r.out, "Stopped. Record rec-1 saved")

	_, ok, err := st.LoadSection(context.Background(), "rec-1", section.Stages)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWatch_Serve(t *testing.T) {
	te := newTestEnv(t, "record_id: rec-2")
	require.NoError(t, os.Mkdir(filepath.Join(te.dir, "drafts"), 0o755))

	stop := startWatch(t, te, filepath.Join(te.dir, "drafts"), "--serve", "127.0.0.1:0")
	time.Sleep(100 * time.Millisecond)
	r := stop()
	require.NoError(t, r.err, r.out)
	assert.Contains(t, r.out, "Serving notifications on ws://127.0.0.1:")
}

func TestWatch_MissingDir(t *testing.T) {
	te := newTestEnv(t)
	_, err := te.run(t, "watch", "rec-1", filepath.Join(te.dir, "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

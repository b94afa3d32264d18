package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync/remote/httpserver"
)

const testSecret = "cli-test-secret"

type cliEnv struct {
	t       *testing.T
	config  string
	dataDir string
	server  *httpserver.Server
}

// newCLIEnv writes a config pointing at a reference server. An empty
// remoteKind leaves the remote unconfigured.
func newCLIEnv(t *testing.T, remoteKind string) *cliEnv {
	t.Helper()

	dir := t.TempDir()
	env := &cliEnv{t: t, dataDir: filepath.Join(dir, "data"), config: filepath.Join(dir, "offlinesync.yaml")}

	yaml := fmt.Sprintf("data_dir: %s\nretry_delay: 0s\nconflict_resolution_strategy: manual\nlog_level: error\n", env.dataDir)
	if remoteKind == "http" {
		env.server = httpserver.New(testSecret)
		ts := httptest.NewServer(env.server.Routes())
		t.Cleanup(ts.Close)
		yaml += fmt.Sprintf("remote:\n  kind: http\n  base_url: %s\n  jwt_secret: %s\n", ts.URL, testSecret)
	}
	require.NoError(t, os.WriteFile(env.config, []byte(yaml), 0o600))
	return env
}

func (e *cliEnv) run(args ...string) (string, error) {
	e.t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (e *cliEnv) mustRun(args ...string) string {
	e.t.Helper()
	out, err := e.run(args...)
	require.NoError(e.t, err, "offlinesync %s", strings.Join(args, " "))
	return out
}

func TestCLI_EntityCommands(t *testing.T) {
	env := newCLIEnv(t, "")

	out := env.mustRun("save", "--id", "n1", "--type", "note", "--priority", "high", "--data", `{"title":"first"}`)
	var saved models.Entity
	require.NoError(t, json.Unmarshal([]byte(out), &saved))
	assert.Equal(t, "n1", saved.ID)
	assert.Equal(t, models.SyncStatusPending, saved.SyncStatus)
	assert.Equal(t, models.PriorityHigh, saved.Priority)
	assert.NotEmpty(t, saved.DeviceID)

	env.mustRun("save", "--id", "n2", "--type", "note", "--data", `{"title":"second"}`)

	var got models.Entity
	require.NoError(t, json.Unmarshal([]byte(env.mustRun("get", "n1")), &got))
	assert.JSONEq(t, `{"title":"first"}`, string(got.Data))

	var list []models.Entity
	require.NoError(t, json.Unmarshal([]byte(env.mustRun("list", "--type", "note")), &list))
	assert.Len(t, list, 2)

	assert.Equal(t, "n1\nn2\n", env.mustRun("queue"))

	var counts map[string]int
	require.NoError(t, json.Unmarshal([]byte(env.mustRun("queue", "--stats")), &counts))
	assert.Equal(t, 2, counts[string(models.SyncStatusPending)])
	assert.Equal(t, 2, counts["total"])

	assert.Contains(t, env.mustRun("delete", "n2"), "deleted n2")
	_, err := env.run("get", "n2")
	require.Error(t, err)
	assert.Equal(t, ExitNotFound, GetExitCode(err))
}

func TestCLI_SaveValidation(t *testing.T) {
	env := newCLIEnv(t, "")

	_, err := env.run("save", "--data", `{}`)
	require.Error(t, err, "missing --type")

	_, err = env.run("save", "--type", "note", "--data", `not json`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalid))
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestCLI_SyncWithoutRemote(t *testing.T) {
	env := newCLIEnv(t, "")
	env.mustRun("save", "--type", "note", "--data", `{}`)

	_, err := env.run("sync")
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, GetExitCode(err))
}

func TestCLI_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_retries: 0\n"), 0o600))

	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", path, "--data-dir", dir, "stats"})
	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, GetExitCode(err))
}

func TestCLI_SyncAndConflicts(t *testing.T) {
	env := newCLIEnv(t, "http")

	env.mustRun("save", "--id", "a", "--type", "note", "--data", `{"v":1}`)
	env.server.Put("b", "other-device", json.RawMessage(`{"v":"theirs"}`))
	env.mustRun("save", "--id", "b", "--type", "note", "--data", `{"v":"mine"}`)

	var res struct {
		Stats models.SyncStats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal([]byte(env.mustRun("sync")), &res))
	assert.Equal(t, 1, res.Stats.Synced)
	assert.Equal(t, 1, res.Stats.Conflicted)

	rec, ok := env.server.Record("a")
	require.True(t, ok)
	assert.JSONEq(t, `{"v":1}`, string(rec.Data))

	var conflicts []models.Conflict
	require.NoError(t, json.Unmarshal([]byte(env.mustRun("conflicts")), &conflicts))
	require.Len(t, conflicts, 1)
	assert.Equal(t, "b", conflicts[0].ID)
	assert.JSONEq(t, `{"v":"theirs"}`, string(conflicts[0].RemotePayload))

	_, err := env.run("resolve", "b", "--strategy", "manual")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalid))

	out := env.mustRun("resolve", "b", "--strategy", "local")
	assert.Contains(t, out, "resolved b with local")

	require.NoError(t, json.Unmarshal([]byte(env.mustRun("sync")), &res))
	assert.Equal(t, 2, res.Stats.Synced)
	assert.Equal(t, 0, res.Stats.UnresolvedConflicts)

	rec, ok = env.server.Record("b")
	require.True(t, ok)
	assert.JSONEq(t, `{"v":"mine"}`, string(rec.Data))

	var stats models.SyncStats
	require.NoError(t, json.Unmarshal([]byte(env.mustRun("stats")), &stats))
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Synced)

	require.NoError(t, json.Unmarshal([]byte(env.mustRun("conflicts", "--all")), &conflicts))
	require.Len(t, conflicts, 1)
	assert.True(t, conflicts[0].Resolved)

	assert.Contains(t, env.mustRun("purge", "--older-than", "1h"), "purged 0")
	_, err = env.run("purge", "--older-than", "0s")
	assert.True(t, errors.Is(err, errors.ErrInvalid))
}

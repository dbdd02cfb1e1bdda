package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestEnv writes a config whose state lives under a temp dir and
// points the global --config at it.
func setupTestEnv(t *testing.T, notifyURL string) (cfgPath, queueDir string) {
	t.Helper()

	dir := t.TempDir()
	queueDir = filepath.Join(dir, "queue")
	cfgPath = filepath.Join(dir, "fedqueue.toml")

	content := fmt.Sprintf(`
[queue]
store = "file"
dir = %q

[runner]
pid_file = %q
workers = 2

[logging]
level = "error"
output = "stderr"

[api]
enabled = false

[prober]
enabled = false

[directory]
type = "static"

[[directory.users]]
uid = 1
nickname = "alice"
name = "Alice"

[[directory.contacts]]
id = 10
uid = 1
name = "Bob"
url = %q
notify = %q
network = "dfrn"
`, queueDir, filepath.Join(dir, "fedqueue.pid"), notifyURL+"/profile/bob", notifyURL+"/dfrn_notify/bob")

	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0600))
	return cfgPath, queueDir
}

func execute(t *testing.T, stdin io.Reader, args ...string) (string, error) {
	t.Helper()

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	if stdin == nil {
		stdin = strings.NewReader("")
	}
	rootCmd.SetIn(stdin)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { configPath = "" })

	err := rootCmd.Execute()
	return buf.String(), err
}

func TestRootCommand(t *testing.T) {
	out, err := execute(t, nil, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "federated peers")
	for _, sub := range []string{"run", "sweep", "queue", "config", "status", "stop"} {
		assert.Contains(t, out, sub)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, nil, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "fedqueue dev")
}

func TestConfigCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "generated.toml")

	out, err := execute(t, nil, "config", "generate", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	out, err = execute(t, nil, "config", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is VALID")
	assert.Contains(t, out, "Queue store: file")

	t.Setenv("FEDQUEUE_CACHE_PASSWORD", "hunter2")
	out, err = execute(t, nil, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "[cache]")
	assert.NotContains(t, out, "hunter2")

	_, err = execute(t, nil, "config", "validate", filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestQueueCommands(t *testing.T) {
	cfgPath, _ := setupTestEnv(t, "https://remote.example")

	out, err := execute(t, nil, "-c", cfgPath, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No entries in queue")

	out, err = execute(t, strings.NewReader("<entry/>"), "-c", cfgPath, "queue", "add", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "Queued entry 1 for contact 10")

	out, err = execute(t, nil, "-c", cfgPath, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "waiting")

	out, err = execute(t, nil, "-c", cfgPath, "queue", "show", "1")
	require.NoError(t, err)
	assert.Contains(t, out, `"payload": "<entry/>"`)
	assert.Contains(t, out, `"contact_id": 10`)

	out, err = execute(t, nil, "-c", cfgPath, "queue", "stats")
	require.NoError(t, err)
	assert.Regexp(t, `Total\s+1`, out)

	out, err = execute(t, nil, "-c", cfgPath, "queue", "delete", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Entry 1 deleted")

	_, err = execute(t, nil, "-c", cfgPath, "queue", "show", "1")
	assert.Error(t, err)

	_, err = execute(t, nil, "-c", cfgPath, "queue", "show", "abc")
	assert.Error(t, err)
}

func TestQueueShowPrintsPayloadVerbatim(t *testing.T) {
	cfgPath, _ := setupTestEnv(t, "https://remote.example")

	payload := `<a href="https://x.example/?a=1&b=2">post</a>`
	_, err := execute(t, strings.NewReader(payload), "-c", cfgPath, "queue", "add", "10")
	require.NoError(t, err)

	out, err := execute(t, nil, "-c", cfgPath, "queue", "show", "1")
	require.NoError(t, err)
	assert.Contains(t, out, `<a href=\"https://x.example/?a=1&b=2\">post</a>`)
	assert.NotContains(t, out, `\u003c`)
	assert.NotContains(t, out, `\u0026`)
}

func TestSweepCommandDeliversSingleEntry(t *testing.T) {
	var posts int32
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/dfrn_notify/bob" {
			atomic.AddInt32(&posts, 1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer remote.Close()

	cfgPath, _ := setupTestEnv(t, remote.URL)

	_, err := execute(t, strings.NewReader("<entry/>"), "-c", cfgPath, "queue", "add", "10")
	require.NoError(t, err)

	start := time.Now()
	out, err := execute(t, nil, "-c", cfgPath, "sweep", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "entry 1: delivered")
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&posts))

	out, err = execute(t, nil, "-c", cfgPath, "sweep", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "entry 1 is not queued")

	out, err = execute(t, nil, "-c", cfgPath, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "due=0")

	_, err = execute(t, nil, "-c", cfgPath, "sweep", "x")
	assert.Error(t, err)
	_, err = execute(t, nil, "-c", cfgPath, "sweep", "1", "2")
	assert.Error(t, err)
}

func TestStatusCommand(t *testing.T) {
	cfgPath, _ := setupTestEnv(t, "https://remote.example")
	pidFile := filepath.Join(filepath.Dir(cfgPath), "fedqueue.pid")

	out, err := execute(t, nil, "-c", cfgPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "not running")

	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644))
	out, err = execute(t, nil, "-c", cfgPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, fmt.Sprintf("running (pid %d)", os.Getpid()))

	require.NoError(t, os.WriteFile(pidFile, []byte("garbage"), 0644))
	_, err = execute(t, nil, "-c", cfgPath, "status")
	assert.Error(t, err)
}

func TestPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "fedqueue.pid")

	require.NoError(t, writePIDFile(path))
	pid, err := readPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	// our own pid is not "another daemon"
	require.NoError(t, writePIDFile(path))

	require.NoError(t, writePIDFile(""))
	_, err = readPIDFile("")
	assert.Error(t, err)
}

package cli

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := NewRootCommand(BuildInfo{Version: "1.2.3", Commit: "abc", Date: "today"})
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), errOut.String(), err
}

func TestVersion(t *testing.T) {
	out, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", gjson.Get(out, "version").String())
	assert.Equal(t, "tracectl", gjson.Get(out, "name").String())
}

func TestSchema(t *testing.T) {
	out, _, err := execute(t, "schema", "--compact")
	require.NoError(t, err)
	assert.Equal(t, demoSourceName, gjson.Get(out, "provider").String())
	assert.True(t, gjson.Get(out, `events.#(name=="RequestStart")`).Exists())
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
sessions:
  - name: demo
    trace_session: 1
    slot: 0
    source: Tracecore-Demo
    level: verbose
`), 0o600))
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`
sessions:
  - name: demo
    trace_session: 1
    slot: 9
    source: Tracecore-Demo
    level: loud
`), 0o600))

	out, _, err := execute(t, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok (1 sessions)")
	assert.Contains(t, out, "slot 0")

	_, errOut, err := execute(t, "validate", bad)
	require.Error(t, err)
	assert.Contains(t, errOut, "slot 9")
	assert.Contains(t, errOut, "loud")

	_, _, err = execute(t, "validate")
	assert.Error(t, err)
}

func TestDemo(t *testing.T) {
	out, errOut, err := execute(t, "demo", "--events", "4", "--listener", "--log-level", "error")
	require.NoError(t, err)

	var events, manifests int
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		require.True(t, gjson.Valid(line), line)
		switch {
		case gjson.Get(line, "manifest").Exists():
			manifests++
			assert.Equal(t, demoSourceName, gjson.Get(line, "manifest.name").String())
		case gjson.Get(line, "id").Int() != 0:
			events++
		}
	}
	assert.Equal(t, 1, manifests)
	// The default profile samples every second request, so only part of the
	// 18 events written reach the session.
	assert.Positive(t, events)
	assert.Less(t, events, 18)

	assert.Contains(t, errOut, "tracectl demo summary")
	assert.Contains(t, errOut, "commands applied:")
	assert.Contains(t, errOut, "handler runs:")
}

func countDemoEvents(t *testing.T, profile string) int {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.toml")
	require.NoError(t, os.WriteFile(path, []byte(profile), 0o600))

	out, _, err := execute(t, "demo", "-p", path, "-n", "2")
	require.NoError(t, err)

	var events int
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if id := gjson.Get(line, "id"); id.Exists() && id.Int() != 0 {
			events++
		}
	}
	return events
}

func TestDemoWithProfile(t *testing.T) {
	events := countDemoEvents(t, `
log_level = "error"

[[sessions]]
name = "all"
trace_session = 3
slot = 1
source = "Tracecore-Demo"
level = "verbose"
keywords = "0x1"
`)
	// Unsampled: both requests write start, forward, detail and stop, and
	// the first also writes a cache hit.
	assert.Equal(t, 9, events)
}

func TestDemoWithoutKeywords(t *testing.T) {
	events := countDemoEvents(t, `
log_level = "error"

[[sessions]]
name = "plain"
trace_session = 3
slot = 1
source = "Tracecore-Demo"
level = "verbose"
`)
	// No keywords enables only events without keywords, so the cache
	// hit is filtered.
	assert.Equal(t, 8, events)
}

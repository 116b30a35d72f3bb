package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/knowmesh/artifact"
	"github.com/BaSui01/knowmesh/registry"
)

// writeConfig writes a minimal node config rooted under dir.
func writeConfig(t *testing.T, dir, id, registryPath string) string {
	t.Helper()
	content := fmt.Sprintf(`node:
  id: %s
  name: %s node
  data_dir: %s
  endpoint: %s
  domains: [ai]
registry:
  path: %s
log:
  level: error
  output_paths: [stderr]
`, id, id, dir, filepath.Join(dir, "exports"), registryPath)
	path := filepath.Join(dir, "knowmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestVersion(t *testing.T) {
	code, out, _ := runCLI(t, "version")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "knowmesh "+Version)
}

func TestRun_MapsExitErrors(t *testing.T) {
	assert.Nil(t, withCode(exitOK, nil))

	err := withCode(exitCritical, nil)
	var ee *exitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, exitCritical, ee.code)

	boom := errors.New("boom")
	assert.ErrorIs(t, withCode(exitUnavailable, boom), boom)
}

func TestHealth_WithoutNodeIDCannotRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: error\n"), 0o600))

	code, _, errOut := runCLI(t, "health", "-c", path)
	assert.Equal(t, exitUnavailable, code)
	assert.Contains(t, errOut, "node.id is required")
}

func TestNodeRegisterAndDiscover(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "node-a", "")

	code, out, _ := runCLI(t, "node", "register", "-c", cfg, "--quality", "0.8")
	require.Equal(t, exitOK, code)
	var n registry.Node
	require.NoError(t, json.Unmarshal([]byte(out), &n))
	assert.Equal(t, "node-a", n.ID)
	assert.Equal(t, 0.8, n.Quality)
	assert.False(t, n.LastSeen.IsZero())

	code, out, _ = runCLI(t, "discover", "-c", cfg, "--domain", "ai")
	require.Equal(t, exitOK, code)
	var nodes []*registry.Node
	require.NoError(t, json.Unmarshal([]byte(out), &nodes))
	require.Len(t, nodes, 1)
	assert.Equal(t, "node-a", nodes[0].ID)

	code, out, _ = runCLI(t, "discover", "-c", cfg, "--capability", "telepathy")
	require.Equal(t, exitOK, code)
	assert.JSONEq(t, "[]", out)

	code, out, _ = runCLI(t, "active", "-c", cfg)
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "node-a")
}

func TestNodeRegister_Peer(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "node-a", "")

	code, out, _ := runCLI(t, "node", "register", "-c", cfg,
		"--id", "node-b", "--name", "Peer B", "--endpoint", "http://b.example:8080",
		"--domain", "physics", "--capability", "query", "--quality", "0.7")
	require.Equal(t, exitOK, code)
	var n registry.Node
	require.NoError(t, json.Unmarshal([]byte(out), &n))
	assert.Equal(t, "node-b", n.ID)
	assert.Equal(t, "http://b.example:8080", n.Endpoint)
	assert.Equal(t, []string{"physics"}, n.Domains, "a peer does not inherit the local identity")

	code, out, _ = runCLI(t, "discover", "-c", cfg, "--domain", "physics")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "node-b")
	assert.NotContains(t, out, "node-a")

	// query capability without domains fails validation
	code, _, _ = runCLI(t, "node", "register", "-c", cfg, "--id", "node-c", "--capability", "query")
	assert.Equal(t, exitWarning, code)
}

func TestDiscover_RequiresExactlyOneSelector(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "node-a", "")
	code, _, errOut := runCLI(t, "discover", "-c", cfg)
	assert.Equal(t, exitWarning, code)
	assert.Contains(t, errOut, "exactly one")

	code, _, _ = runCLI(t, "discover", "-c", cfg, "--domain", "ai", "--capability", "query")
	assert.Equal(t, exitWarning, code)
}

func TestRegistryExportImport(t *testing.T) {
	root := t.TempDir()
	cfgA := writeConfig(t, mkdir(t, root, "a"), "node-a", "")
	cfgB := writeConfig(t, mkdir(t, root, "b"), "node-b", "")

	code, _, _ := runCLI(t, "node", "register", "-c", cfgA)
	require.Equal(t, exitOK, code)

	exported := filepath.Join(root, "registry-a.json")
	code, _, _ = runCLI(t, "registry", "export", "-c", cfgA, "--out", exported)
	require.Equal(t, exitOK, code)
	require.FileExists(t, exported)

	code, out, _ := runCLI(t, "registry", "import", exported, "-c", cfgB)
	require.Equal(t, exitOK, code)
	var stats registry.MergeStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 1, stats.Added)

	code, out, _ = runCLI(t, "discover", "-c", cfgB, "--domain", "ai")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "node-a")
}

func TestRegistryImport_RejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "node-a", "")
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o600))

	code, _, _ := runCLI(t, "registry", "import", bad, "-c", cfg)
	assert.Equal(t, exitWarning, code)
}

func TestArtifactsShareAndImportAcrossNodes(t *testing.T) {
	root := t.TempDir()
	registryPath := filepath.Join(root, "shared-registry.json")
	dirA := mkdir(t, root, "a")
	cfgA := writeConfig(t, dirA, "node-a", registryPath)
	cfgB := writeConfig(t, mkdir(t, root, "b"), "node-b", registryPath)

	store, err := artifact.NewFileStore(filepath.Join(dirA, "artifacts"))
	require.NoError(t, err)
	require.NoError(t, store.Write(context.Background(), &artifact.Artifact{
		ID: "a1", Title: "Routing", Insights: []string{"fan out in parallel"},
		Domain: "ai", Quality: 0.97, Visibility: artifact.VisibilityPublic,
	}))

	for _, cfg := range []string{cfgA, cfgB} {
		code, _, _ := runCLI(t, "node", "register", "-c", cfg)
		require.Equal(t, exitOK, code)
	}

	code, out, _ := runCLI(t, "artifacts", "share", "-c", cfgA)
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, `"exported": 1`)

	code, out, _ = runCLI(t, "artifacts", "request", "-c", cfgB, "--from", "node-a")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "fan out in parallel")

	code, out, _ = runCLI(t, "artifacts", "import", "-c", cfgB, "--from", "node-a")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, `"a1"`)
	assert.FileExists(t, filepath.Join(root, "b", "artifacts", "a1.json"))

	code, _, errOut := runCLI(t, "artifacts", "request", "-c", cfgB)
	assert.Equal(t, exitWarning, code)
	assert.Contains(t, errOut, "--from is required")
}

func TestQuery_NoPeersStillPrintsResult(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "node-a", "")
	code, out, _ := runCLI(t, "query", "how do nodes route?", "-c", cfg)
	assert.Equal(t, exitWarning, code)
	assert.Contains(t, out, "how do nodes route?")
}

func TestHealth_EmptyGraphIsCritical(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "node-a", "")
	code, out, _ := runCLI(t, "health", "-c", cfg)
	assert.Equal(t, exitCritical, code)
	assert.Contains(t, out, `"status": "critical"`)

	reports, err := filepath.Glob(filepath.Join(dir, "reports", "health_*.json"))
	require.NoError(t, err)
	assert.Len(t, reports, 1)
}

func TestIntegrity_Exits(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "node-a", "")
	code, _, errOut := runCLI(t, "integrity", "-c", cfg)
	assert.Equal(t, exitUnavailable, code)
	assert.Contains(t, errOut, "no foundation set")

	withSet := filepath.Join(dir, "with-set.yaml")
	data, err := os.ReadFile(cfg)
	require.NoError(t, err)
	data = append(data, []byte("integrity:\n  version: v1\n  foundation_ids: [core]\n  identity_markers: [knowmesh]\n")...)
	require.NoError(t, os.WriteFile(withSet, data, 0o600))

	code, out, _ := runCLI(t, "integrity", "-c", withSet)
	assert.Equal(t, exitCritical, code)
	assert.Contains(t, out, `"status": "missing"`)
}

func TestPropagateOnce(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "node-a", "")
	code, _, _ := runCLI(t, "node", "register", "-c", cfg)
	require.Equal(t, exitOK, code)

	code, out, _ := runCLI(t, "propagate", "--once", "-c", cfg)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, `"status": "success"`)
	assert.Contains(t, out, `"heartbeat_sent": true`)
}

func TestPropagateOnce_UnregisteredNodeIsPartial(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "node-a", "")
	code, out, _ := runCLI(t, "propagate", "--once", "-c", cfg)
	assert.Equal(t, exitWarning, code)
	assert.Contains(t, out, `"status": "partial"`)
}

func TestProvenanceValidate(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "node-a", "")
	store, err := artifact.NewFileStore(filepath.Join(dir, "artifacts"))
	require.NoError(t, err)
	require.NoError(t, store.Write(context.Background(), &artifact.Artifact{
		ID: "base", Title: "base", Insights: []string{"x"}, Quality: 0.9,
	}))

	code, _, _ := runCLI(t, "provenance", "validate", "-c", cfg)
	assert.Equal(t, exitOK, code)

	require.NoError(t, store.Write(context.Background(), &artifact.Artifact{
		ID: "derived", Title: "derived", Insights: []string{"y"}, Quality: 0.9,
		Trail: []artifact.TrailRef{{ArtifactID: "base"}, {ArtifactID: "gone"}},
	}))
	code, out, _ := runCLI(t, "provenance", "validate", "-c", cfg)
	assert.Equal(t, exitWarning, code)
	assert.Contains(t, out, `"target_id": "gone"`)
}

func mkdir(t *testing.T, parent, name string) string {
	t.Helper()
	dir := filepath.Join(parent, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return dir
}

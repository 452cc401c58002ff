package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns what it wrote to stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cfgFile, logLevel, exportOut = "", "", ""
	configForce = false
	stopTimeout = 30

	cmd := GetRootCmd()
	resetBoolFlags(cmd)

	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// resetBoolFlags clears --help and --version, which cobra leaves set between runs.
func resetBoolFlags(cmd *cobra.Command) {
	for _, name := range []string{"help", "version"} {
		if f := cmd.Flags().Lookup(name); f != nil {
			_ = f.Value.Set("false")
		}
	}
	for _, c := range cmd.Commands() {
		resetBoolFlags(c)
	}
}

// writeTestConfig writes a config rooted in a temp dir and returns its path.
func writeTestConfig(t *testing.T, overrides map[string]interface{}) (string, string) {
	t.Helper()
	dataDir := t.TempDir()

	cfg := map[string]interface{}{
		"data_dir": dataDir,
		"embedding": map[string]interface{}{
			"provider":   "hash",
			"dimension":  32,
			"cache_size": 0,
		},
		"logging": map[string]interface{}{
			"level":   "debug",
			"console": false,
		},
	}
	for k, v := range overrides {
		cfg[k] = v
	}

	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dataDir, "memorygraph.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, dataDir
}

const testSnapshot = `{
  "version": 1,
  "entities": [
    {"id": "npc:bartender", "kind": "npc"},
    {"id": "player:alex", "kind": "player"}
  ],
  "facts": [
    {"id": "f1", "who": "npc:bartender", "about": "player:alex", "scene": "tavern",
     "type": "debt", "text": "Alex still owes two silver.", "tags": ["debt"], "weight": 0.7},
    {"id": "f2", "who": "npc:bartender", "about": "player:alex",
     "text": "Alex tipped well last week.", "tags": ["friendly"], "weight": 0.4}
  ]
}`

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotpersona/pkg/persona"
)

func runRootCommandForTest(args ...string) (string, error) {
	root := buildRootCommand(false)
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// isolateHome points the config and store at a temp dir.
func isolateHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DOTPERSONA_CONFIG", filepath.Join(dir, "config.json"))
	t.Setenv("DOTPERSONA_STORE_PATH", filepath.Join(dir, "persona.db"))
	t.Setenv("DOTPERSONA_PERSONA_BASELINE_DIR", filepath.Join(dir, "baselines"))
	return dir
}

func TestCLIHelp(t *testing.T) {
	cases := []struct {
		args []string
		want []string
	}{
		{
			args: []string{"--help"},
			want: []string{"onboard", "chat", "gateway", "status", "blueprint", "detect", "drift", "ledger", "transcript", "rules", "version", "--debug"},
		},
		{
			args: []string{"blueprint", "--help"},
			want: []string{"build", "show", "history"},
		},
		{
			args: []string{"drift", "--help"},
			want: []string{"check", "history"},
		},
		{
			args: []string{"blueprint", "build", "--help"},
			want: []string{"--construct", "--callsign", "--baseline", "--no-baseline"},
		},
	}

	for _, tc := range cases {
		output, err := runRootCommandForTest(tc.args...)
		if err != nil {
			t.Fatalf("execute command %v: %v\nOutput:\n%s", tc.args, err, output)
		}
		for _, w := range tc.want {
			assert.Contains(t, output, w, "help for %v", tc.args)
		}
	}

	output, err := runRootCommandForTest("--help")
	require.NoError(t, err)
	assert.NotContains(t, output, "docs")
}

func TestCLIVersionAndMissingSubcommand(t *testing.T) {
	output, err := runRootCommandForTest("--version")
	require.NoError(t, err)
	assert.Contains(t, output, "dotpersona dev")

	_, err = runRootCommandForTest()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a subcommand is required")
}

func writePatterns(t *testing.T, dir string) string {
	t.Helper()
	sets := []persona.PatternSet{
		{
			Source:      "harbor-1",
			ConstructID: "nova",
			Callsign:    "001",
			Confidence:  0.8,
			SpeechPatterns: []persona.SpeechPattern{
				{Type: persona.SpeechVocabulary, Pattern: "stellar", Frequency: 6},
				{Type: persona.SpeechPunctuation, Pattern: "!", Frequency: 9},
			},
		},
		{
			Source:      "harbor-2",
			ConstructID: "nova",
			Callsign:    "001",
			Confidence:  0.7,
			SpeechPatterns: []persona.SpeechPattern{
				{Type: persona.SpeechVocabulary, Pattern: "stellar", Frequency: 2},
			},
		},
	}
	data, err := json.Marshal(sets)
	require.NoError(t, err)
	path := filepath.Join(dir, "patterns.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestBlueprintBuildShowHistory(t *testing.T) {
	dir := isolateHome(t)
	patterns := writePatterns(t, dir)

	output, err := runRootCommandForTest("blueprint", "build", "--construct", "nova", "--callsign", "001", patterns)
	require.NoError(t, err, output)
	assert.Contains(t, output, "✓ Built nova-001 revision 1")
	assert.Contains(t, output, "Pattern sets: 2")
	assert.NotContains(t, output, "Baseline: merged")

	output, err = runRootCommandForTest("blueprint", "build", "--construct", "nova", "--callsign", "001", patterns)
	require.NoError(t, err, output)
	assert.Contains(t, output, "revision 2")

	output, err = runRootCommandForTest("blueprint", "show", "nova", "001")
	require.NoError(t, err, output)
	var bp persona.Blueprint
	require.NoError(t, json.Unmarshal([]byte(output), &bp))
	assert.Equal(t, "nova", bp.ConstructID)
	assert.True(t, bp.HasSpeechPattern(persona.SpeechVocabulary, "stellar"))

	_, err = runRootCommandForTest("blueprint", "show", "nova", "001", "--revision", "9")
	require.Error(t, err)

	output, err = runRootCommandForTest("blueprint", "history", "nova", "001")
	require.NoError(t, err, output)
	assert.Contains(t, output, "r2")
	assert.Contains(t, output, "r1")
	if strings.Index(output, "r2") > strings.Index(output, "r1") {
		t.Fatalf("history should list newest first:\n%s", output)
	}
}

func TestBlueprintBuild_ExplicitBaselineMustExist(t *testing.T) {
	dir := isolateHome(t)
	patterns := writePatterns(t, dir)

	_, err := runRootCommandForTest("blueprint", "build", "--construct", "nova", "--callsign", "001",
		"--baseline", filepath.Join(dir, "missing.json"), patterns)
	require.Error(t, err)

	baseline := filepath.Join(dir, "baselines", "nova.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(baseline), 0o755))
	require.NoError(t, os.WriteFile(baseline, []byte(`{"construct_id":"nova","callsign":"001","traits":["curious"]}`), 0o644))

	output, err := runRootCommandForTest("blueprint", "build", "--construct", "nova", "--callsign", "001", patterns)
	require.NoError(t, err, output)
	assert.Contains(t, output, "Baseline: merged")
	assert.Contains(t, output, "curious")
}

func TestDriftCheckAndHistory(t *testing.T) {
	dir := isolateHome(t)
	patterns := writePatterns(t, dir)

	_, err := runRootCommandForTest("drift", "check", "--construct", "nova", "--callsign", "001", "Hello!")
	require.Error(t, err, "no blueprint yet")

	_, err = runRootCommandForTest("blueprint", "build", "--construct", "nova", "--callsign", "001", patterns)
	require.NoError(t, err)

	output, err := runRootCommandForTest("drift", "check", "--construct", "nova", "--callsign", "001", "As an AI, I cannot feel the sea.")
	require.NoError(t, err, output)
	var det persona.DriftDetection
	require.NoError(t, json.Unmarshal([]byte(output), &det))
	assert.True(t, det.Detected)
	assert.Equal(t, persona.SeverityHigh, det.Severity)

	output, err = runRootCommandForTest("drift", "history")
	require.NoError(t, err)
	assert.Contains(t, output, "No drift recorded.")
}

func TestLedgerTranscriptAndDetect(t *testing.T) {
	isolateHome(t)

	_, err := runRootCommandForTest("ledger", "add", "--subject", "discord:42", "--kind", "diary", "hello")
	require.Error(t, err)

	output, err := runRootCommandForTest("ledger", "add", "--subject", "discord:42", "--construct", "nova", "--callsign", "001",
		"--kind", "anchor", "--significance", "0.9", "Nova calls Devon captain")
	require.NoError(t, err, output)
	assert.Contains(t, output, "✓ Ledger entry")

	output, err = runRootCommandForTest("ledger", "list", "discord:42")
	require.NoError(t, err, output)
	assert.Contains(t, output, "Nova calls Devon captain")
	assert.Contains(t, output, "nova-001")

	output, err = runRootCommandForTest("transcript", "add", "harbor-night", "--subject", "discord:42",
		"--construct", "nova", "--callsign", "001", "--messages", "40")
	require.NoError(t, err, output)
	assert.Contains(t, output, "attributed to nova-001")

	output, err = runRootCommandForTest("detect", "--subject", "discord:42")
	require.NoError(t, err, output)
	var sig persona.PersonaSignal
	require.NoError(t, json.Unmarshal([]byte(output), &sig))
	assert.NotEmpty(t, sig.ConstructID)
	assert.Nil(t, sig.Blueprint)
}

func TestRulesCheck(t *testing.T) {
	isolateHome(t)

	output, err := runRootCommandForTest("rules", "check")
	require.NoError(t, err, output)
	assert.Contains(t, output, "built-in defaults")
	assert.Contains(t, output, "meta-leak patterns")

	_, err = runRootCommandForTest("rules", "check", filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestOnboardWritesConfig(t *testing.T) {
	dir := isolateHome(t)

	var out bytes.Buffer
	require.NoError(t, onboard(&out, strings.NewReader(""), false))
	assert.Contains(t, out.String(), "dotpersona is ready!")
	assert.FileExists(t, filepath.Join(dir, "config.json"))
	assert.DirExists(t, filepath.Join(dir, "baselines"))

	out.Reset()
	require.NoError(t, onboard(&out, strings.NewReader("n\n"), false))
	assert.Contains(t, out.String(), "Aborted.")

	output, err := runRootCommandForTest("status")
	require.NoError(t, err, output)
	assert.Contains(t, output, "Config:")
	assert.Contains(t, output, "Credentials: not set")
	assert.Contains(t, output, "Discord: disabled")
}

func TestDocsGenerateAndCheck(t *testing.T) {
	out := t.TempDir()
	rootFactory := func() *cobra.Command { return buildRootCommand(false) }

	require.NoError(t, generateDocumentation(rootFactory, out, false))
	require.NoError(t, generateDocumentation(rootFactory, out, true))

	configRef, err := os.ReadFile(filepath.Join(out, "reference", "config.md"))
	require.NoError(t, err)
	assert.Contains(t, string(configRef), "| `gateway.port` | `int` | `DOTPERSONA_GATEWAY_PORT` | `18791` |")
	assert.Contains(t, string(configRef), "`persona.constructs`")

	providerRef, err := os.ReadFile(filepath.Join(out, "reference", "providers.md"))
	require.NoError(t, err)
	assert.Contains(t, string(providerRef), "## `gemini`")
	assert.Contains(t, string(providerRef), "DOTPERSONA_PROVIDERS_OPENAI_API_KEY")

	assert.FileExists(t, filepath.Join(out, "reference", "cli", "dotpersona_blueprint_build.md"))

	require.NoError(t, os.WriteFile(filepath.Join(out, "reference", "config.md"), []byte("stale"), 0o644))
	err = generateDocumentation(rootFactory, out, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config.md")
}

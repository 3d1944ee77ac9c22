package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CVMHW/roger/internal/domain"
	"github.com/CVMHW/roger/internal/lexicon"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	lexiconPath = ""
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCmd()
	registered := make(map[string]bool)
	for _, c := range root.Commands() {
		registered[c.Name()] = true
	}
	assert.True(t, registered["check"])
	assert.True(t, registered["lexicon"])
}

func TestCheckCrisisJSON(t *testing.T) {
	out, err := execute(t, "check",
		"--input", "I want to kill myself",
		"--candidate", "That sounds difficult. What else is going on?",
		"--json")
	require.NoError(t, err)

	var got struct {
		Text        string             `json:"text"`
		Diagnostics domain.Diagnostics `json:"diagnostics"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.True(t, got.Diagnostics.CrisisInput)
	assert.True(t, lexicon.MustDefault().HasCrisisResource(got.Text), got.Text)
}

func TestCheckWithHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- role: user
  text: Hi
- role: agent
  text: Would you like to tell me more about your week?
`), 0o600))

	out, err := execute(t, "check",
		"--input", "It was fine.",
		"--candidate", "Would you like to tell me more about your week?",
		"--history", path)
	require.NoError(t, err)
	assert.Contains(t, out, "final action:")
	assert.Contains(t, out, "repetition")
}

func TestCheckRejectsBadHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- role: narrator\n  text: Once upon a time\n"), 0o600))

	_, err := execute(t, "check", "--input", "Hi", "--candidate", "Hello.", "--history", path)
	assert.ErrorContains(t, err, "unknown role")
}

func TestCheckRequiresInput(t *testing.T) {
	_, err := execute(t, "check", "--candidate", "Hello.")
	assert.Error(t, err)
}

func TestLexiconValidate(t *testing.T) {
	out, err := execute(t, "lexicon", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Lexicon valid: embedded default")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("version: 1\nemotions: [\n"), 0o600))
	_, err = execute(t, "lexicon", "validate", "--file", bad)
	assert.Error(t, err)
}

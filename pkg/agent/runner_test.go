package agent

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/taskhive/pkg/config"
)

// shRunner builds a CLIRunner around an inline shell script. Tests that
// need a real subprocess skip when no shell is available.
func shRunner(t *testing.T, script string, maxOutput int64) *CLIRunner {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	return NewCLIRunner(&config.RunnerConfig{
		Command:        []string{"sh", "-c", script},
		MaxOutputBytes: maxOutput,
	})
}

func TestCLIRunner_ResultEnvelope(t *testing.T) {
	r := shRunner(t, `cat > /dev/null; printf '%s' '{"type":"result","subtype":"success","is_error":false,"result":"All tests pass.","duration_ms":1234,"num_turns":3,"total_cost_usd":0.05,"usage":{"input_tokens":100,"output_tokens":50}}'`, 0)

	result, err := r.Run(context.Background(), RunRequest{TaskID: "CD-001", Prompt: "fix it"})
	require.NoError(t, err)

	assert.Equal(t, "All tests pass.", result.Output)
	assert.Empty(t, result.Handoffs)
	assert.False(t, result.Truncated)

	require.NotNil(t, result.Usage)
	assert.Equal(t, int64(100), result.Usage.InputTokens)
	assert.Equal(t, int64(50), result.Usage.OutputTokens)
	assert.Equal(t, 0.05, result.Usage.CostUSD)
	assert.Equal(t, int64(1234), result.Usage.DurationMS)
	assert.Equal(t, 3, result.Usage.NumTurns)
}

func TestCLIRunner_PlainTextFallback(t *testing.T) {
	r := shRunner(t, `cat > /dev/null; echo "I fixed the bug."`, 0)

	result, err := r.Run(context.Background(), RunRequest{TaskID: "CD-002", Prompt: "fix it"})
	require.NoError(t, err)

	assert.Equal(t, "I fixed the bug.", result.Output)
	assert.Nil(t, result.Usage)
}

func TestCLIRunner_PromptOnStdin(t *testing.T) {
	r := shRunner(t, `cat`, 0)

	result, err := r.Run(context.Background(), RunRequest{TaskID: "CD-003", Prompt: "the full prompt text"})
	require.NoError(t, err)
	assert.Equal(t, "the full prompt text", result.Output)
}

func TestCLIRunner_Environment(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := NewCLIRunner(&config.RunnerConfig{
		Command: []string{"sh", "-c", `cat > /dev/null; printf '%s %s' "$TASKHIVE_TASK_ID" "$TASKHIVE_TEST_MARKER"`},
		Env:     map[string]string{"TASKHIVE_TEST_MARKER": "marker-value"},
	})

	result, err := r.Run(context.Background(), RunRequest{TaskID: "CD-004", Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "CD-004 marker-value", result.Output)
}

func TestCLIRunner_WorkingDir(t *testing.T) {
	dir := t.TempDir()
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)

	r := shRunner(t, `cat > /dev/null; pwd`, 0)
	result, err := r.Run(context.Background(), RunRequest{TaskID: "CD-005", Prompt: "x", WorkingDir: dir})
	require.NoError(t, err)
	assert.Equal(t, resolved, result.Output)
}

func TestCLIRunner_ExitError(t *testing.T) {
	r := shRunner(t, `cat > /dev/null; echo "boom: disk full" >&2; exit 3`, 0)

	_, err := r.Run(context.Background(), RunRequest{TaskID: "CD-006", Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "runner exited abnormally")
	assert.Contains(t, err.Error(), "boom: disk full")
}

func TestCLIRunner_ErrorEnvelope(t *testing.T) {
	r := shRunner(t, `cat > /dev/null; printf '%s' '{"type":"result","subtype":"error_during_execution","is_error":true,"result":"context limit exceeded\nsecond line detail"}'`, 0)

	_, err := r.Run(context.Background(), RunRequest{TaskID: "CD-007", Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent reported failure (error_during_execution)")
	assert.Contains(t, err.Error(), "context limit exceeded")
	assert.NotContains(t, err.Error(), "second line detail")
}

func TestCLIRunner_ContextTimeout(t *testing.T) {
	r := shRunner(t, `sleep 30`, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	started := time.Now()
	_, err := r.Run(ctx, RunRequest{TaskID: "CD-008", Prompt: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), 10*time.Second, "process should be killed, not awaited")
}

func TestCLIRunner_OutputCap(t *testing.T) {
	script := `cat > /dev/null
i=0
while [ $i -lt 100 ]; do printf 'xxxxxxxxxx'; i=$((i+1)); done`
	r := shRunner(t, script, 64)

	result, err := r.Run(context.Background(), RunRequest{TaskID: "CD-009", Prompt: "x"})
	require.NoError(t, err)
	assert.True(t, result.Truncated)
	assert.Len(t, result.Output, 64)
}

func TestCLIRunner_DirectivesInEnvelope(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	reply := "Implemented the parser.\n\n```json\n" +
		`{"handoffs":[{"title":"Verify parser","task_type":"verify","assigned_to":"verifier"}],"decision":"route to verification","reasoning":"fresh code needs review"}` +
		"\n```"
	envelope, err := json.Marshal(map[string]any{
		"type":     "result",
		"subtype":  "success",
		"is_error": false,
		"result":   reply,
		"usage":    map[string]int64{"input_tokens": 10, "output_tokens": 20},
	})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "envelope.json")
	require.NoError(t, os.WriteFile(path, envelope, 0o644))

	r := NewCLIRunner(&config.RunnerConfig{
		Command: []string{"sh", "-c", `cat > /dev/null; cat "$ENVELOPE_FILE"`},
		Env:     map[string]string{"ENVELOPE_FILE": path},
	})

	result, err := r.Run(context.Background(), RunRequest{TaskID: "CD-010", Prompt: "x"})
	require.NoError(t, err)

	assert.Equal(t, "Implemented the parser.", result.Output)
	require.Len(t, result.Handoffs, 1)
	assert.Equal(t, "Verify parser", result.Handoffs[0].Title)
	assert.Equal(t, "verify", result.Handoffs[0].TaskType)
	assert.Equal(t, "verifier", result.Handoffs[0].AssignedTo)
	assert.Equal(t, "route to verification", result.Decision)
	assert.Equal(t, "fresh code needs review", result.Reasoning)
}

func TestParseRunnerOutput(t *testing.T) {
	t.Run("envelope with usage", func(t *testing.T) {
		result, err := parseRunnerOutput(`{"type":"result","subtype":"success","is_error":false,"result":"done","total_cost_usd":1.5,"usage":{"input_tokens":7,"output_tokens":9}}`)
		require.NoError(t, err)
		assert.Equal(t, "done", result.Output)
		require.NotNil(t, result.Usage)
		assert.Equal(t, int64(7), result.Usage.InputTokens)
		assert.Equal(t, 1.5, result.Usage.CostUSD)
	})

	t.Run("error envelope", func(t *testing.T) {
		_, err := parseRunnerOutput(`{"type":"result","subtype":"budget","is_error":true,"result":"out of budget"}`)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "budget")
		assert.Contains(t, err.Error(), "out of budget")
	})

	t.Run("plain text", func(t *testing.T) {
		result, err := parseRunnerOutput("  just some prose\n")
		require.NoError(t, err)
		assert.Equal(t, "just some prose", result.Output)
		assert.Nil(t, result.Usage)
	})

	t.Run("non-result json treated as prose", func(t *testing.T) {
		result, err := parseRunnerOutput(`{"type":"other","text":"hello"}`)
		require.NoError(t, err)
		assert.Equal(t, `{"type":"other","text":"hello"}`, result.Output)
		assert.Nil(t, result.Usage)
	})
}

func TestParseDirectives(t *testing.T) {
	tests := []struct {
		name         string
		text         string
		wantHandoffs int
		wantDecision string
		wantOutput   string
	}{
		{
			name: "fenced block stripped from output",
			text: "I built the thing.\n\n```json\n" +
				`{"handoffs":[{"title":"Check it","task_type":"verify","assigned_to":"verifier"}]}` +
				"\n```",
			wantHandoffs: 1,
			wantOutput:   "I built the thing.",
		},
		{
			name:         "bare json reply",
			text:         `{"decision":"skip the refactor","reasoning":"out of scope"}`,
			wantDecision: "skip the refactor",
			wantOutput:   "",
		},
		{
			name:       "malformed json left in place",
			text:       "Summary.\n```json\n{not valid json\n```",
			wantOutput: "Summary.\n```json\n{not valid json\n```",
		},
		{
			name:       "unrelated json object kept as prose",
			text:       "Numbers below.\n```json\n{\"count\": 4}\n```",
			wantOutput: "Numbers below.\n```json\n{\"count\": 4}\n```",
		},
		{
			name:       "no block at all",
			text:       "Nothing to report.",
			wantOutput: "Nothing to report.",
		},
		{
			name: "last block wins",
			text: "```json\n{\"example\": true}\n```\nThen the real one:\n```json\n" +
				`{"decision":"ship it"}` + "\n```",
			wantDecision: "ship it",
			wantOutput:   "```json\n{\"example\": true}\n```\nThen the real one:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, output := parseDirectives(tt.text)
			assert.Len(t, d.Handoffs, tt.wantHandoffs)
			assert.Equal(t, tt.wantDecision, d.Decision)
			assert.Equal(t, tt.wantOutput, output)
		})
	}
}

func TestNewCLIRunner_Validation(t *testing.T) {
	assert.Panics(t, func() { NewCLIRunner(nil) })
	assert.Panics(t, func() { NewCLIRunner(&config.RunnerConfig{}) })

	// A zero output cap falls back to the default rather than capping
	// at nothing.
	r := NewCLIRunner(&config.RunnerConfig{Command: []string{"true"}})
	assert.Equal(t, config.DefaultRunnerConfig().MaxOutputBytes, r.cfg.MaxOutputBytes)
}

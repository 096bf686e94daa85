package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskhive/taskhive/pkg/board"
	"github.com/taskhive/taskhive/pkg/config"
)

// stderrCap bounds how much runner stderr is retained for error
// reporting.
const stderrCap = 8 << 10

// Directives is the machine-readable block an agent may append to its
// reply: downstream handoffs to create, and an optional decision-log
// entry. The block is a fenced ```json object (or the entire reply,
// when the agent answers with bare JSON).
type Directives struct {
	Handoffs  []board.Handoff `json:"handoffs,omitempty"`
	Decision  string          `json:"decision,omitempty"`
	Reasoning string          `json:"reasoning,omitempty"`
}

// CLIRunner invokes the configured agent CLI as a subprocess: prompt on
// stdin, result envelope on stdout. It understands the CLI's JSON
// result envelope and falls back to treating stdout as plain text for
// commands that do not emit one.
type CLIRunner struct {
	cfg *config.RunnerConfig
	log *slog.Logger
}

// NewCLIRunner creates a runner from the given configuration.
func NewCLIRunner(cfg *config.RunnerConfig) *CLIRunner {
	if cfg == nil {
		panic("agent.NewCLIRunner: cfg must not be nil")
	}
	if len(cfg.Command) == 0 {
		panic("agent.NewCLIRunner: cfg.Command must not be empty")
	}
	maxOut := cfg.MaxOutputBytes
	if maxOut <= 0 {
		maxOut = config.DefaultRunnerConfig().MaxOutputBytes
	}
	normalized := *cfg
	normalized.MaxOutputBytes = maxOut
	return &CLIRunner{
		cfg: &normalized,
		log: slog.With("component", "runner"),
	}
}

// Run executes one invocation. The process is killed when ctx expires;
// the returned error then wraps ctx.Err() so callers can distinguish a
// timeout from a process failure.
func (r *CLIRunner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	invocationID := uuid.New().String()
	log := r.log.With("task_id", req.TaskID, "invocation_id", invocationID)

	cmd := exec.CommandContext(ctx, r.cfg.Command[0], r.cfg.Command[1:]...)
	cmd.Dir = req.WorkingDir
	cmd.Stdin = strings.NewReader(req.Prompt)

	stdout := &cappedBuffer{max: r.cfg.MaxOutputBytes}
	stderr := &cappedBuffer{max: stderrCap}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	env := os.Environ()
	for k, v := range r.cfg.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"TASKHIVE_TASK_ID="+req.TaskID,
		"TASKHIVE_INVOCATION_ID="+invocationID,
	)
	cmd.Env = env

	// Close the I/O pipes shortly after the kill: an orphaned grandchild
	// holding stdout open must not block Wait forever.
	cmd.WaitDelay = 5 * time.Second

	started := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(started)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("runner killed after %v: %w", elapsed.Round(time.Millisecond), ctxErr)
	}
	if runErr != nil {
		return nil, fmt.Errorf("runner exited abnormally: %w%s", runErr, stderrTail(stderr))
	}

	result, err := parseRunnerOutput(stdout.String())
	if err != nil {
		return nil, fmt.Errorf("runner output: %w%s", err, stderrTail(stderr))
	}
	result.Truncated = stdout.truncated
	if result.Truncated {
		log.Warn("runner output truncated", "cap_bytes", r.cfg.MaxOutputBytes)
	}

	log.Info("runner finished",
		"duration", elapsed.Round(time.Millisecond),
		"handoffs", len(result.Handoffs))
	return result, nil
}

// cliEnvelope is the JSON result object the agent CLI prints on stdout
// when run with a JSON output format.
type cliEnvelope struct {
	Type         string  `json:"type"`
	Subtype      string  `json:"subtype"`
	IsError      bool    `json:"is_error"`
	Result       string  `json:"result"`
	DurationMS   int64   `json:"duration_ms"`
	NumTurns     int     `json:"num_turns"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	Usage        struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// parseRunnerOutput interprets stdout: a recognized result envelope
// yields result text plus usage; anything else is taken verbatim as the
// agent's output. Either way the text is scanned for a directive block.
func parseRunnerOutput(raw string) (*RunResult, error) {
	text := strings.TrimSpace(raw)

	var env cliEnvelope
	if err := json.Unmarshal([]byte(text), &env); err == nil && env.Type == "result" {
		if env.IsError {
			return nil, fmt.Errorf("agent reported failure (%s): %s", env.Subtype, firstLine(env.Result))
		}
		result := buildResult(env.Result)
		result.Usage = &Usage{
			InputTokens:  env.Usage.InputTokens,
			OutputTokens: env.Usage.OutputTokens,
			CostUSD:      env.TotalCostUSD,
			DurationMS:   env.DurationMS,
			NumTurns:     env.NumTurns,
		}
		return result, nil
	}

	return buildResult(text), nil
}

// buildResult splits the agent's reply into prose output and directives.
func buildResult(text string) *RunResult {
	directives, output := parseDirectives(text)
	return &RunResult{
		Output:    output,
		Handoffs:  directives.Handoffs,
		Decision:  directives.Decision,
		Reasoning: directives.Reasoning,
	}
}

// parseDirectives extracts the last fenced ```json block (or a bare
// JSON reply) when it decodes to a directive object carrying at least
// one handoff or a decision. The block is removed from the returned
// text. Malformed or unrelated JSON is left in place: the agent's prose
// is never silently dropped.
func parseDirectives(text string) (Directives, string) {
	const fence = "```json"

	if idx := strings.LastIndex(text, fence); idx >= 0 {
		rest := text[idx+len(fence):]
		if end := strings.Index(rest, "```"); end >= 0 {
			var d Directives
			block := rest[:end]
			if err := json.Unmarshal([]byte(block), &d); err == nil && !d.empty() {
				remainder := text[:idx] + rest[end+3:]
				return d, strings.TrimSpace(remainder)
			}
		}
	}

	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		var d Directives
		if err := json.Unmarshal([]byte(trimmed), &d); err == nil && !d.empty() {
			return d, ""
		}
	}

	return Directives{}, trimmed
}

func (d Directives) empty() bool {
	return len(d.Handoffs) == 0 && d.Decision == ""
}

// stderrTail formats captured stderr for inclusion in an error message.
func stderrTail(buf *cappedBuffer) string {
	s := strings.TrimSpace(buf.String())
	if s == "" {
		return ""
	}
	return "; stderr: " + firstLine(s)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// cappedBuffer retains at most max bytes and discards the rest, so a
// runaway runner cannot exhaust memory. Write never errors: the process
// keeps running, only its tail output is dropped.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int64
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remain := b.max - int64(b.buf.Len())
	if remain <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > remain {
		b.buf.Write(p[:remain])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string { return b.buf.String() }

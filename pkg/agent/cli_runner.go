package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// Default invocation bounds, used when the request leaves them zero.
const (
	DefaultTimeout           = 60 * time.Minute
	DefaultInactivityTimeout = 10 * time.Minute
)

// maxScanTokenSize bounds a single stream-json line. Agent turns can embed
// whole files, so the default bufio limit of 64KiB is far too small.
const maxScanTokenSize = 10 * 1024 * 1024

// CLIRunner implements Runner by spawning the claude CLI. The command
// factory is injectable so tests can substitute a scripted subprocess.
type CLIRunner struct {
	binary string

	// cmdFactory builds the exec.Cmd for a request. Defaults to the real
	// claude CLI invocation; tests override it.
	cmdFactory func(ctx context.Context, req Request) *exec.Cmd
}

// NewCLIRunner creates a CLIRunner that spawns the given binary
// ("claude" when empty).
func NewCLIRunner(binary string) *CLIRunner {
	if binary == "" {
		binary = "claude"
	}
	r := &CLIRunner{binary: binary}
	r.cmdFactory = r.defaultCmd
	return r
}

// SetCmdFactory replaces the command factory (for tests).
func (r *CLIRunner) SetCmdFactory(f func(ctx context.Context, req Request) *exec.Cmd) {
	r.cmdFactory = f
}

// defaultCmd builds the production claude -p invocation.
func (r *CLIRunner) defaultCmd(ctx context.Context, req Request) *exec.Cmd {
	args := []string{"-p", req.Prompt, "--output-format", "stream-json", "--verbose"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	cmd := exec.CommandContext(ctx, r.binary, args...) //nolint:gosec // args are daemon-built, not user input
	cmd.Dir = req.WorkDir
	return cmd
}

// streamEvent is the subset of claude stream-json events the runner reads.
type streamEvent struct {
	Type      string  `json:"type"`
	Subtype   string  `json:"subtype"`
	SessionID string  `json:"session_id"`
	Result    string  `json:"result"`
	NumTurns  int     `json:"num_turns"`
	CostUSD   float64 `json:"total_cost_usd"`
	IsError   bool    `json:"is_error"`
	Usage     struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// streamParser accumulates the fields the engine needs from the event stream.
type streamParser struct {
	sessionID string
	result    *Result
	isError   bool
}

func (p *streamParser) feed(line []byte) {
	var ev streamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return // non-JSON noise on stdout is ignored
	}
	if ev.SessionID != "" {
		p.sessionID = ev.SessionID
	}
	if ev.Type == "result" {
		p.isError = ev.IsError
		p.result = &Result{
			Response:  ev.Result,
			SessionID: p.sessionID,
			Usage: Usage{
				InputTokens:  ev.Usage.InputTokens,
				OutputTokens: ev.Usage.OutputTokens,
				NumTurns:     ev.NumTurns,
				CostUSD:      ev.CostUSD,
			},
		}
	}
}

// Run executes the agent once. The subprocess gets its own process group so
// a timeout kill takes down the whole tree (claude + node + shell children).
func (r *CLIRunner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}
	if req.InactivityTimeout <= 0 {
		req.InactivityTimeout = DefaultInactivityTimeout
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := r.cmdFactory(runCtx, req)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}

	lines := make(chan []byte, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxScanTokenSize)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			lines <- line
		}
	}()

	totalTimer := time.NewTimer(req.Timeout)
	defer totalTimer.Stop()
	inactTimer := time.NewTimer(req.InactivityTimeout)
	defer inactTimer.Stop()

	var parser streamParser
	for {
		select {
		case <-ctx.Done():
			r.killAndReap(cmd, lines)
			return nil, ctx.Err()

		case <-totalTimer.C:
			r.killAndReap(cmd, lines)
			return nil, &TimeoutError{Kind: TimeoutTotal, After: req.Timeout}

		case <-inactTimer.C:
			r.killAndReap(cmd, lines)
			return nil, &TimeoutError{Kind: TimeoutInactivity, After: req.InactivityTimeout}

		case line, ok := <-lines:
			if !ok {
				return finish(cmd, &parser, &stderr)
			}
			parser.feed(line)
			if !inactTimer.Stop() {
				select {
				case <-inactTimer.C:
				default:
				}
			}
			inactTimer.Reset(req.InactivityTimeout)
		}
	}
}

// finish reaps the exited subprocess and converts the parsed stream into a
// Result or an ExecError.
func finish(cmd *exec.Cmd, parser *streamParser, stderr *bytes.Buffer) (*Result, error) {
	if err := cmd.Wait(); err != nil {
		return nil, &ExecError{Err: err, Stderr: stderr.String()}
	}
	if parser.result == nil {
		return nil, &ExecError{Err: fmt.Errorf("agent stream ended without a result event"), Stderr: stderr.String()}
	}
	if parser.isError {
		return nil, &ExecError{Err: fmt.Errorf("agent reported error result: %s", parser.result.Response)}
	}
	return parser.result, nil
}

// killAndReap kills the subprocess group, drains the line channel, and
// reaps the process so no zombie is left behind.
func (r *CLIRunner) killAndReap(cmd *exec.Cmd, lines <-chan []byte) {
	if cmd.Process != nil {
		// Negative PID signals the whole process group.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	go func() {
		for range lines {
		}
	}()
	_ = cmd.Wait()
}

// Package agent invokes the coding agent as a subprocess: the prompt goes in
// on stdin, the structured result comes back as JSON on stdout. A mockOutputs
// table short-circuits the subprocess for tests and dry runs.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/kevin-mind/nopo-steward/pkg/actions"
	"github.com/kevin-mind/nopo-steward/pkg/metrics"
)

var (
	// ErrAgentFailure marks a non-zero exit or unusable output. Recoverable:
	// the action fails, the dispatch continues per the fatal flag.
	ErrAgentFailure = errors.New("agent invocation failed")
	// ErrAgentTimeout marks a wall-clock overrun.
	ErrAgentTimeout = errors.New("agent invocation timed out")
)

// DefaultTimeout bounds one sub-invocation.
const DefaultTimeout = 5 * time.Minute

// Request is one agent invocation.
type Request struct {
	Kind actions.AgentKind
	// Variant distinguishes parallel personas of the same kind; it suffixes
	// the mock key ("grooming/pm").
	Variant     string
	IssueNumber int
	PromptVars  map[string]string
	// MockOutputs maps "kind" or "kind/variant" to a canned JSON output.
	MockOutputs map[string]string
}

// mock finds the canned output for this request: the variant-specific key
// wins, the plain kind key is the fallback.
func (r Request) mock() (string, bool) {
	if r.Variant != "" {
		if raw, ok := r.MockOutputs[string(r.Kind)+"/"+r.Variant]; ok {
			return raw, true
		}
	}
	raw, ok := r.MockOutputs[string(r.Kind)]
	return raw, ok
}

// Invoker runs the agent and returns the kind's parsed output.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Output, error)
}

// Config configures the subprocess invoker.
type Config struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// Subprocess is the production Invoker: one fresh process per invocation.
type Subprocess struct {
	cfg Config
	log *slog.Logger
}

// New creates a subprocess invoker.
func New(cfg Config) *Subprocess {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Subprocess{
		cfg: cfg,
		log: slog.Default().With("component", "agent"),
	}
}

// Invoke runs one invocation. Mocks win over the subprocess; the context
// bounds the wall clock on top of the configured timeout.
func (s *Subprocess) Invoke(ctx context.Context, req Request) (*Output, error) {
	if raw, ok := req.mock(); ok {
		metrics.AgentInvocationsTotal.WithLabelValues(string(req.Kind), "mocked").Inc()
		return parseOutput(req.Kind, []byte(raw))
	}
	if _, ok := agentPrompts[req.Kind]; !ok {
		return nil, fmt.Errorf("%w: no prompt for kind %q", ErrAgentFailure, req.Kind)
	}

	prompt, err := renderPrompt(req)
	if err != nil {
		return nil, fmt.Errorf("%w: render prompt: %v", ErrAgentFailure, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, s.cfg.Command, s.cfg.Args...)
	cmd.Stdin = bytes.NewReader(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	elapsed := time.Since(start)
	metrics.AgentDuration.WithLabelValues(string(req.Kind)).Observe(elapsed.Seconds())

	log := s.log.With("kind", req.Kind, "issue", req.IssueNumber, "elapsed", elapsed)
	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		metrics.AgentInvocationsTotal.WithLabelValues(string(req.Kind), "timeout").Inc()
		log.Warn("agent timed out")
		return nil, fmt.Errorf("%w after %s", ErrAgentTimeout, s.cfg.Timeout)
	case runErr != nil:
		metrics.AgentInvocationsTotal.WithLabelValues(string(req.Kind), "error").Inc()
		log.Warn("agent failed", "error", runErr, "stderr", truncate(stderr.String(), 2048))
		return nil, fmt.Errorf("%w: %v", ErrAgentFailure, runErr)
	}

	out, err := parseOutput(req.Kind, stdout.Bytes())
	if err != nil {
		metrics.AgentInvocationsTotal.WithLabelValues(string(req.Kind), "error").Inc()
		return nil, err
	}
	metrics.AgentInvocationsTotal.WithLabelValues(string(req.Kind), "ok").Inc()
	log.Info("agent completed")
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

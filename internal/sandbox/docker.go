package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/dataloop/internal/agent"
	"github.com/ashureev/dataloop/internal/container"
	"github.com/ashureev/dataloop/internal/dataset"
	"github.com/ashureev/dataloop/internal/domain"
)

const resultMarker = "@@dataloop-result "

// pythonPrelude is prepended to every snippet. It gives code a read-only
// query helper over the mounted dataset and a way to hand back structured values.
const pythonPrelude = `import json as _dl_json, os as _dl_os, sqlite3 as _dl_sqlite3
DATASET_PATH = _dl_os.environ.get("DATASET_PATH", "")
def query(sql, limit=1000):
    if not DATASET_PATH:
        raise RuntimeError("no dataset is attached to this chat")
    con = _dl_sqlite3.connect("file:" + DATASET_PATH + "?mode=ro", uri=True)
    try:
        cur = con.execute(sql)
        cols = [d[0] for d in (cur.description or [])]
        return {"columns": cols, "rows": [list(r) for r in cur.fetchmany(limit)]}
    finally:
        con.close()
def chart(kind, title, spec):
    return {"chart": {"type": kind, "title": title, "spec": spec}}
def result(value):
    print("\n` + resultMarker + `" + _dl_json.dumps(value, default=str))
`

// DockerConfig configures a DockerSandbox.
type DockerConfig struct {
	Timeout     time.Duration
	OutputLimit int
}

// DockerSandbox runs Python snippets in one long-lived container per chat.
type DockerSandbox struct {
	mgr         container.Manager
	timeout     time.Duration
	outputLimit int
	detector    *FenceDetector
	logger      *slog.Logger

	mu         sync.Mutex
	containers map[string]string // chatID -> containerID
}

var _ agent.Sandbox = (*DockerSandbox)(nil)

// NewDockerSandbox creates a container-backed Python sandbox.
func NewDockerSandbox(mgr container.Manager, cfg DockerConfig, logger *slog.Logger) *DockerSandbox {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &DockerSandbox{
		mgr:         mgr,
		timeout:     cfg.Timeout,
		outputLimit: cfg.OutputLimit,
		detector:    NewFenceDetector("python", "py", "python3"),
		logger:      logger,
		containers:  make(map[string]string),
	}
}

// Instructions implements agent.Sandbox.
func (s *DockerSandbox) Instructions() string {
	return "Write code in Python inside ```python fences. Blocks run as scripts with no network access.\n" +
		"These helpers are predefined:\n" +
		"    query(sql) -> {\"columns\": [...], \"rows\": [[...]]} // SQLite SQL against the dataset, read-only\n" +
		"    chart(kind, title, spec) -> a chart value\n" +
		"    result(value) // hand back a table from query, a chart, a list of dicts or any JSON value\n" +
		"Anything printed is shown as text."
}

// DetectCodeBlocksInStream implements agent.Sandbox.
func (s *DockerSandbox) DetectCodeBlocksInStream(text string) []domain.CodeBlock {
	return s.detector.Detect(text)
}

// FormatResult implements agent.Sandbox.
func (s *DockerSandbox) FormatResult(o domain.ExecutionOutcome) string {
	return FormatOutcome(o)
}

// ValidateCode implements agent.Sandbox. Python is only parsed inside the
// container, so this checks what can be seen from outside: emptiness and
// brackets or triple quotes left open by a truncated stream.
func (s *DockerSandbox) ValidateCode(code string) agent.Validation {
	if strings.TrimSpace(code) == "" {
		return agent.Validation{Error: "empty code block"}
	}
	if pythonUnbalanced(code) {
		return agent.Validation{NeedsCompletion: true, Error: "unbalanced brackets or quotes"}
	}
	return agent.Validation{Valid: true}
}

// ExecuteCode implements agent.Sandbox.
func (s *DockerSandbox) ExecuteCode(ctx context.Context, chatID, code string, ds dataset.Handle) agent.ExecResult {
	started := time.Now()
	elapsed := func() int64 { return time.Since(started).Milliseconds() }

	containerID, err := s.ensure(ctx, chatID)
	if err != nil {
		return agent.ExecResult{Error: fmt.Sprintf("sandbox unavailable: %v", err), ExecutionTimeMs: elapsed()}
	}

	env := []string{"PYTHONUNBUFFERED=1"}
	if ds != nil {
		env = append(env, "DATASET_PATH="+s.mgr.DatasetPath(ds.ID()))
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stdout := NewOutputBuffer(s.outputLimit)
	stderr := NewOutputBuffer(s.outputLimit)
	exitCode, err := s.mgr.Exec(runCtx, containerID, []string{"python3", "-c", pythonPrelude + code}, env, stdout, stderr)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			// The process is still running inside; recycle the container.
			s.StopChat(context.WithoutCancel(ctx), chatID)
			return agent.ExecResult{Error: fmt.Sprintf("execution timed out after %s", s.timeout), ExecutionTimeMs: elapsed()}
		}
		s.forget(chatID)
		return agent.ExecResult{Error: fmt.Sprintf("exec failed: %v", err), ExecutionTimeMs: elapsed()}
	}

	if exitCode != 0 {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = fmt.Sprintf("process exited with code %d", exitCode)
		}
		if out := strings.TrimSpace(stdout.String()); out != "" {
			msg += "\noutput:\n" + out
		}
		return agent.ExecResult{Error: msg, ExecutionTimeMs: elapsed()}
	}

	res, err := parsePythonOutput(stdout.String())
	if err != nil {
		return agent.ExecResult{Error: err.Error(), ExecutionTimeMs: elapsed()}
	}
	return agent.ExecResult{Success: true, Result: res, ExecutionTimeMs: elapsed()}
}

func (s *DockerSandbox) ensure(ctx context.Context, chatID string) (string, error) {
	s.mu.Lock()
	id, ok := s.containers[chatID]
	s.mu.Unlock()
	if ok {
		// A cached container may have been killed or removed behind our back.
		running, err := s.mgr.IsRunning(ctx, id)
		if err == nil && running {
			return id, nil
		}
		s.forget(chatID)
	}

	id, err := s.mgr.EnsureContainer(ctx, chatID)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.containers[chatID] = id
	s.mu.Unlock()
	return id, nil
}

func (s *DockerSandbox) forget(chatID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.containers[chatID]
	delete(s.containers, chatID)
	return id
}

// StopChat stops and removes the chat's container, if any.
func (s *DockerSandbox) StopChat(ctx context.Context, chatID string) {
	id := s.forget(chatID)
	if id == "" {
		return
	}
	if err := s.mgr.StopContainer(ctx, id); err != nil {
		s.logger.Warn("Failed to stop sandbox container", "chat_id", chatID, "container_id", id, "error", err)
	}
}

// Close stops every container this sandbox started.
func (s *DockerSandbox) Close(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.containers))
	for chatID := range s.containers {
		ids = append(ids, chatID)
	}
	s.mu.Unlock()
	for _, chatID := range ids {
		s.StopChat(ctx, chatID)
	}
}

// parsePythonOutput splits plain stdout from the last structured result line.
func parsePythonOutput(out string) (*domain.ResultValue, error) {
	idx := strings.LastIndex(out, resultMarker)
	if idx < 0 {
		return domain.TextResult(strings.TrimRight(out, "\n")), nil
	}
	text := strings.TrimRight(out[:idx], "\n")
	payload := out[idx+len(resultMarker):]
	if nl := strings.IndexByte(payload, '\n'); nl >= 0 {
		payload = payload[:nl]
	}

	var raw any
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}

	switch v := raw.(type) {
	case map[string]any:
		if c, ok := v["chart"].(map[string]any); ok {
			chart := &domain.Chart{}
			chart.Type, _ = c["type"].(string)
			chart.Title, _ = c["title"].(string)
			chart.Spec, _ = c["spec"].(map[string]any)
			return domain.ChartResult(chart), nil
		}
		if cols, ok := v["columns"].([]any); ok {
			if rows, ok := v["rows"].([]any); ok {
				return domain.TableResult(columnsTable(cols, rows)), nil
			}
		}
	case []any:
		if objs, ok := objectRows(v); ok {
			return domain.TableResult(rowsToTable(objs)), nil
		}
	}
	return toResult(raw, text), nil
}

func columnsTable(cols, rows []any) *domain.Table {
	t := &domain.Table{Columns: make([]string, len(cols))}
	for i, c := range cols {
		t.Columns[i] = fmt.Sprint(c)
	}
	for _, r := range rows {
		line, ok := r.([]any)
		if !ok {
			line = []any{r}
		}
		t.Rows = append(t.Rows, line)
	}
	return t
}

func objectRows(items []any) ([]map[string]any, bool) {
	if len(items) == 0 {
		return nil, false
	}
	out := make([]map[string]any, len(items))
	for i, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, false
		}
		out[i] = m
	}
	return out, true
}

// pythonUnbalanced reports open brackets or an unterminated triple-quoted
// string, skipping comments and ordinary string literals.
func pythonUnbalanced(code string) bool {
	depth := 0
	for i := 0; i < len(code); i++ {
		c := code[i]
		switch c {
		case '#':
			for i < len(code) && code[i] != '\n' {
				i++
			}
		case '"', '\'':
			if strings.HasPrefix(code[i:], strings.Repeat(string(c), 3)) {
				end := strings.Index(code[i+3:], strings.Repeat(string(c), 3))
				if end < 0 {
					return true
				}
				i += 3 + end + 2
				continue
			}
			for i++; i < len(code) && code[i] != c && code[i] != '\n'; i++ {
				if code[i] == '\\' {
					i++
				}
			}
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		}
	}
	return depth > 0
}

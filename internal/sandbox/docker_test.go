package sandbox

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/dataloop/internal/domain"
)

type fakeManager struct {
	mu       sync.Mutex
	ensured  int
	stopped  []string
	lastCmd  []string
	lastEnv  []string
	stdout   string
	stderr   string
	exitCode int
	block    bool
	dead     bool
}

func (m *fakeManager) EnsureContainer(_ context.Context, chatID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensured++
	return "ctr-" + chatID, nil
}

func (m *fakeManager) StopContainer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, id)
	return nil
}

func (m *fakeManager) IsRunning(context.Context, string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.dead, nil
}

func (m *fakeManager) Exec(ctx context.Context, _ string, cmd, env []string, stdout, stderr io.Writer) (int, error) {
	m.mu.Lock()
	m.lastCmd, m.lastEnv = cmd, env
	block := m.block
	m.mu.Unlock()
	if block {
		<-ctx.Done()
		return -1, ctx.Err()
	}
	_, _ = io.WriteString(stdout, m.stdout)
	_, _ = io.WriteString(stderr, m.stderr)
	return m.exitCode, nil
}

func (m *fakeManager) DatasetPath(id string) string { return "/data/" + id }

func (m *fakeManager) Close() error { return nil }

func TestDockerSandboxExecutesTableResult(t *testing.T) {
	t.Parallel()
	mgr := &fakeManager{stdout: "loading\n" + resultMarker + `{"columns":["n"],"rows":[[3]]}` + "\n"}
	sb := NewDockerSandbox(mgr, DockerConfig{}, nil)

	res := sb.ExecuteCode(context.Background(), "c1", "result(query('select count(*) n from t'))", &fakeDataset{})
	if !res.Success {
		t.Fatalf("ExecuteCode() failed: %s", res.Error)
	}
	if res.Result.Kind != domain.ResultTable || res.Result.Table.Columns[0] != "n" {
		t.Fatalf("result = %+v, want table with column n", res.Result)
	}
	if got := mgr.lastCmd[0]; got != "python3" {
		t.Fatalf("cmd = %v, want python3", mgr.lastCmd)
	}
	if !strings.Contains(mgr.lastCmd[2], "def query(") {
		t.Fatal("script is missing the query helper")
	}
	found := false
	for _, e := range mgr.lastEnv {
		if e == "DATASET_PATH=/data/fake.db" {
			found = true
		}
	}
	if !found {
		t.Fatalf("env = %v, want DATASET_PATH", mgr.lastEnv)
	}

	// Container is reused for the same chat.
	sb.ExecuteCode(context.Background(), "c1", "print(1)", nil)
	if mgr.ensured != 1 {
		t.Fatalf("EnsureContainer called %d times, want 1", mgr.ensured)
	}
}

func TestDockerSandboxNonZeroExit(t *testing.T) {
	t.Parallel()
	mgr := &fakeManager{stderr: "Traceback...\nNameError: name 'x' is not defined\n", exitCode: 1}
	sb := NewDockerSandbox(mgr, DockerConfig{}, nil)

	res := sb.ExecuteCode(context.Background(), "c1", "print(x)", nil)
	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, "NameError") {
		t.Fatalf("error = %q, want traceback", res.Error)
	}
}

func TestDockerSandboxTimeoutRecyclesContainer(t *testing.T) {
	t.Parallel()
	mgr := &fakeManager{block: true}
	sb := NewDockerSandbox(mgr, DockerConfig{Timeout: 50 * time.Millisecond}, nil)

	res := sb.ExecuteCode(context.Background(), "c1", "while True: pass", nil)
	if res.Success || !strings.Contains(res.Error, "timed out") {
		t.Fatalf("result = %+v, want timeout", res)
	}
	if len(mgr.stopped) != 1 || mgr.stopped[0] != "ctr-c1" {
		t.Fatalf("stopped = %v, want [ctr-c1]", mgr.stopped)
	}
}

func TestDockerSandboxReplacesDeadContainer(t *testing.T) {
	t.Parallel()
	mgr := &fakeManager{stdout: "ok\n"}
	sb := NewDockerSandbox(mgr, DockerConfig{}, nil)

	sb.ExecuteCode(context.Background(), "c1", "print('ok')", nil)
	sb.ExecuteCode(context.Background(), "c1", "print('ok')", nil)
	if mgr.ensured != 1 {
		t.Fatalf("ensured = %d, want cached container reused", mgr.ensured)
	}

	mgr.mu.Lock()
	mgr.dead = true
	mgr.mu.Unlock()
	sb.ExecuteCode(context.Background(), "c1", "print('ok')", nil)
	if mgr.ensured != 2 {
		t.Fatalf("ensured = %d, want a new container after the old one died", mgr.ensured)
	}
}

func TestParsePythonOutput(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		out  string
		kind domain.ResultKind
		text string
	}{
		{name: "plain stdout", out: "hello\n", kind: domain.ResultText, text: "hello"},
		{name: "chart", out: resultMarker + `{"chart":{"type":"bar","title":"t","spec":{}}}`, kind: domain.ResultChart},
		{name: "records", out: resultMarker + `[{"a":1},{"a":2}]`, kind: domain.ResultTable},
		{name: "scalar", out: "x\n" + resultMarker + `42`, kind: domain.ResultText, text: "x\n42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePythonOutput(tt.out)
			if err != nil {
				t.Fatalf("parsePythonOutput() error = %v", err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("kind = %s, want %s", got.Kind, tt.kind)
			}
			if tt.text != "" && got.Text != tt.text {
				t.Fatalf("text = %q, want %q", got.Text, tt.text)
			}
		})
	}

	if _, err := parsePythonOutput(resultMarker + "{broken"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestPythonUnbalanced(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"print(1)":                      false,
		"print((1)":                     true,
		"s = ')'":                       false,
		"# (\nx = 1":                    false,
		"doc = \"\"\"open":              true,
		"doc = '''a ( b'''\nprint(doc)": false,
	}
	for code, want := range cases {
		if got := pythonUnbalanced(code); got != want {
			t.Errorf("pythonUnbalanced(%q) = %v, want %v", code, got, want)
		}
	}
}

package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"log/slog"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/dataloop/internal/agent"
	"github.com/ashureev/dataloop/internal/dataset"
	"github.com/ashureev/dataloop/internal/domain"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

const (
	datasetImport  = "dataset"
	defaultTimeout = 30 * time.Second
)

var errNoDataset = errors.New("no dataset is attached to this chat")

// defaultGoImports are the standard packages snippets may import. Anything
// touching the filesystem, network, processes or unsafe memory is excluded.
var defaultGoImports = []string{
	"bytes", "encoding/json", "errors", "fmt", "math", "regexp", "sort",
	"strconv", "strings", "time", "unicode", "unicode/utf8",
}

// GoConfig configures a GoSandbox.
type GoConfig struct {
	Timeout     time.Duration
	OutputLimit int
	Imports     []string
}

// GoSandbox interprets Go snippets with yaegi. A snippet defines
// func Run() (any, error) and may import "dataset" to query the chat's data.
type GoSandbox struct {
	timeout     time.Duration
	outputLimit int
	allowed     map[string]bool
	symbols     interp.Exports
	detector    *FenceDetector
	logger      *slog.Logger
}

var _ agent.Sandbox = (*GoSandbox)(nil)

// NewGoSandbox creates a Go interpreter sandbox.
func NewGoSandbox(cfg GoConfig, logger *slog.Logger) *GoSandbox {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if len(cfg.Imports) == 0 {
		cfg.Imports = defaultGoImports
	}
	allowed := make(map[string]bool, len(cfg.Imports))
	for _, p := range cfg.Imports {
		allowed[p] = true
	}

	// Only expose the allowed subset of the standard library to the interpreter.
	symbols := make(interp.Exports)
	for key, syms := range stdlib.Symbols {
		path := key
		if i := strings.LastIndex(key, "/"); i > 0 {
			path = key[:i]
		}
		if allowed[path] {
			symbols[key] = syms
		}
	}

	return &GoSandbox{
		timeout:     cfg.Timeout,
		outputLimit: cfg.OutputLimit,
		allowed:     allowed,
		symbols:     symbols,
		detector:    NewFenceDetector("go", "golang"),
		logger:      logger,
	}
}

// Instructions implements agent.Sandbox.
func (s *GoSandbox) Instructions() string {
	imports := make([]string, 0, len(s.allowed))
	for p := range s.allowed {
		imports = append(imports, strconv.Quote(p))
	}
	sort.Strings(imports)
	return "Write code in Go inside ```go fences. Each block is a complete file that defines\n" +
		"    func Run() (any, error)\n" +
		"The package clause is optional. Import \"dataset\" to query the data:\n" +
		"    dataset.Query(sql string) (*dataset.Table, error) // SQLite SQL, read-only; Table has Columns and Rows\n" +
		"    dataset.Chart(kind, title string, spec map[string]any) *dataset.ChartSpec\n" +
		"Return a *dataset.Table for tabular results, a chart from dataset.Chart, or any value to show as text.\n" +
		"Allowed imports: " + strings.Join(imports, ", ") + ", \"dataset\"."
}

// DetectCodeBlocksInStream implements agent.Sandbox.
func (s *GoSandbox) DetectCodeBlocksInStream(text string) []domain.CodeBlock {
	return s.detector.Detect(text)
}

// FormatResult implements agent.Sandbox.
func (s *GoSandbox) FormatResult(o domain.ExecutionOutcome) string {
	return FormatOutcome(o)
}

// ValidateCode implements agent.Sandbox.
func (s *GoSandbox) ValidateCode(code string) agent.Validation {
	if strings.TrimSpace(code) == "" {
		return agent.Validation{Error: "empty code block"}
	}
	if unbalanced(code) {
		return agent.Validation{NeedsCompletion: true, Error: "unbalanced brackets"}
	}

	src := wrapPackage(code)
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "snippet.go", src, parser.SkipObjectResolution)
	if err != nil {
		return agent.Validation{Error: err.Error()}
	}

	var forbidden []string
	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			return agent.Validation{Error: "malformed import " + imp.Path.Value}
		}
		if path != datasetImport && !s.allowed[path] {
			forbidden = append(forbidden, path)
		}
	}
	if len(forbidden) > 0 {
		return agent.Validation{Error: "forbidden imports: " + strings.Join(forbidden, ", ")}
	}

	if !definesRun(file) {
		return agent.Validation{Error: "code must define func Run() (any, error)"}
	}
	return agent.Validation{Valid: true}
}

// ExecuteCode implements agent.Sandbox.
func (s *GoSandbox) ExecuteCode(ctx context.Context, chatID, code string, ds dataset.Handle) agent.ExecResult {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out := NewOutputBuffer(s.outputLimit)
	value, err := s.run(ctx, code, ds, out)
	elapsed := time.Since(started).Milliseconds()
	if err != nil {
		s.logger.Debug("go snippet failed", "chat_id", chatID, "error", err)
		msg := err.Error()
		if tail := strings.TrimSpace(out.String()); tail != "" {
			msg += "\noutput:\n" + tail
		}
		return agent.ExecResult{Error: msg, ExecutionTimeMs: elapsed}
	}
	return agent.ExecResult{
		Success:         true,
		Result:          toResult(value, out.String()),
		ExecutionTimeMs: elapsed,
	}
}

func (s *GoSandbox) run(ctx context.Context, code string, ds dataset.Handle, out *OutputBuffer) (any, error) {
	i := interp.New(interp.Options{Stdout: out, Stderr: out})
	if err := i.Use(s.symbols); err != nil {
		return nil, fmt.Errorf("load stdlib symbols: %w", err)
	}
	if err := i.Use(datasetExports(ctx, ds)); err != nil {
		return nil, fmt.Errorf("load dataset symbols: %w", err)
	}

	if _, err := i.EvalWithContext(ctx, wrapPackage(code)); err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	v, err := i.EvalWithContext(ctx, "main.Run")
	if err != nil {
		return nil, fmt.Errorf("Run not found: %w", err)
	}
	fn, ok := v.Interface().(func() (any, error))
	if !ok {
		return nil, errors.New("Run has the wrong signature, want func() (any, error)")
	}

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn()
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("execution timed out: %w", ctx.Err())
	}
}

// ChartSpec is the chart value snippets build with dataset.Chart.
type ChartSpec = domain.Chart

func datasetExports(ctx context.Context, ds dataset.Handle) interp.Exports {
	query := func(q string) (*domain.Table, error) {
		if ds == nil {
			return nil, errNoDataset
		}
		return ds.Query(ctx, q)
	}
	chart := func(kind, title string, spec map[string]any) *domain.Chart {
		return &domain.Chart{Type: kind, Title: title, Spec: spec}
	}
	return interp.Exports{
		datasetImport + "/" + datasetImport: {
			"Query":     reflect.ValueOf(query),
			"Chart":     reflect.ValueOf(chart),
			"Table":     reflect.ValueOf((*domain.Table)(nil)),
			"ChartSpec": reflect.ValueOf((*domain.Chart)(nil)),
		},
	}
}

func toResult(v any, stdout string) *domain.ResultValue {
	stdout = strings.TrimRight(stdout, "\n")
	switch x := v.(type) {
	case nil:
		return domain.TextResult(stdout)
	case *domain.Table:
		return domain.TableResult(x)
	case domain.Table:
		return domain.TableResult(&x)
	case *domain.Chart:
		return domain.ChartResult(x)
	case []map[string]any:
		return domain.TableResult(rowsToTable(x))
	case string:
		return domain.TextResult(joinOutput(stdout, x))
	case error:
		return domain.ErrorResult(x.Error())
	default:
		data, err := json.MarshalIndent(x, "", "  ")
		if err != nil {
			return domain.TextResult(joinOutput(stdout, fmt.Sprint(x)))
		}
		return domain.TextResult(joinOutput(stdout, string(data)))
	}
}

func joinOutput(stdout, value string) string {
	if stdout == "" {
		return value
	}
	return stdout + "\n" + value
}

func rowsToTable(rows []map[string]any) *domain.Table {
	seen := make(map[string]bool)
	var cols []string
	for _, r := range rows {
		for k := range r {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)
	t := &domain.Table{Columns: cols}
	for _, r := range rows {
		line := make([]any, len(cols))
		for i, c := range cols {
			line[i] = r[c]
		}
		t.Rows = append(t.Rows, line)
	}
	return t
}

func wrapPackage(code string) string {
	trimmed := strings.TrimSpace(code)
	if strings.HasPrefix(trimmed, "package ") {
		return code
	}
	return "package main\n\n" + code
}

func definesRun(file *ast.File) bool {
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if ok && fn.Recv == nil && fn.Name.Name == "Run" {
			return true
		}
	}
	return false
}

// unbalanced reports whether code opens more brackets than it closes, which
// usually means the block was cut off mid-stream.
func unbalanced(code string) bool {
	var s scanner.Scanner
	fset := token.NewFileSet()
	file := fset.AddFile("", fset.Base(), len(code))
	s.Init(file, []byte(code), nil, 0)

	depth := 0
	for {
		_, tok, _ := s.Scan()
		switch tok {
		case token.EOF:
			return depth > 0
		case token.LBRACE, token.LPAREN, token.LBRACK:
			depth++
		case token.RBRACE, token.RPAREN, token.RBRACK:
			depth--
		}
	}
}

// Package sandbox executes generated transformation code inside a yaegi
// interpreter. Interpreting instead of compiling keeps untrusted code off the
// host toolchain and makes capability denial enforceable twice over: imports
// are validated textually before execution, and the interpreter only ever
// loads the symbol sets of the allowed packages, so a smuggled capability
// fails inside the isolate too.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/tablemend/tablemend/internal/faults"
	"github.com/tablemend/tablemend/internal/logging"
	"github.com/tablemend/tablemend/internal/types"
)

// driverFunc is the symbol the executor appends to the interpreted program to
// marshal records across the interpreter boundary.
const driverFunc = "__sandboxRun"

// =============================================================================
// CONFIGURATION
// =============================================================================

type Config struct {
	// TimeoutSeconds is the wall-clock budget for one interpreted run.
	TimeoutSeconds int `json:"timeout_seconds"`
	// AllowedImports is the import whitelist. encoding/json must stay on it;
	// the record marshalling driver depends on it.
	AllowedImports []string `json:"allowed_imports"`
}

func DefaultConfig() Config {
	return Config{
		TimeoutSeconds: 5,
		AllowedImports: []string{
			"strings",
			"strconv",
			"fmt",
			"math",
			"regexp",
			"sort",
			"time",
			"bytes",
			"unicode",
			"encoding/json",
			"encoding/base64",
		},
	}
}

// =============================================================================
// EXECUTOR
// =============================================================================

// Executor runs transformation code against record sets. Each run gets a
// fresh interpreter; nothing leaks between invocations.
type Executor struct {
	allowed map[string]bool
	symbols interp.Exports
	timeout time.Duration
}

func NewExecutor(cfg Config) *Executor {
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = DefaultConfig().TimeoutSeconds
	}
	if len(cfg.AllowedImports) == 0 {
		cfg.AllowedImports = DefaultConfig().AllowedImports
	}
	allowed := make(map[string]bool, len(cfg.AllowedImports))
	for _, pkg := range cfg.AllowedImports {
		allowed[pkg] = true
	}
	return &Executor{
		allowed: allowed,
		symbols: filterSymbols(allowed),
		timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
}

// Transform runs code's entry point over records and returns the transformed
// record set. The input slice is never handed to the interpreter directly;
// records cross the boundary as JSON, so caller-held maps cannot be mutated.
func (e *Executor) Transform(ctx context.Context, code, entryPoint string, records []types.Row) ([]types.Row, error) {
	const op = "sandbox.Transform"

	if strings.TrimSpace(code) == "" {
		return nil, faults.New(faults.KindGeneration, op, "no transformation code to execute")
	}
	if entryPoint == "" {
		return nil, faults.New(faults.KindEntryPoint, op, "no entry point name in artifact")
	}
	if err := e.validateImports(code); err != nil {
		return nil, err
	}

	input, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("%s: encoding records: %w", op, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	i := interp.New(interp.Options{})
	if err := i.Use(e.symbols); err != nil {
		return nil, fmt.Errorf("%s: loading interpreter symbols: %w", op, err)
	}

	timer := logging.StartTimer(logging.CategorySandbox, "transform")
	defer timer.Stop()

	if _, err := i.EvalWithContext(runCtx, wrapCode(code)); err != nil {
		return nil, evalFault(op, runCtx, err, "code evaluation failed")
	}

	// The entry point must exist with the agreed shape before anything runs.
	sym, err := i.Eval("main." + entryPoint)
	if err != nil {
		return nil, faults.Wrapf(faults.KindEntryPoint, op, err, "entry point %s not found", entryPoint)
	}
	if _, ok := sym.Interface().(func([]map[string]interface{}) []map[string]interface{}); !ok {
		return nil, faults.New(faults.KindEntryPoint, op,
			"entry point %s has the wrong signature (want func([]map[string]interface{}) []map[string]interface{})", entryPoint)
	}

	driver := fmt.Sprintf(`
import "encoding/json"

func %s(input string) string {
	var records []map[string]interface{}
	if err := json.Unmarshal([]byte(input), &records); err != nil {
		panic(err)
	}
	out, err := json.Marshal(%s(records))
	if err != nil {
		panic(err)
	}
	return string(out)
}`, driverFunc, entryPoint)
	if _, err := i.EvalWithContext(runCtx, driver); err != nil {
		return nil, evalFault(op, runCtx, err, "installing record driver failed")
	}

	// The call itself runs under the context so a wedged transformation is
	// stopped, not abandoned.
	call := fmt.Sprintf("%s(%s)", driverFunc, strconv.Quote(string(input)))
	result, err := i.EvalWithContext(runCtx, call)
	if err != nil {
		return nil, evalFault(op, runCtx, err, "transformation run failed")
	}

	encoded, ok := result.Interface().(string)
	if !ok {
		return nil, fmt.Errorf("%s: driver returned %T, want string", op, result.Interface())
	}
	var transformed []types.Row
	if err := json.Unmarshal([]byte(encoded), &transformed); err != nil {
		return nil, fmt.Errorf("%s: decoding transformed records: %w", op, err)
	}
	logging.SandboxDebug("transformed %d -> %d records via %s", len(records), len(transformed), entryPoint)
	return transformed, nil
}

// RunTable runs one table through the pipeline and packages the outcome as a
// diff. Failures are folded into the result rather than returned; one broken
// table must not sink a multi-table preview.
func (e *Executor) RunTable(ctx context.Context, code, entryPoint, tableName string, rows []types.Row) types.DiffResult {
	original := CopyRows(rows)

	transformed, err := e.Transform(ctx, code, entryPoint, rows)
	if err != nil {
		logging.Sandbox("table %s: %v", tableName, err)
		return types.DiffResult{
			TableName:   tableName,
			Original:    original,
			Transformed: CopyRows(rows),
			Error:       err.Error(),
		}
	}

	return types.DiffResult{
		TableName:      tableName,
		Original:       original,
		Transformed:    transformed,
		RecordsChanged: CountChanges(original, transformed),
	}
}

// =============================================================================
// DIFF COUNTING
// =============================================================================

// CountChanges compares record sets positionally by canonical JSON. Map keys
// marshal sorted, so equal rows encode identically. Surplus or missing rows
// each count as a change, and so does reordering.
func CountChanges(original, transformed []types.Row) int {
	n := len(original)
	if len(transformed) > n {
		n = len(transformed)
	}
	changed := 0
	for i := 0; i < n; i++ {
		if i >= len(original) || i >= len(transformed) {
			changed++
			continue
		}
		before, errB := json.Marshal(original[i])
		after, errA := json.Marshal(transformed[i])
		if errB != nil || errA != nil || string(before) != string(after) {
			changed++
		}
	}
	return changed
}

// CopyRows deep-copies a record set through a JSON round trip.
func CopyRows(rows []types.Row) []types.Row {
	if rows == nil {
		return nil
	}
	encoded, err := json.Marshal(rows)
	if err != nil {
		out := make([]types.Row, len(rows))
		copy(out, rows)
		return out
	}
	var out []types.Row
	if err := json.Unmarshal(encoded, &out); err != nil {
		out = make([]types.Row, len(rows))
		copy(out, rows)
	}
	return out
}

// =============================================================================
// IMPORT VALIDATION
// =============================================================================

// validateImports walks the import statements and rejects anything off the
// whitelist before the interpreter sees the code.
func (e *Executor) validateImports(code string) error {
	const op = "sandbox.validateImports"

	var forbidden []string
	inBlock := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			// The one-line form import ("x") opens and closes on the
			// same line; a spec may ride along either way.
			rest := strings.TrimPrefix(trimmed, "import (")
			if idx := strings.Index(rest, ")"); idx != -1 {
				rest = rest[:idx]
			} else {
				inBlock = true
			}
			if pkg := importPath(rest); pkg != "" && !e.allowed[pkg] {
				forbidden = append(forbidden, pkg)
			}
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock:
			if pkg := importPath(trimmed); pkg != "" && !e.allowed[pkg] {
				forbidden = append(forbidden, pkg)
			}
		case strings.HasPrefix(trimmed, "import "):
			if pkg := importPath(strings.TrimPrefix(trimmed, "import ")); pkg != "" && !e.allowed[pkg] {
				forbidden = append(forbidden, pkg)
			}
		}
	}
	if len(forbidden) > 0 {
		return faults.New(faults.KindSandboxViolation, op,
			"forbidden imports: %s", strings.Join(forbidden, ", "))
	}
	return nil
}

// importPath extracts the quoted path from an import spec line, tolerating
// aliased and comment-trailed forms.
func importPath(spec string) string {
	start := strings.Index(spec, `"`)
	if start == -1 {
		return ""
	}
	rest := spec[start+1:]
	end := strings.Index(rest, `"`)
	if end == -1 {
		return ""
	}
	return rest[:end]
}

// =============================================================================
// SYMBOL FILTERING
// =============================================================================

// filterSymbols restricts stdlib.Symbols to the allowed packages. Symbol keys
// are "importpath/pkgname" (fmt/fmt, encoding/json/json).
func filterSymbols(allowed map[string]bool) interp.Exports {
	filtered := make(interp.Exports, len(allowed))
	for key, symbols := range stdlib.Symbols {
		path := key
		if idx := strings.LastIndex(key, "/"); idx != -1 {
			path = key[:idx]
		}
		if allowed[path] {
			filtered[key] = symbols
		}
	}
	return filtered
}

func wrapCode(code string) string {
	if strings.Contains(code, "package main") {
		return code
	}
	return "package main\n\n" + code
}

// evalFault distinguishes a run stopped by the deadline from code that is
// simply broken. A denied symbol shows up here as an undefined reference,
// which is still a defect of the generated code from the caller's view.
func evalFault(op string, ctx context.Context, err error, msg string) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return faults.Wrapf(faults.KindTimeout, op, err, "execution exceeded its time budget")
	}
	return faults.Wrapf(faults.KindGeneration, op, err, "%s", msg)
}

package script

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/vantiq-ext/execsource/internal/codecache"
	"github.com/vantiq-ext/execsource/internal/connector"
)

// Response payload keys. Naming follows the server-side contract.
const (
	resultsKey = "pythonCallResults"
	infoKey    = "connectorRuntimeInfo"
)

// runScript resolves, compiles, and executes one request, then emits
// either the automatic result response or a taxonomy error. It runs in
// its own task; a panic anywhere below is converted into an error frame
// rather than escaping into the dispatcher.
func (h *Handler) runScript(ctx context.Context, qctx connector.Context, o *options, cache *codecache.Cache, wantInfo bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("script execution panicked", "source", qctx.SourceName,
				"panic", r, "stack", string(debug.Stack()))
			h.sendError(ctx, qctx, connector.NewError(codeRunException,
				"Executing code in the connector resulted in an exception: {0}", fmt.Sprint(r)))
		}
	}()

	totalStart := time.Now()

	var (
		compiled    *goja.Program
		usingCached bool
		cachedNew   bool
		modDate     string
		signature   string
		fauxPath    string
		codeText    = o.code
		compileSecs float64
		didCompile  bool
	)

	switch {
	case o.script != "":
		res, ferr := h.fetchScript(ctx, cache, o.script)
		if ferr != nil {
			h.sendError(ctx, qctx, ferr)
			return
		}
		fauxPath = o.script
		modDate = res.modDate
		if res.cached {
			compiled, _ = res.artifact.(*goja.Program)
			usingCached = compiled != nil
		} else {
			codeText = res.code
		}

	case o.name != "":
		entry, ok := cache.Get(o.name)
		if ok {
			compiled, _ = entry.Artifact.(*goja.Program)
			usingCached = compiled != nil
		}
		fauxPath = o.name
		if !strings.Contains(fauxPath, ".") {
			fauxPath += ".js"
		}
		if o.hasCode {
			signature = contentSignature(codeText)
			if ok && signature != entry.Signature {
				// The code changed for this name; the entry is stale.
				cache.Remove(o.name)
				compiled = nil
				usingCached = false
			}
		}
	}

	if compiled == nil {
		if !o.hasCode && o.script == "" {
			if o.name != "" {
				h.sendError(ctx, qctx, connector.NewError(codeNoCache,
					"No cached code was found for name: {0}.", o.name))
			} else {
				h.sendError(ctx, qctx, connector.NewError(codeNoCode,
					"No code was provided to execute."))
			}
			return
		}

		if fauxPath == "" {
			fauxPath = fmt.Sprintf("code-for-source-%s-%s", h.source(), uuid.NewString())
		}

		compileStart := time.Now()
		program, err := goja.Compile(fauxPath, codeText, false)
		compileSecs = time.Since(compileStart).Seconds()
		didCompile = true
		if err != nil {
			h.sendError(ctx, qctx, compileError(err))
			return
		}
		compiled = program

		if o.name != "" && o.cacheCode && !usingCached {
			cachedNew = true
			entry := codecache.Entry{Artifact: compiled}
			if o.script != "" {
				entry.ModDate = modDate
			} else {
				if signature == "" {
					signature = contentSignature(codeText)
				}
				entry.Signature = signature
			}
			cache.Put(o.name, entry)
		}
	}

	// Execute against a fresh evaluation context with the runtime surface
	// bound in. Preset values are seeded after the baseline snapshot so
	// they appear in collected results, as scripts expect.
	vm := goja.New()
	baseline := globalKeySet(vm)

	surf := newSurface(ctx, h.conn, qctx)
	vm.Set(bindingFile, fauxPath)
	vm.Set(bindingName, "__main__")
	vm.Set(bindingConnection, surf.bindings())
	vm.Set(bindingContext, surf.contextBindings())
	for name, value := range o.presets {
		vm.Set(name, value)
	}

	execStart := time.Now()
	_, runErr := vm.RunProgram(compiled)
	execSecs := time.Since(execStart).Seconds()

	if runErr != nil {
		var soErr *goja.StackOverflowError
		if errors.As(runErr, &soErr) {
			// Resource exhaustion in user code: flag the process so an
			// orchestrator can restart it, then report the failure.
			if err := h.conn.DeclareUnhealthy(); err != nil {
				slog.Error("declare unhealthy failed", "source", qctx.SourceName, "err", err)
			}
		}
		h.sendError(ctx, qctx, executionError(runErr))
		return
	}

	if o.handlesReturn {
		// The script produced its own responses through the surface.
		return
	}

	results := h.collectResults(vm, surf, baseline, o.limit)
	payload := map[string]any{resultsKey: results}
	if wantInfo {
		totalSecs := time.Since(totalStart).Seconds()
		info := map[string]any{
			"using_cached":     usingCached,
			"newCacheEntry":    cachedNew && !usingCached,
			"executionTime":    execSecs,
			"totalTime":        totalSecs,
			"query_time":       totalSecs,
			"currentCacheSize": cache.Len(),
			"cacheCapacity":    cache.Capacity(),
		}
		if o.name != "" {
			info["name"] = o.name
		}
		if didCompile {
			info["compileTime"] = compileSecs
		}
		payload[infoKey] = info
	}

	if err := h.conn.SendQueryResponse(ctx, qctx, connector.QueryComplete, payload); err != nil {
		slog.Error("send query response failed", "source", qctx.SourceName, "err", err)
	}
}

// collectResults gathers the automatic response map: every global the
// script introduced (plus preset values), merged under any setResult
// values, filtered by limitReturnTo, with unserializable values silently
// dropped.
func (h *Handler) collectResults(vm *goja.Runtime, surf *surface, baseline map[string]bool, limit []string) map[string]any {
	wanted := func(name string) bool {
		if limit == nil {
			return true
		}
		for _, l := range limit {
			if l == name {
				return true
			}
		}
		return false
	}

	results := map[string]any{}
	for name, value := range surf.takeResults() {
		if !wanted(name) {
			continue
		}
		if !serializable(value) {
			slog.Debug("skipping unserializable result", "name", name)
			continue
		}
		results[name] = value
	}

	global := vm.GlobalObject()
	for _, name := range global.Keys() {
		if baseline[name] || isInjectedBinding(name) {
			continue
		}
		if _, done := results[name]; done {
			// setResult wins on a name clash.
			continue
		}
		if !wanted(name) {
			continue
		}
		value := global.Get(name)
		if value == nil {
			continue
		}
		exported := value.Export()
		if !serializable(exported) {
			slog.Debug("skipping unserializable global", "name", name)
			continue
		}
		results[name] = exported
	}
	return results
}

func isInjectedBinding(name string) bool {
	switch name {
	case bindingFile, bindingName, bindingConnection, bindingContext:
		return true
	}
	return false
}

// globalKeySet snapshots the names present in a fresh evaluation context
// (built-ins and the like) so result collection only sees what the script
// and its presets introduced.
func globalKeySet(vm *goja.Runtime) map[string]bool {
	keys := vm.GlobalObject().Keys()
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return set
}

// serializable reports whether a value survives JSON encoding; values that
// do not are dropped from results rather than surfaced as errors.
func serializable(v any) bool {
	_, err := json.Marshal(v)
	return err == nil
}

func contentSignature(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// compileError maps an engine compile failure to the compile taxonomy,
// preserving the engine's diagnostic.
func compileError(err error) *connector.Error {
	var syntaxErr *goja.CompilerSyntaxError
	if errors.As(err, &syntaxErr) {
		return connector.NewError(codeCompileSyntax,
			"Compilation resulted in: {0} :: {1}", "SyntaxError", syntaxErr.Error())
	}
	var refErr *goja.CompilerReferenceError
	if errors.As(err, &refErr) {
		return connector.NewError(codeCompileReference,
			"Compilation resulted in: {0} :: {1}", "ReferenceError", refErr.Error())
	}
	return connector.NewError(codeCompileException,
		"Compilation resulted in: {0} :: {1}", fmt.Sprintf("%T", err), err.Error())
}

// executionError maps an engine run failure to the execution taxonomy.
func executionError(err error) *connector.Error {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return connector.NewError(codeExecException,
			"Executing code raised exception: {0} :: {1}", "Exception", exc.String())
	}
	return connector.NewError(codeExecException,
		"Executing code raised exception: {0} :: {1}", fmt.Sprintf("%T", err), err.Error())
}

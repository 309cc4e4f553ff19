package compiler

import (
	"fmt"
	"runtime"
	"sync"

	wasm "github.com/wazc-project/wazc/internal/wasm"
	"go.uber.org/zap"
)

// AssembleModule is the Result Assembler (§4.8): it compiles every function
// body, then stitches in the module's imports, exports, tables, memories,
// globals, tags, and element/data segments, compiling each segment's
// initializer expression as its own tiny zero-argument function through the
// same Emitter pipeline. It also performs the AST-shape checks a complete
// assembler needs that the binary decoder leaves to its callers: every
// element/data segment's table/memory index is range-checked, and every
// tag's function type is checked to have no results.
func AssembleModule(mod *wasm.Module, maxRetained int, threadsEnabled bool, logger *zap.Logger) (*CompiledModule, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := validateTags(mod); err != nil {
		return nil, err
	}
	if err := validateElementSegments(mod); err != nil {
		return nil, err
	}
	if err := validateDataSegments(mod); err != nil {
		return nil, err
	}

	cm := &CompiledModule{Module: mod, StartFunc: mod.StartSection}

	funcs, err := compileFunctionsConcurrently(mod, maxRetained, threadsEnabled, logger)
	if err != nil {
		return nil, err
	}
	cm.Functions = funcs

	cm.Globals = make([]*CompiledGlobal, len(mod.GlobalSection))
	for i, g := range mod.GlobalSection {
		init, err := compileConstExpr(mod, g.Init, g.Type.ValType, maxRetained, threadsEnabled)
		if err != nil {
			return nil, fmt.Errorf("assembling global[%d] initializer: %w", i, err)
		}
		cm.Globals[i] = &CompiledGlobal{Type: g.Type, Init: init}
	}

	cm.Elements = make([]*CompiledElementSegment, len(mod.ElementSection))
	for i, seg := range mod.ElementSection {
		ces := &CompiledElementSegment{Mode: seg.Mode, TableIndex: seg.TableIndex, Init: seg.Init}
		if seg.Mode == wasm.ElementSegmentModeActive {
			off, err := compileConstExpr(mod, seg.OffsetExpr, wasm.ValueTypeI32, maxRetained, threadsEnabled)
			if err != nil {
				return nil, fmt.Errorf("assembling element segment[%d] offset: %w", i, err)
			}
			ces.Offset = off
		}
		cm.Elements[i] = ces
	}

	cm.Data = make([]*CompiledDataSegment, len(mod.DataSection))
	for i, seg := range mod.DataSection {
		cds := &CompiledDataSegment{Mode: seg.Mode, MemoryIndex: seg.MemoryIndex, Init: seg.Init}
		if seg.Mode == wasm.DataSegmentModeActive {
			off, err := compileConstExpr(mod, seg.OffsetExpression, wasm.ValueTypeI32, maxRetained, threadsEnabled)
			if err != nil {
				return nil, fmt.Errorf("assembling data segment[%d] offset: %w", i, err)
			}
			cds.Offset = off
		}
		cm.Data[i] = cds
	}

	return cm, nil
}

// compileFunctionsConcurrently compiles every function body in mod's code
// section on a GOMAXPROCS-sized bounded worker pool: each function's
// compilation only reads mod and writes its own CompiledFunction slot, so
// independent functions can run concurrently with no coordination beyond the
// pool's concurrency cap and the first error winning.
func compileFunctionsConcurrently(mod *wasm.Module, maxRetained int, threadsEnabled bool, logger *zap.Logger) ([]*CompiledFunction, error) {
	n := len(mod.CodeSection)
	out := make([]*CompiledFunction, n)
	if n == 0 {
		return out, nil
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > n {
		workers = n
	}

	funcCount := importedFuncCount(mod)
	jobs := make(chan int)
	errs := make(chan error, workers)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range jobs {
				funcIdx := funcCount + wasm.Index(i)
				cf, err := compileFunction(mod, funcIdx, maxRetained, threadsEnabled)
				if err != nil {
					logger.Warn("function compilation fell back to the release-mode error path",
						zap.Uint32("funcIndex", funcIdx), zap.Error(err))
					errs <- fmt.Errorf("assembling function[%d]: %w", funcIdx, err)
					continue
				}
				logger.Debug("compiled function",
					zap.Uint32("funcIndex", funcIdx),
					zap.Int("bytecodeLen", len(cf.Bytecode)),
					zap.Uint32("frameSize", cf.FrameSize))
				out[i] = cf
			}
		}()
	}

	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	close(errs)

	if err, ok := <-errs; ok {
		return nil, err
	}
	return out, nil
}

// compileConstExpr compiles a module-level initializer (a global's init, or
// an element/data segment's offset expression) as a synthetic zero-argument
// function whose single result is resultType. The binary decoder reduces a
// constant expression to a single opcode plus its immediate bytes, so the
// synthetic body is just that instruction followed by `end`.
func compileConstExpr(mod *wasm.Module, expr *wasm.ConstantExpression, resultType wasm.ValueType, maxRetained int, threadsEnabled bool) (*CompiledFunction, error) {
	body := make([]byte, 0, len(expr.Data)+2)
	body = append(body, expr.Opcode)
	body = append(body, expr.Data...)
	body = append(body, wasm.OpcodeEnd)

	newTypes := make([]*wasm.FunctionType, len(mod.TypeSection)+1)
	copy(newTypes, mod.TypeSection)
	exprTypeIdx := wasm.Index(len(mod.TypeSection))
	newTypes[exprTypeIdx] = &wasm.FunctionType{Results: []wasm.ValueType{resultType}}

	synthetic := &wasm.Module{
		TypeSection:     newTypes,
		ImportSection:   mod.ImportSection,
		FunctionSection: []wasm.Index{exprTypeIdx},
		TableSection:    mod.TableSection,
		MemorySection:   mod.MemorySection,
		GlobalSection:   mod.GlobalSection,
		TagSection:      mod.TagSection,
		CodeSection:     []*wasm.Code{{Body: body}},
	}

	return compileFunction(synthetic, importedFuncCount(mod), maxRetained, threadsEnabled)
}

func validateTags(mod *wasm.Module) error {
	for i, tag := range mod.TagSection {
		if int(tag.Type) >= len(mod.TypeSection) {
			return fmt.Errorf("tag[%d]: type index %d out of range", i, tag.Type)
		}
		if len(mod.TypeSection[tag.Type].Results) != 0 {
			return fmt.Errorf("tag[%d]: exception tag type must have no results", i)
		}
	}
	return nil
}

func validateElementSegments(mod *wasm.Module) error {
	tableCount := importedTableCount(mod) + wasm.Index(len(mod.TableSection))
	for i, seg := range mod.ElementSection {
		if seg.Mode != wasm.ElementSegmentModeActive {
			continue
		}
		if seg.TableIndex >= tableCount {
			return fmt.Errorf("element segment[%d]: table index %d out of range (have %d tables)", i, seg.TableIndex, tableCount)
		}
	}
	return nil
}

func validateDataSegments(mod *wasm.Module) error {
	memCount := importedMemoryCount(mod) + wasm.Index(len(mod.MemorySection))
	for i, seg := range mod.DataSection {
		if seg.Mode != wasm.DataSegmentModeActive {
			continue
		}
		if seg.MemoryIndex >= memCount {
			return fmt.Errorf("data segment[%d]: memory index %d out of range (have %d memories)", i, seg.MemoryIndex, memCount)
		}
	}
	return nil
}

func importedTableCount(mod *wasm.Module) wasm.Index {
	var n wasm.Index
	for _, im := range mod.ImportSection {
		if im.Kind == wasm.ImportKindTable {
			n++
		}
	}
	return n
}

func importedMemoryCount(mod *wasm.Module) wasm.Index {
	var n wasm.Index
	for _, im := range mod.ImportSection {
		if im.Kind == wasm.ImportKindMemory {
			n++
		}
	}
	return n
}

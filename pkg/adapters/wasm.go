package adapters

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/Mindburn-Labs/mandate/pkg/capability"
	"github.com/Mindburn-Labs/mandate/pkg/contracts"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// WasmConfig bounds a hosted module.
type WasmConfig struct {
	// MemoryLimitBytes caps linear memory; 0 means the runtime default.
	MemoryLimitBytes uint64
	// CPUTimeLimit bounds one invocation via context deadline.
	CPUTimeLimit time.Duration
}

// WasmAdapter hosts an externally supplied handler as a WASM module.
// Deny-by-default: no filesystem, no network, no environment, no clock or
// randomness imports. The module reads (initiator || params) from stdin and
// writes its result to stdout; writing the pause sentinel verbatim maps to
// the tagged paused outcome.
type WasmAdapter struct {
	id       uint16
	name     string
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	limits   WasmConfig
}

// NewWasmAdapter compiles the module once and reuses it per invocation.
func NewWasmAdapter(ctx context.Context, id uint16, name string, wasm []byte, cfg WasmConfig) (*WasmAdapter, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg.MemoryLimitBytes > 0 {
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, wasm)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("compile wasm handler %q: %w", name, err)
	}
	return &WasmAdapter{id: id, name: name, runtime: r, compiled: compiled, limits: cfg}, nil
}

func (w *WasmAdapter) ID() uint16   { return w.id }
func (w *WasmAdapter) Name() string { return w.name }

// Close releases the runtime.
func (w *WasmAdapter) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

func (w *WasmAdapter) Execute(ctx context.Context, call *capability.Call) (*capability.Result, error) {
	if w.limits.CPUTimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.limits.CPUTimeLimit)
		defer cancel()
	}

	input := make([]byte, 0, contracts.AddressLen+len(call.Params))
	input = append(input, call.Initiator[:]...)
	input = append(input, call.Params...)

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName(""). // anonymous: concurrent instantiations must not collide
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithStartFunctions("_start")
	// No WithFSConfig, WithSysNanotime, WithRandSource, or env: the module
	// gets stdio and nothing else.

	mod, err := w.runtime.InstantiateModule(ctx, w.compiled, modCfg)
	if err != nil {
		// A zero exit via proc_exit(0) still surfaces as ExitError.
		if exitErr, ok := err.(*sys.ExitError); ok && exitErr.ExitCode() == 0 {
			err = nil
		} else {
			return nil, fmt.Errorf("wasm handler %q: %w (stderr: %s)", w.name, err, stderr.String())
		}
	}
	if mod != nil {
		_ = mod.Close(ctx)
	}

	out := stdout.Bytes()
	if contracts.IsPauseSentinel(out) {
		return capability.Paused("wasm handler signalled retry-later"), nil
	}
	return capability.Completed(out), nil
}

// EstimateFee charges per input byte; hosted modules get no say.
func (w *WasmAdapter) EstimateFee(_ context.Context, req *capability.FeeRequest) (*capability.FeeQuote, error) {
	fee := big.NewInt(10)
	if req.Value != nil {
		fee = new(big.Int).Add(fee, new(big.Int).Rsh(req.Value, 10))
	}
	return &capability.FeeQuote{Fee: fee}, nil
}

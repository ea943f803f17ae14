// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	wazeroapi "github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/axonmq/axonmq/storage"
)

const defaultWasmBudget = 100 * time.Millisecond

// Guest result status bytes.
const (
	wasmStatusForward byte = 0
	wasmStatusDrop    byte = 1
	wasmStatusError   byte = 2
)

// wasmMessage is the JSON form exchanged with guest modules. Payload
// is base64 on the wire; RawPayload carries the payload as a string.
type wasmMessage struct {
	Topic      string            `json:"topic"`
	QoS        byte              `json:"qos"`
	Retain     bool              `json:"retain"`
	Payload    []byte            `json:"payload"`
	RawPayload string            `json:"raw_payload"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Wasm runs a sandboxed guest processor. The guest exports on_message,
// name, version, description, set_instance_id, set_config and an
// allocate function for host-to-guest copies; it imports
// logging.log(level, target, message). Each invocation runs under a
// wall-clock budget; a trap or budget overrun marks the processor
// unhealthy and every later call returns an error outcome.
type Wasm struct {
	instanceID string
	budget     time.Duration

	mu      sync.Mutex
	runtime wazero.Runtime
	module  wazeroapi.Module

	name        string
	version     string
	description string

	unhealthy atomic.Bool
	logger    *slog.Logger
}

type wasmConfig struct {
	Path       string          `json:"path"`
	Cfg        json.RawMessage `json:"cfg"`
	BudgetMsec int             `json:"budget_msec"`
}

// NewWasm creates a sandboxed processor. The guest module is loaded
// and queried for its identity during SetConfig.
func NewWasm(logger *slog.Logger) *Wasm {
	if logger == nil {
		logger = slog.Default()
	}
	return &Wasm{budget: defaultWasmBudget, logger: logger}
}

func (w *Wasm) Name() string {
	if w.name != "" {
		return w.name
	}
	return "wasm"
}

func (w *Wasm) Version() string {
	if w.version != "" {
		return w.version
	}
	return "0.0.0"
}

func (w *Wasm) Description() string {
	if w.description != "" {
		return w.description
	}
	return "sandboxed guest processor"
}

func (w *Wasm) SetInstanceID(id string) {
	w.instanceID = id
	if w.module == nil {
		return
	}
	ctx := context.Background()
	if err := w.callWithBytes(ctx, "set_instance_id", []byte(id)); err != nil {
		w.logger.Warn("guest set_instance_id failed",
			slog.String("processor", w.instanceID), slog.Any("error", err))
	}
}

func (w *Wasm) SetConfig(config json.RawMessage) error {
	var cfg wasmConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return err
	}
	if cfg.BudgetMsec > 0 {
		w.budget = time.Duration(cfg.BudgetMsec) * time.Millisecond
	}

	code, err := os.ReadFile(cfg.Path)
	if err != nil {
		return fmt.Errorf("reading guest module: %w", err)
	}

	ctx := context.Background()
	runtime := wazero.NewRuntimeWithConfig(ctx,
		wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	wasi_snapshot_preview1.MustInstantiate(ctx, runtime)

	_, err = runtime.NewHostModuleBuilder("logging").
		NewFunctionBuilder().
		WithFunc(w.hostLog).
		Export("log").
		Instantiate(ctx)
	if err != nil {
		runtime.Close(ctx)
		return fmt.Errorf("instantiating host logging module: %w", err)
	}

	module, err := runtime.Instantiate(ctx, code)
	if err != nil {
		runtime.Close(ctx)
		return fmt.Errorf("instantiating guest module: %w", err)
	}
	w.runtime = runtime
	w.module = module

	w.name = w.readStringExport(ctx, "name")
	w.version = w.readStringExport(ctx, "version")
	w.description = w.readStringExport(ctx, "description")

	if len(cfg.Cfg) > 0 {
		if err := w.callWithBytes(ctx, "set_config", cfg.Cfg); err != nil {
			return fmt.Errorf("guest set_config: %w", err)
		}
	}
	return nil
}

func (w *Wasm) OnMessage(ctx context.Context, msg *storage.Message) Result {
	if w.unhealthy.Load() {
		return Errf("guest processor %s is unhealthy", w.instanceID)
	}
	if w.module == nil {
		return Errf("guest processor %s not initialized", w.instanceID)
	}

	input, err := json.Marshal(wasmMessage{
		Topic:      msg.Topic,
		QoS:        msg.QoS,
		Retain:     msg.Retain,
		Payload:    msg.Payload,
		RawPayload: string(msg.Payload),
		Metadata:   msg.UserProperties,
	})
	if err != nil {
		return Err(err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, w.budget)
	defer cancel()

	ptr, length, err := w.writeGuest(callCtx, input)
	if err != nil {
		w.markUnhealthy(err)
		return Err(err)
	}

	results, err := w.module.ExportedFunction("on_message").Call(callCtx, ptr, length)
	if err != nil {
		w.markUnhealthy(err)
		return Errf("guest on_message: %v", err)
	}

	out, ok := w.readPacked(results[0])
	if !ok {
		err := fmt.Errorf("guest returned out-of-range result pointer")
		w.markUnhealthy(err)
		return Err(err)
	}
	return w.decodeResult(msg, out)
}

func (w *Wasm) decodeResult(original *storage.Message, out []byte) Result {
	if len(out) == 0 {
		return Errf("guest returned empty result")
	}
	switch out[0] {
	case wasmStatusForward:
		var gm wasmMessage
		if err := json.Unmarshal(out[1:], &gm); err != nil {
			return Errf("guest forward payload: %v", err)
		}
		next := storage.CopyMessage(original)
		next.Topic = gm.Topic
		next.QoS = gm.QoS
		next.Retain = gm.Retain
		next.Payload = gm.Payload
		next.UserProperties = gm.Metadata
		return Forward(next)
	case wasmStatusDrop:
		return Drop()
	case wasmStatusError:
		return Errf("guest error: %s", out[1:])
	default:
		return Errf("guest returned unknown status %d", out[0])
	}
}

// markUnhealthy latches the processor off after a trap, OOM or budget
// overrun. The instance may be in an arbitrary state, so no further
// calls are made.
func (w *Wasm) markUnhealthy(err error) {
	if w.unhealthy.CompareAndSwap(false, true) {
		w.logger.Error("guest processor marked unhealthy",
			slog.String("processor", w.instanceID),
			slog.Any("error", err))
	}
}

// writeGuest copies data into guest memory via the exported allocator.
func (w *Wasm) writeGuest(ctx context.Context, data []byte) (ptr, length uint64, err error) {
	alloc := w.module.ExportedFunction("allocate")
	if alloc == nil {
		return 0, 0, fmt.Errorf("guest does not export allocate")
	}
	results, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, 0, fmt.Errorf("guest allocate: %w", err)
	}
	ptr = results[0]
	if !w.module.Memory().Write(uint32(ptr), data) {
		return 0, 0, fmt.Errorf("guest allocate returned out-of-range pointer")
	}
	return ptr, uint64(len(data)), nil
}

// readPacked splits a guest return value into pointer and length
// halves and reads that memory region.
func (w *Wasm) readPacked(packed uint64) ([]byte, bool) {
	ptr := uint32(packed >> 32)
	length := uint32(packed)
	return w.module.Memory().Read(ptr, length)
}

func (w *Wasm) callWithBytes(ctx context.Context, fn string, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f := w.module.ExportedFunction(fn)
	if f == nil {
		return fmt.Errorf("guest does not export %s", fn)
	}
	ptr, length, err := w.writeGuest(ctx, data)
	if err != nil {
		return err
	}
	_, err = f.Call(ctx, ptr, length)
	return err
}

func (w *Wasm) readStringExport(ctx context.Context, fn string) string {
	f := w.module.ExportedFunction(fn)
	if f == nil {
		return ""
	}
	results, err := f.Call(ctx)
	if err != nil || len(results) == 0 {
		return ""
	}
	out, ok := w.readPacked(results[0])
	if !ok {
		return ""
	}
	return string(out)
}

func (w *Wasm) hostLog(_ context.Context, m wazeroapi.Module, level, tptr, tlen, mptr, mlen uint32) {
	target, _ := m.Memory().Read(tptr, tlen)
	message, _ := m.Memory().Read(mptr, mlen)

	lvl := slog.LevelInfo
	switch level {
	case 0:
		lvl = slog.LevelDebug
	case 2:
		lvl = slog.LevelWarn
	case 3:
		lvl = slog.LevelError
	}
	w.logger.Log(context.Background(), lvl, string(message),
		slog.String("processor", w.instanceID),
		slog.String("target", string(target)))
}

// Close releases the guest runtime.
func (w *Wasm) Close() error {
	if w.runtime != nil {
		return w.runtime.Close(context.Background())
	}
	return nil
}

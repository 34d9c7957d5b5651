package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/ipamctl/ipamctl/pkg/engine"
)

const (
	defaultPluginTimeout = 30 * time.Second

	// defaultMemoryPages caps plugin linear memory at 16MB (64KB pages).
	defaultMemoryPages = 256
)

// PluginConfig carries the runtime limits for WASM handler plugins.
type PluginConfig struct {
	// Timeout bounds one handler call. Zero means 30 seconds.
	Timeout time.Duration

	// MemoryLimitPages caps module memory in 64KB pages. Zero means 256.
	MemoryLimitPages uint32
}

// Plugin is a resource-type handler backed by a WASM module. The module
// exports handler_create, handler_update and handler_delete taking an
// operation as JSON through linear memory and returning a result the same
// way; malloc and free manage the exchange buffers. Calls are serialized:
// a module instance holds one linear memory.
type Plugin struct {
	manifest *Manifest
	runtime  wazero.Runtime
	module   api.Module
	malloc   api.Function
	free     api.Function
	creates  api.Function
	updates  api.Function
	deletes  api.Function
	timeout  time.Duration
	logger   zerolog.Logger

	mu sync.Mutex
	// client is the remote client of the in-flight call, reachable from
	// host functions while mu is held.
	client engine.RemoteClient
}

var _ engine.Handler = (*Plugin)(nil)

// pluginResult is the JSON shape a handler export returns.
type pluginResult struct {
	ResourceID int64                  `json:"resource_id,omitempty"`
	Before     map[string]interface{} `json:"before,omitempty"`
	After      map[string]interface{} `json:"after,omitempty"`
	Error      *pluginError           `json:"error,omitempty"`
}

// pluginError carries a failure out of the module in the engine's
// classification vocabulary.
type pluginError struct {
	Class   string `json:"class"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// NewPlugin instantiates the manifest's WASM module and binds its handler
// exports. The caller owns Close.
func NewPlugin(ctx context.Context, manifest *Manifest, wasmModule []byte, cfg PluginConfig, logger zerolog.Logger) (*Plugin, error) {
	if err := manifest.VerifyChecksum(wasmModule); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultPluginTimeout
	}
	pages := cfg.MemoryLimitPages
	if pages == 0 {
		pages = defaultMemoryPages
	}

	p := &Plugin{
		manifest: manifest,
		timeout:  timeout,
		logger: logger.With().
			Str("component", "plugin").
			Str("plugin", manifest.Metadata.Name).
			Logger(),
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)
	p.runtime = wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, p.runtime); err != nil {
		p.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	if err := p.instantiateHostModule(ctx); err != nil {
		p.runtime.Close(ctx)
		return nil, err
	}

	module, err := p.runtime.Instantiate(ctx, wasmModule)
	if err != nil {
		p.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate plugin module: %w", err)
	}
	p.module = module

	for _, export := range []struct {
		name string
		fn   *api.Function
	}{
		{"malloc", &p.malloc},
		{"free", &p.free},
		{"handler_create", &p.creates},
		{"handler_update", &p.updates},
		{"handler_delete", &p.deletes},
	} {
		f := module.ExportedFunction(export.name)
		if f == nil {
			p.runtime.Close(ctx)
			return nil, fmt.Errorf("plugin module does not export %s", export.name)
		}
		*export.fn = f
	}
	if module.Memory() == nil {
		p.runtime.Close(ctx)
		return nil, fmt.Errorf("plugin module does not export memory")
	}

	return p, nil
}

// Create dispatches the operation to the module's handler_create export.
func (p *Plugin) Create(ctx context.Context, client engine.RemoteClient, op *engine.Operation) (*engine.OperationResult, error) {
	return p.call(ctx, client, p.creates, op)
}

// Update dispatches the operation to the module's handler_update export.
func (p *Plugin) Update(ctx context.Context, client engine.RemoteClient, op *engine.Operation) (*engine.OperationResult, error) {
	return p.call(ctx, client, p.updates, op)
}

// Delete dispatches the operation to the module's handler_delete export.
func (p *Plugin) Delete(ctx context.Context, client engine.RemoteClient, op *engine.Operation) (*engine.OperationResult, error) {
	return p.call(ctx, client, p.deletes, op)
}

// Close releases the module and its runtime.
func (p *Plugin) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.module != nil {
		if err := p.module.Close(ctx); err != nil {
			return fmt.Errorf("failed to close plugin module: %w", err)
		}
		p.module = nil
	}
	if p.runtime != nil {
		if err := p.runtime.Close(ctx); err != nil {
			return fmt.Errorf("failed to close plugin runtime: %w", err)
		}
		p.runtime = nil
	}
	return nil
}

// call runs one handler export with the operation as JSON input.
func (p *Plugin) call(ctx context.Context, client engine.RemoteClient, fn api.Function, op *engine.Operation) (*engine.OperationResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.module == nil {
		return nil, engine.NewPermanentError("plugin already closed", nil).WithCode(engine.ErrCodeInternal)
	}
	p.client = client
	defer func() { p.client = nil }()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	input, err := json.Marshal(op)
	if err != nil {
		return nil, engine.NewPermanentError("marshal operation for plugin", err)
	}
	output, err := p.invoke(ctx, fn, input)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, engine.NewTransientError(
				fmt.Sprintf("plugin %s call timed out", p.manifest.Metadata.Name), err).
				WithCode(engine.ErrCodeTimeout)
		}
		return nil, engine.NewPermanentError(
			fmt.Sprintf("plugin %s call failed", p.manifest.Metadata.Name), err)
	}

	var result pluginResult
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("plugin %s returned malformed result", p.manifest.Metadata.Name), err)
	}
	if result.Error != nil {
		return nil, result.Error.toEngine()
	}
	return &engine.OperationResult{
		ResourceID: result.ResourceID,
		Before:     result.Before,
		After:      result.After,
	}, nil
}

// invoke performs the linear-memory exchange: write input into a buffer
// the module allocates, call the export, read the packed ptr/len result
// and free the module's output buffer.
func (p *Plugin) invoke(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	memory := p.module.Memory()

	var inputPtr uint32
	if len(input) > 0 {
		results, err := p.malloc.Call(ctx, uint64(len(input)))
		if err != nil {
			return nil, fmt.Errorf("malloc failed: %w", err)
		}
		if len(results) == 0 || uint32(results[0]) == 0 {
			return nil, fmt.Errorf("malloc returned no buffer")
		}
		inputPtr = uint32(results[0])
		defer p.free.Call(ctx, uint64(inputPtr))

		if !memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write input to plugin memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(len(input)))
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("handler export returned no result")
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed)
	if outputLen == 0 {
		return []byte("{}"), nil
	}

	output, ok := memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from plugin memory")
	}
	// Copy before freeing: Read returns a view into the module memory.
	copied := make([]byte, len(output))
	copy(copied, output)
	if _, err := p.free.Call(ctx, uint64(outputPtr)); err != nil {
		p.logger.Debug().Err(err).Msg("failed to free plugin output buffer")
	}
	return copied, nil
}

// instantiateHostModule registers the env module the plugin imports:
// remote_get behind the remote:read capability, the mutation trio
// behind remote:write, and an always-available log_message.
func (p *Plugin) instantiateHostModule(ctx context.Context) error {
	builder := p.runtime.NewHostModuleBuilder("env")

	// remote_get(type_ptr, type_len, id) -> packed ptr/len of an
	// {ok, state, error} envelope allocated with the module's malloc.
	// The module frees the buffer. Zero means the host could not answer.
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, typePtr, typeLen uint32, id uint64) uint64 {
			if !p.manifest.HasCapability(CapabilityRemoteRead) {
				return writeEnvelope(ctx, mod, remoteEnvelope{Error: "capability remote:read not granted"})
			}
			typeBytes, ok := mod.Memory().Read(typePtr, typeLen)
			if !ok {
				return writeEnvelope(ctx, mod, remoteEnvelope{Error: "failed to read resource type"})
			}
			if p.client == nil {
				return writeEnvelope(ctx, mod, remoteEnvelope{Error: "no remote client in scope"})
			}
			state, err := p.client.Get(ctx, string(typeBytes), int64(id))
			if err != nil {
				return writeEnvelope(ctx, mod, errorEnvelope(err))
			}
			return writeEnvelope(ctx, mod, remoteEnvelope{OK: true, State: state})
		}).
		Export("remote_get")

	// remote_create(type_ptr, type_len, parent_id, payload_ptr,
	// payload_len) -> {ok, id, error}. The payload is a JSON object of
	// field values, as the engine's client sends them.
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, typePtr, typeLen uint32, parentID uint64, payloadPtr, payloadLen uint32) uint64 {
			resourceType, payload, errEnv := p.readMutation(mod, typePtr, typeLen, payloadPtr, payloadLen)
			if errEnv != nil {
				return writeEnvelope(ctx, mod, *errEnv)
			}
			id, err := p.client.Create(ctx, resourceType, int64(parentID), payload)
			if err != nil {
				return writeEnvelope(ctx, mod, errorEnvelope(err))
			}
			return writeEnvelope(ctx, mod, remoteEnvelope{OK: true, ID: id})
		}).
		Export("remote_create")

	// remote_update(type_ptr, type_len, id, payload_ptr, payload_len)
	// -> {ok, error}.
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, typePtr, typeLen uint32, id uint64, payloadPtr, payloadLen uint32) uint64 {
			resourceType, payload, errEnv := p.readMutation(mod, typePtr, typeLen, payloadPtr, payloadLen)
			if errEnv != nil {
				return writeEnvelope(ctx, mod, *errEnv)
			}
			if err := p.client.Update(ctx, resourceType, int64(id), payload); err != nil {
				return writeEnvelope(ctx, mod, errorEnvelope(err))
			}
			return writeEnvelope(ctx, mod, remoteEnvelope{OK: true})
		}).
		Export("remote_update")

	// remote_delete(type_ptr, type_len, id) -> {ok, error}.
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, typePtr, typeLen uint32, id uint64) uint64 {
			if !p.manifest.HasCapability(CapabilityRemoteWrite) {
				return writeEnvelope(ctx, mod, remoteEnvelope{Error: "capability remote:write not granted"})
			}
			typeBytes, ok := mod.Memory().Read(typePtr, typeLen)
			if !ok {
				return writeEnvelope(ctx, mod, remoteEnvelope{Error: "failed to read resource type"})
			}
			if p.client == nil {
				return writeEnvelope(ctx, mod, remoteEnvelope{Error: "no remote client in scope"})
			}
			if err := p.client.Delete(ctx, string(typeBytes), int64(id)); err != nil {
				return writeEnvelope(ctx, mod, errorEnvelope(err))
			}
			return writeEnvelope(ctx, mod, remoteEnvelope{OK: true})
		}).
		Export("remote_delete")

	// log_message(level, msg_ptr, msg_len) writes through the plugin's
	// logger. Levels follow zerolog numbering.
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, level, msgPtr, msgLen uint32) {
			msg, ok := mod.Memory().Read(msgPtr, msgLen)
			if !ok {
				return
			}
			p.logger.WithLevel(zerolog.Level(int8(level))).Msg(string(msg))
		}).
		Export("log_message")

	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("failed to instantiate host module: %w", err)
	}
	return nil
}

// remoteEnvelope is the response shape of the remote host functions.
// Class carries the engine's error classification so a plugin can
// propagate it instead of guessing retry semantics.
type remoteEnvelope struct {
	OK    bool                   `json:"ok"`
	ID    int64                  `json:"id,omitempty"`
	State map[string]interface{} `json:"state,omitempty"`
	Error string                 `json:"error,omitempty"`
	Class string                 `json:"class,omitempty"`
}

// errorEnvelope builds the failure envelope for a client error.
func errorEnvelope(err error) remoteEnvelope {
	env := remoteEnvelope{Error: err.Error()}
	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		env.Class = string(engErr.Class)
	}
	return env
}

// readMutation decodes the common arguments of the write host functions
// and enforces the remote:write capability. A non-nil envelope is the
// error to return to the module.
func (p *Plugin) readMutation(mod api.Module, typePtr, typeLen, payloadPtr, payloadLen uint32) (string, map[string]interface{}, *remoteEnvelope) {
	if !p.manifest.HasCapability(CapabilityRemoteWrite) {
		return "", nil, &remoteEnvelope{Error: "capability remote:write not granted"}
	}
	typeBytes, ok := mod.Memory().Read(typePtr, typeLen)
	if !ok {
		return "", nil, &remoteEnvelope{Error: "failed to read resource type"}
	}
	if p.client == nil {
		return "", nil, &remoteEnvelope{Error: "no remote client in scope"}
	}
	var payload map[string]interface{}
	if payloadLen > 0 {
		payloadBytes, ok := mod.Memory().Read(payloadPtr, payloadLen)
		if !ok {
			return "", nil, &remoteEnvelope{Error: "failed to read payload"}
		}
		if err := json.Unmarshal(payloadBytes, &payload); err != nil {
			return "", nil, &remoteEnvelope{Error: "payload is not valid JSON: " + err.Error()}
		}
	}
	return string(typeBytes), payload, nil
}

// writeEnvelope marshals v into a buffer allocated with the module's own
// malloc and returns the packed ptr/len.
func writeEnvelope(ctx context.Context, mod api.Module, v interface{}) uint64 {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	malloc := mod.ExportedFunction("malloc")
	if malloc == nil {
		return 0
	}
	results, err := malloc.Call(ctx, uint64(len(data)))
	if err != nil || len(results) == 0 {
		return 0
	}
	ptr := uint32(results[0])
	if ptr == 0 || !mod.Memory().Write(ptr, data) {
		return 0
	}
	return uint64(ptr)<<32 | uint64(len(data))
}

// toEngine maps a plugin error onto the engine's classes. Unknown classes
// read as permanent so a buggy plugin cannot spin the retry loop.
func (e *pluginError) toEngine() *engine.EngineError {
	var err *engine.EngineError
	switch engine.ErrorClass(e.Class) {
	case engine.ErrorClassTransient:
		err = engine.NewTransientError(e.Message, nil)
	case engine.ErrorClassThrottled:
		err = engine.NewThrottledError(e.Message, nil)
	case engine.ErrorClassConflict:
		err = engine.NewConflictError(e.Message, nil)
	default:
		err = engine.NewPermanentError(e.Message, nil)
	}
	if e.Code != "" {
		err = err.WithCode(e.Code)
	}
	return err
}

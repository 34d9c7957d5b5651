// Package main implements the mac_address handler plugin. It registers
// MAC addresses under a configuration, optionally linking them to a MAC
// pool, which the generic handler cannot express.
//
// The plugin compiles to WASM and is loaded by the host through its
// plugin directory:
//
//	tinygo build -o mac_address.wasm -target=wasip1 .
//
// The module exports handler_create, handler_update and handler_delete.
// Operations arrive as JSON through linear memory; results return the
// same way. Remote reads and writes go through the env host functions,
// gated on the remote:read and remote:write capabilities declared in
// manifest.yaml.
package main

import (
	"encoding/json"
	"fmt"
	"unsafe"
)

const (
	classPermanent = "permanent"

	codeValidation = "VALIDATION_FAILURE"
)

// operation is the plugin's view of the host's operation JSON. Only the
// fields the handler needs are decoded.
type operation struct {
	ID           string                 `json:"id"`
	Kind         string                 `json:"kind"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   int64                  `json:"resource_id,omitempty"`
	Path         string                 `json:"path"`
	ParentRef    parentRef              `json:"parent_ref"`
	Payload      map[string]interface{} `json:"payload"`
}

// parentRef carries the resolved parent identifier. The host resolves
// deferred references before dispatch, so ID is concrete here.
type parentRef struct {
	ID int64 `json:"id,omitempty"`
}

// result is the JSON shape a handler export returns to the host.
type result struct {
	ResourceID int64                  `json:"resource_id,omitempty"`
	Before     map[string]interface{} `json:"before,omitempty"`
	After      map[string]interface{} `json:"after,omitempty"`
	Error      *resultError           `json:"error,omitempty"`
}

type resultError struct {
	Class   string `json:"class"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// envelope is the response shape of the env remote host functions.
type envelope struct {
	OK    bool                   `json:"ok"`
	ID    int64                  `json:"id,omitempty"`
	State map[string]interface{} `json:"state,omitempty"`
	Error string                 `json:"error,omitempty"`
	Class string                 `json:"class,omitempty"`
}

// Host bindings. Outside a WASM build these defaults let the pure
// handler logic run under go test; host_wasip1.go rebinds them to the
// real env imports.
var (
	hostGet = func(resourceType string, id int64) envelope {
		return envelope{Error: "host functions unavailable outside wasm"}
	}
	hostCreate = func(resourceType string, parentID int64, payload map[string]interface{}) envelope {
		return envelope{Error: "host functions unavailable outside wasm"}
	}
	hostUpdate = func(resourceType string, id int64, payload map[string]interface{}) envelope {
		return envelope{Error: "host functions unavailable outside wasm"}
	}
	hostDelete = func(resourceType string, id int64) envelope {
		return envelope{Error: "host functions unavailable outside wasm"}
	}
	hostLog = func(level int, msg string) {}
)

// zerolog numbering, used by the log_message host function.
const (
	levelDebug = 0
	levelInfo  = 1
	levelWarn  = 2
)

func handleCreate(op *operation) *result {
	if err := validatePayload(op.Payload); err != nil {
		return validationError(err)
	}
	if op.ParentRef.ID == 0 {
		return validationError(fmt.Errorf("create requires a resolved parent configuration"))
	}

	env := hostCreate(op.ResourceType, op.ParentRef.ID, op.Payload)
	if !env.OK {
		return &result{Error: hostError(env)}
	}
	hostLog(levelInfo, fmt.Sprintf("registered %s as #%d", op.Path, env.ID))
	return &result{ResourceID: env.ID, After: op.Payload}
}

func handleUpdate(op *operation) *result {
	if err := validatePayload(op.Payload); err != nil {
		return validationError(err)
	}
	if op.ResourceID == 0 {
		return validationError(fmt.Errorf("update requires a resource id"))
	}

	res := &result{ResourceID: op.ResourceID, After: op.Payload}
	if before := hostGet(op.ResourceType, op.ResourceID); before.OK {
		res.Before = before.State
	}

	env := hostUpdate(op.ResourceType, op.ResourceID, op.Payload)
	if !env.OK {
		return &result{Error: hostError(env)}
	}
	return res
}

func handleDelete(op *operation) *result {
	if op.ResourceID == 0 {
		return validationError(fmt.Errorf("delete requires a resource id"))
	}

	res := &result{ResourceID: op.ResourceID}
	if before := hostGet(op.ResourceType, op.ResourceID); before.OK {
		res.Before = before.State
	}

	env := hostDelete(op.ResourceType, op.ResourceID)
	if !env.OK {
		return &result{Error: hostError(env)}
	}
	hostLog(levelInfo, fmt.Sprintf("released %s", op.Path))
	return res
}

// validatePayload checks the mac_address fields. The address must be in
// canonical form so repeated runs diff cleanly against the stored value.
func validatePayload(payload map[string]interface{}) error {
	address, err := stringField(payload, "address")
	if err != nil {
		return err
	}
	if address == "" {
		return fmt.Errorf("address is required")
	}
	if err := validateMAC(address); err != nil {
		return err
	}
	if _, err := stringField(payload, "name"); err != nil {
		return err
	}
	if _, err := stringField(payload, "pool"); err != nil {
		return err
	}
	return nil
}

// validateMAC accepts exactly the canonical form: six lowercase hex
// octets separated by colons.
func validateMAC(s string) error {
	valid := len(s) == 17
	for i := 0; valid && i < len(s); i++ {
		if (i+1)%3 == 0 {
			valid = s[i] == ':'
			continue
		}
		c := s[i]
		valid = (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
	}
	if !valid {
		return fmt.Errorf("mac address %q must be six lowercase hex octets separated by colons", s)
	}
	return nil
}

func stringField(payload map[string]interface{}, key string) (string, error) {
	value, ok := payload[key]
	if !ok || value == nil {
		return "", nil
	}
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("field %s must be a string", key)
	}
	return s, nil
}

func validationError(err error) *result {
	return &result{Error: &resultError{
		Class:   classPermanent,
		Code:    codeValidation,
		Message: err.Error(),
	}}
}

// hostError converts a failed envelope into a handler error, keeping
// the host's error classification when it provided one.
func hostError(env envelope) *resultError {
	class := env.Class
	if class == "" {
		class = classPermanent
	}
	return &resultError{Class: class, Message: env.Error}
}

// handle decodes one operation, runs the handler and encodes the result.
func handle(raw []byte, fn func(*operation) *result) []byte {
	var res *result
	var op operation
	if err := json.Unmarshal(raw, &op); err != nil {
		res = validationError(fmt.Errorf("malformed operation: %v", err))
	} else {
		res = fn(&op)
	}
	out, err := json.Marshal(res)
	if err != nil {
		return []byte(`{"error":{"class":"permanent","message":"failed to encode result"}}`)
	}
	return out
}

// Linear-memory plumbing. The host writes inputs into buffers obtained
// from malloc, handlers return packed ptr/len pairs, and the host frees
// the output buffer through free.

var allocs = map[uint32][]byte{}

//export malloc
func malloc(size uint32) uint32 {
	if size == 0 {
		return 0
	}
	buf := make([]byte, size)
	ptr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	allocs[ptr] = buf
	return ptr
}

//export free
func free(ptr uint32) {
	delete(allocs, ptr)
}

//export handler_create
func handlerCreate(ptr, size uint32) uint64 {
	return pack(handle(readMemory(ptr, size), handleCreate))
}

//export handler_update
func handlerUpdate(ptr, size uint32) uint64 {
	return pack(handle(readMemory(ptr, size), handleUpdate))
}

//export handler_delete
func handlerDelete(ptr, size uint32) uint64 {
	return pack(handle(readMemory(ptr, size), handleDelete))
}

func readMemory(ptr, size uint32) []byte {
	if ptr == 0 || size == 0 {
		return nil
	}
	out := make([]byte, size)
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), size))
	return out
}

// pack copies data into a fresh malloc buffer and returns ptr<<32|len.
// The host owns the buffer and releases it with free.
func pack(data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}
	ptr := malloc(uint32(len(data)))
	if ptr == 0 {
		return 0
	}
	copy(allocs[ptr], data)
	return uint64(ptr)<<32 | uint64(uint32(len(data)))
}

func main() {}

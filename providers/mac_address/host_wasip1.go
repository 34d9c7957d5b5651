//go:build wasip1

package main

import (
	"encoding/json"
	"unsafe"
)

//go:wasmimport env remote_get
func remoteGet(typePtr, typeLen uint32, id uint64) uint64

//go:wasmimport env remote_create
func remoteCreate(typePtr, typeLen uint32, parentID uint64, payloadPtr, payloadLen uint32) uint64

//go:wasmimport env remote_update
func remoteUpdate(typePtr, typeLen uint32, id uint64, payloadPtr, payloadLen uint32) uint64

//go:wasmimport env remote_delete
func remoteDelete(typePtr, typeLen uint32, id uint64) uint64

//go:wasmimport env log_message
func logMessage(level, msgPtr, msgLen uint32)

func init() {
	hostGet = func(resourceType string, id int64) envelope {
		t := []byte(resourceType)
		return decodeEnvelope(remoteGet(bytesPtr(t), uint32(len(t)), uint64(id)))
	}
	hostCreate = func(resourceType string, parentID int64, payload map[string]interface{}) envelope {
		t := []byte(resourceType)
		p, err := json.Marshal(payload)
		if err != nil {
			return envelope{Error: "failed to encode payload"}
		}
		return decodeEnvelope(remoteCreate(bytesPtr(t), uint32(len(t)), uint64(parentID), bytesPtr(p), uint32(len(p))))
	}
	hostUpdate = func(resourceType string, id int64, payload map[string]interface{}) envelope {
		t := []byte(resourceType)
		p, err := json.Marshal(payload)
		if err != nil {
			return envelope{Error: "failed to encode payload"}
		}
		return decodeEnvelope(remoteUpdate(bytesPtr(t), uint32(len(t)), uint64(id), bytesPtr(p), uint32(len(p))))
	}
	hostDelete = func(resourceType string, id int64) envelope {
		t := []byte(resourceType)
		return decodeEnvelope(remoteDelete(bytesPtr(t), uint32(len(t)), uint64(id)))
	}
	hostLog = func(level int, msg string) {
		m := []byte(msg)
		logMessage(uint32(level), bytesPtr(m), uint32(len(m)))
	}
}

func bytesPtr(b []byte) uint32 {
	if len(b) == 0 {
		return 0
	}
	return uint32(uintptr(unsafe.Pointer(&b[0])))
}

// decodeEnvelope unpacks a host response. The host writes the envelope
// into a buffer it obtained from this module's malloc, so the buffer is
// released here once decoded.
func decodeEnvelope(packed uint64) envelope {
	if packed == 0 {
		return envelope{Error: "host returned no response"}
	}
	ptr := uint32(packed >> 32)
	size := uint32(packed)
	data := readMemory(ptr, size)
	free(ptr)

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{Error: "host returned a malformed response"}
	}
	return env
}

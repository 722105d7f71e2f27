//go:build cgo

// Package main provides the FFI bridge for mobile platforms.
// Build as a shared library: libschoolsync.so (Android) / schoolsync.framework (iOS).
// Every function returning *C.char hands ownership to the caller, who must
// release it with FreeString.
package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"sync"
	"unsafe"

	"github.com/Gyimahp52/michael-school-portal-sub002/internal/bridge"
)

var (
	mu      sync.Mutex
	current *bridge.Bridge
	lastErr string
)

// Init starts the engine from a JSON configuration document. It returns 0 on
// success and -1 on failure; GetLastError describes the failure.
//
//export Init
func Init(configJSON *C.char) C.int {
	mu.Lock()
	defer mu.Unlock()

	if current != nil {
		return 0
	}
	b, err := bridge.Open(C.GoString(configJSON))
	if err != nil {
		lastErr = err.Error()
		return -1
	}
	current = b
	lastErr = ""
	return 0
}

// Cleanup stops the engine and closes the database.
//
//export Cleanup
func Cleanup() {
	mu.Lock()
	b := current
	current = nil
	mu.Unlock()

	if b != nil {
		if err := b.Close(); err != nil {
			setLastError(err.Error())
		}
	}
}

// Call invokes an engine method with JSON arguments and returns a JSON
// response envelope.
//
//export Call
func Call(method, args *C.char) *C.char {
	mu.Lock()
	b := current
	mu.Unlock()

	if b == nil {
		return C.CString(`{"ok":false,"error":{"code":"SYNC_UNAVAILABLE","message":"engine not initialized"}}`)
	}
	return C.CString(b.Call(C.GoString(method), C.GoString(args)))
}

// GetLastError returns the last Init or Cleanup error.
//
//export GetLastError
func GetLastError() *C.char {
	mu.Lock()
	defer mu.Unlock()
	return C.CString(lastErr)
}

func setLastError(err string) {
	mu.Lock()
	defer mu.Unlock()
	lastErr = err
}

// FreeString frees a string allocated by Go.
//
//export FreeString
func FreeString(ptr *C.char) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}

func main() {
	// Required for c-shared build mode; not run when loaded as a library.
}

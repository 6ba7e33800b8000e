//go:build windows

package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sys/windows"
)

const instanceMutexPrefix = `Local\OrderPulse-`

type instanceLock struct {
	handle windows.Handle
}

func (l *instanceLock) Release() error {
	if l == nil || l.handle == 0 {
		return nil
	}
	err := windows.CloseHandle(l.handle)
	l.handle = 0
	if err != nil {
		return fmt.Errorf("close instance mutex handle: %w", err)
	}
	return nil
}

// acquireInstanceLock allows one running session per credential file.
func acquireInstanceLock(credentialsPath string) (*instanceLock, bool, error) {
	name, err := windows.UTF16PtrFromString(instanceMutexName(credentialsPath))
	if err != nil {
		return nil, false, fmt.Errorf("encode mutex name: %w", err)
	}
	handle, err := windows.CreateMutex(nil, false, name)
	if err != nil {
		return nil, false, fmt.Errorf("create instance mutex: %w", err)
	}
	if windows.GetLastError() == windows.ERROR_ALREADY_EXISTS {
		_ = windows.CloseHandle(handle)
		return nil, true, nil
	}
	return &instanceLock{handle: handle}, false, nil
}

// Mutex names cannot contain backslashes, so the path is hashed.
func instanceMutexName(credentialsPath string) string {
	cleaned := strings.ToLower(filepath.Clean(credentialsPath))
	sum := sha256.Sum256([]byte(cleaned))
	return instanceMutexPrefix + hex.EncodeToString(sum[:8])
}

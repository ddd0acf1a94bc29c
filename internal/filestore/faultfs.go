package filestore

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// FaultFs wraps an afero.Fs and fails renames onto selected targets. Since
// every document write ends in a rename, this simulates a write failing at
// its commit point without leaving partial bytes behind. Intended for tests.
type FaultFs struct {
	afero.Fs

	mu     sync.Mutex
	faults map[string]*fault
	writes map[string]int
}

type fault struct {
	err       error
	remaining int // <0 means fail forever
}

// NewFaultFs wraps base.
func NewFaultFs(base afero.Fs) *FaultFs {
	return &FaultFs{
		Fs:     base,
		faults: make(map[string]*fault),
		writes: make(map[string]int),
	}
}

// FailWrites makes every write to target fail with err.
func (f *FaultFs) FailWrites(target string, err error) {
	f.FailWritesN(target, -1, err)
}

// FailWritesN makes the next n writes to target fail with err.
func (f *FaultFs) FailWritesN(target string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[filepath.Clean(target)] = &fault{err: err, remaining: n}
}

// Clear removes all injected faults.
func (f *FaultFs) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = make(map[string]*fault)
}

// Writes returns how many renames onto target were attempted.
func (f *FaultFs) Writes(target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes[filepath.Clean(target)]
}

// Rename fails if a fault is registered for newname.
func (f *FaultFs) Rename(oldname, newname string) error {
	key := filepath.Clean(newname)

	f.mu.Lock()
	f.writes[key]++
	ft, ok := f.faults[key]
	if ok && ft.remaining != 0 {
		if ft.remaining > 0 {
			ft.remaining--
		}
		f.mu.Unlock()
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: ft.err}
	}
	f.mu.Unlock()

	return f.Fs.Rename(oldname, newname)
}

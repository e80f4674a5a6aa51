// Package storetest provides filesystem fixtures for tests that exercise the
// store, backup and rollback packages.
package storetest

import (
	"errors"
	"os"
	"path"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
)

// ErrInjected is returned by FaultFS operations that were told to fail.
var ErrInjected = errors.New("injected fault")

// FaultFS wraps a billy.Filesystem and fails selected operations on demand.
type FaultFS struct {
	billy.Filesystem

	mu          sync.Mutex
	failRename  map[string]int
	failOpen    map[string]bool
	failMkdir   map[string]bool
	renameCalls []string
}

// NewFaultFS wraps fsys. A nil fsys gets a fresh memfs.
func NewFaultFS(fsys billy.Filesystem) *FaultFS {
	if fsys == nil {
		fsys = memfs.New()
	}
	return &FaultFS{
		Filesystem: fsys,
		failRename: map[string]int{},
		failOpen:   map[string]bool{},
		failMkdir:  map[string]bool{},
	}
}

// FailRename makes every rename onto target fail.
func (f *FaultFS) FailRename(target string) {
	f.FailRenameTimes(target, -1)
}

// FailRenameTimes makes the next n renames onto target fail. A negative n
// fails forever.
func (f *FaultFS) FailRenameTimes(target string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRename[path.Clean(target)] = n
}

// FailOpen makes opening name for reading fail.
func (f *FaultFS) FailOpen(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOpen[path.Clean(name)] = true
}

// FailMkdir makes MkdirAll of dir fail.
func (f *FaultFS) FailMkdir(dir string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failMkdir[path.Clean(dir)] = true
}

// Heal clears every injected fault.
func (f *FaultFS) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRename = map[string]int{}
	f.failOpen = map[string]bool{}
	f.failMkdir = map[string]bool{}
}

// Renames returns the rename targets seen so far, in order.
func (f *FaultFS) Renames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.renameCalls...)
}

func (f *FaultFS) Rename(from, to string) error {
	f.mu.Lock()
	target := path.Clean(to)
	remaining, fail := f.failRename[target]
	switch {
	case fail && remaining > 1:
		f.failRename[target] = remaining - 1
	case fail && remaining == 1:
		delete(f.failRename, target)
	}
	f.renameCalls = append(f.renameCalls, target)
	f.mu.Unlock()
	if fail {
		return &os.LinkError{Op: "rename", Old: from, New: to, Err: ErrInjected}
	}
	return f.Filesystem.Rename(from, to)
}

func (f *FaultFS) Open(name string) (billy.File, error) {
	return f.OpenFile(name, os.O_RDONLY, 0)
}

func (f *FaultFS) OpenFile(name string, flag int, perm os.FileMode) (billy.File, error) {
	if flag == os.O_RDONLY {
		f.mu.Lock()
		fail := f.failOpen[path.Clean(name)]
		f.mu.Unlock()
		if fail {
			return nil, &os.PathError{Op: "open", Path: name, Err: ErrInjected}
		}
	}
	return f.Filesystem.OpenFile(name, flag, perm)
}

func (f *FaultFS) MkdirAll(dir string, perm os.FileMode) error {
	f.mu.Lock()
	fail := f.failMkdir[path.Clean(dir)]
	f.mu.Unlock()
	if fail {
		return &os.PathError{Op: "mkdir", Path: dir, Err: ErrInjected}
	}
	return f.Filesystem.MkdirAll(dir, perm)
}

// Seed writes files into fsys, creating parent directories.
func Seed(fsys billy.Filesystem, files map[string]string) error {
	for name, body := range files {
		if err := util.WriteFile(fsys, name, []byte(body), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Read returns the contents of name or "" when it cannot be read.
func Read(fsys billy.Filesystem, name string) string {
	data, err := util.ReadFile(fsys, name)
	if err != nil {
		return ""
	}
	return string(data)
}

// Exists reports whether name exists in fsys.
func Exists(fsys billy.Filesystem, name string) bool {
	_, err := fsys.Stat(name)
	return err == nil
}

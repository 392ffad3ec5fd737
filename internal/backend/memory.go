package backend

import (
	"context"
	"errors"
	"os"
	"sort"
	"strings"
	"sync"
)

// errNoObject is returned by Memory for missing objects.
var errNoObject = errors.New("object does not exist")

// FailFunc decides whether an operation should fail. attempt counts the
// calls of op on name, starting at 1. A nil return lets the call proceed.
type FailFunc func(op, name string, attempt int) error

// Memory is a map-backed backend used by tests and dry runs.
type Memory struct {
	mu        sync.Mutex
	objects   map[string][]byte
	attempts  map[string]int
	uploads   map[string]int
	completed int

	// Fail, when set, is consulted before every operation.
	Fail FailFunc
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		objects:  make(map[string][]byte),
		attempts: make(map[string]int),
		uploads:  make(map[string]int),
	}
}

func (m *Memory) check(op, name string) error {
	key := op + ":" + name
	m.attempts[key]++
	if m.Fail == nil {
		return nil
	}
	return m.Fail(op, name, m.attempts[key])
}

func (m *Memory) put(op, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(op, name); err != nil {
		return err
	}
	m.objects[name] = append([]byte(nil), data...)
	m.uploads[name]++
	return nil
}

func (m *Memory) UploadFile(ctx context.Context, name, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return Permanent("upload", name, err)
	}
	return m.put("upload", name, data)
}

func (m *Memory) UploadData(ctx context.Context, name string, data []byte) error {
	return m.put("upload", name, data)
}

func (m *Memory) get(name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("download", name); err != nil {
		return nil, err
	}
	data, ok := m.objects[name]
	if !ok {
		return nil, Permanent("download", name, errNoObject)
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) DownloadFile(ctx context.Context, name, localPath string) error {
	data, err := m.get(name)
	if err != nil {
		return err
	}
	return Permanent("download", name, os.WriteFile(localPath, data, 0600))
}

func (m *Memory) DownloadData(ctx context.Context, name string) ([]byte, error) {
	return m.get(name)
}

func (m *Memory) DeleteFile(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("delete", name); err != nil {
		return err
	}
	delete(m.objects, name)
	return nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("list", prefix); err != nil {
		return nil, err
	}
	var out []Object
	for name, data := range m.objects {
		if strings.HasPrefix(name, prefix) {
			out = append(out, Object{Name: name, Size: int64(len(data))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) Complete(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed++
	return nil
}

// Object returns a copy of a stored object.
func (m *Memory) Object(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[name]
	return append([]byte(nil), data...), ok
}

// Names returns the stored object names in order.
func (m *Memory) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.objects))
	for name := range m.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Uploads returns how many successful uploads name received.
func (m *Memory) Uploads(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads[name]
}

// Attempts returns how many times op was called on name.
func (m *Memory) Attempts(op, name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[op+":"+name]
}

// Completed returns how many times Complete was called.
func (m *Memory) Completed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed
}

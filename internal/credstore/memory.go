package credstore

import "sync"

// Memory 是进程内实现，用于测试与临时会话。
type Memory struct {
	mu       sync.RWMutex
	values   map[Key]string
	loggedIn bool
}

func NewMemory() *Memory { return &Memory{values: make(map[Key]string)} }

func (m *Memory) Save(key Key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) Read(key Key) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[key], nil
}

func (m *Memory) Delete(key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *Memory) LoggedIn() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loggedIn
}

func (m *Memory) SetLoggedIn(v bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loggedIn = v
	return nil
}

package sync

import (
	"context"
	"fmt"
	gosync "sync"

	"github.com/omarels/haaq/backend/internal/errors"
)

// memDocs is an in-memory DocumentStore.
type memDocs struct {
	mu       gosync.Mutex
	docs     map[string][]byte
	creates  int
	uploads  int
	failWith error
	onUpload func()
}

func newMemDocs() *memDocs {
	return &memDocs{docs: make(map[string][]byte)}
}

func (m *memDocs) Create(ctx context.Context, doc []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return "", m.failWith
	}
	m.creates++
	id := fmt.Sprintf("bin-%d", m.creates)
	m.docs[id] = append([]byte(nil), doc...)
	return id, nil
}

func (m *memDocs) Upload(ctx context.Context, containerID string, doc []byte) error {
	if m.onUpload != nil {
		m.onUpload()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	if _, ok := m.docs[containerID]; !ok {
		return errors.Remote("bin not found", 404, nil)
	}
	m.uploads++
	m.docs[containerID] = append([]byte(nil), doc...)
	return nil
}

func (m *memDocs) Download(ctx context.Context, containerID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	doc, ok := m.docs[containerID]
	if !ok {
		return nil, errors.Remote("bin not found", 404, nil)
	}
	return doc, nil
}

func (m *memDocs) put(id string, doc []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[id] = doc
}

func (m *memDocs) get(id string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docs[id]
}

package export

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// MockExporter is a mock implementation of Exporter for testing.
// Each call writes a distinct small file so retention can be observed.
type MockExporter struct {
	mu        sync.Mutex
	fail      bool
	callCount int
	lastDir   string
}

// NewMockExporter creates a new mock exporter.
func NewMockExporter() *MockExporter {
	return &MockExporter{}
}

// WriteFile performs a mock export.
func (m *MockExporter) WriteFile(dir, password string) (*ExportResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callCount++
	m.lastDir = dir
	if m.fail {
		return nil, fmt.Errorf("mock export failed")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	ext := PlainExt
	if password != "" {
		ext = EncryptedExt
	}
	path := filepath.Join(dir, fmt.Sprintf("%smock-%03d%s", FilePrefix, m.callCount, ext))
	if err := os.WriteFile(path, []byte("{}"), 0600); err != nil {
		return nil, err
	}
	// Distinct modification times keep retention ordering stable.
	mtime := time.Unix(int64(1700000000+m.callCount), 0)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		return nil, err
	}

	return &ExportResult{FilePath: path, SizeBytes: 2, Encrypted: password != ""}, nil
}

// SetFail makes subsequent calls fail.
func (m *MockExporter) SetFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}

// CallCount returns the number of WriteFile calls.
func (m *MockExporter) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// LastDir returns the directory of the last call.
func (m *MockExporter) LastDir() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastDir
}

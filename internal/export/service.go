// Package export produces and restores portable backups of every tracked
// collection, independent of the sync queue.
package export

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/omarels/haaq/backend/internal/errors"
	"github.com/omarels/haaq/backend/internal/export/crypto"
	"github.com/omarels/haaq/backend/internal/kv"
	"github.com/omarels/haaq/backend/internal/logging"
	"github.com/omarels/haaq/backend/internal/models"
	syncpkg "github.com/omarels/haaq/backend/internal/sync"
)

const (
	// FilePrefix starts every backup file name.
	FilePrefix = "haaq-backup-"
	// PlainExt is the extension of unencrypted backups.
	PlainExt = ".json"
	// EncryptedExt is the extension of password-protected backups.
	EncryptedExt = ".enc"
)

// ChangeMarker receives every key written by an import so the next drain
// uploads it.
type ChangeMarker interface {
	MarkChanged(key string)
}

// ServiceConfig holds the backup configuration.
type ServiceConfig struct {
	// Collections are the keys included in a backup and accepted on import.
	Collections []string `mapstructure:"collections"`
}

// DefaultServiceConfig returns a config tracking the default collections.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{Collections: append([]string(nil), syncpkg.DefaultCollections...)}
}

// ExportResult represents the result of a file export.
type ExportResult struct {
	FilePath    string
	SizeBytes   int64
	Collections int
	Checksum    string
	Encrypted   bool
	Duration    time.Duration
}

// ImportResult represents the result of an import.
type ImportResult struct {
	ImportedKeys []string
	SkippedKeys  []string // present in the document but not tracked
	ExportedAt   string
	SourceDevice string
	Duration     time.Duration
}

// Service exports and imports backups.
type Service struct {
	store       kv.Store
	marker      ChangeMarker
	clock       clock.Clock
	collections []string
	tracked     map[string]bool
}

// NewService creates a Service. marker may be nil.
func NewService(store kv.Store, marker ChangeMarker, config *ServiceConfig) *Service {
	if config == nil {
		config = DefaultServiceConfig()
	}

	tracked := make(map[string]bool, len(config.Collections))
	var collections []string
	for _, key := range config.Collections {
		if key == "" || models.IsReserved(key) || tracked[key] {
			continue
		}
		tracked[key] = true
		collections = append(collections, key)
	}

	return &Service{
		store:       store,
		marker:      marker,
		clock:       clock.New(),
		collections: collections,
		tracked:     tracked,
	}
}

// SetClock replaces the clock used for timestamps and file names.
func (s *Service) SetClock(c clock.Clock) {
	s.clock = c
}

// Collections returns the tracked collection keys.
func (s *Service) Collections() []string {
	return append([]string(nil), s.collections...)
}

// ExportAll gathers every tracked collection present locally into one
// document. Encoding the result is deterministic for a given state.
func (s *Service) ExportAll() (*models.ExportDocument, error) {
	deviceID, err := syncpkg.EnsureDeviceID(s.store)
	if err != nil {
		return nil, errors.Wrap(errors.ErrExportFailed, "failed to resolve device id", err)
	}

	collections := make(map[string]json.RawMessage, len(s.collections))
	for _, key := range s.collections {
		value, err := s.store.Get(key)
		if stderrors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(errors.ErrExportFailed, fmt.Sprintf("failed to read %q", key), err)
		}
		collections[key] = models.RawCollection(value)
	}

	checksum, err := Checksum(collections)
	if err != nil {
		return nil, errors.Wrap(errors.ErrExportFailed, "failed to checksum collections", err)
	}

	now := s.clock.Now().UTC()
	doc := &models.ExportDocument{
		Collections: collections,
		Metadata: models.ExportMetadata{
			Timestamp:   now.UnixMilli(),
			ExportedAt:  now.Format(time.RFC3339),
			Version:     models.ExportVersion,
			DeviceID:    deviceID,
			Collections: models.SortedKeys(collections),
			Checksum:    checksum,
		},
	}

	logging.Info("Exported collections", map[string]interface{}{
		"collections": len(collections),
		"device_id":   deviceID,
	})
	return doc, nil
}

// ImportAll restores a document produced by ExportAll. Keys that are not
// tracked are ignored. Either every collection is written or none is; each
// written key is then marked changed.
func (s *Service) ImportAll(data []byte) (*ImportResult, error) {
	start := s.clock.Now()

	doc, err := ParseDocument(data)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{
		ExportedAt:   doc.Metadata.ExportedAt,
		SourceDevice: doc.Metadata.DeviceID,
	}
	var keys []string
	for _, key := range models.SortedKeys(doc.Collections) {
		if s.tracked[key] {
			keys = append(keys, key)
		} else {
			result.SkippedKeys = append(result.SkippedKeys, key)
		}
	}

	if err := s.writeAll(keys, doc.Collections); err != nil {
		return nil, err
	}
	result.ImportedKeys = keys

	if s.marker != nil {
		for _, key := range keys {
			s.marker.MarkChanged(key)
		}
	}

	result.Duration = s.clock.Since(start)
	logging.Info("Imported backup", map[string]interface{}{
		"imported":      len(result.ImportedKeys),
		"skipped":       len(result.SkippedKeys),
		"source_device": result.SourceDevice,
	})
	return result, nil
}

// priorValue remembers what a key held before an import overwrote it.
type priorValue struct {
	value  string
	exists bool
}

// writeAll writes every key, restoring prior values if any write fails.
func (s *Service) writeAll(keys []string, collections map[string]json.RawMessage) error {
	prior := make(map[string]priorValue, len(keys))
	for _, key := range keys {
		value, err := s.store.Get(key)
		switch {
		case err == nil:
			prior[key] = priorValue{value: value, exists: true}
		case stderrors.Is(err, kv.ErrNotFound):
			prior[key] = priorValue{}
		default:
			return errors.Wrap(errors.ErrImportFailed, fmt.Sprintf("failed to read %q", key), err)
		}
	}

	for i, key := range keys {
		if err := s.store.Set(key, string(collections[key])); err != nil {
			s.rollback(keys[:i], prior)
			return errors.Wrap(errors.ErrImportFailed, fmt.Sprintf("failed to write %q", key), err)
		}
	}
	return nil
}

func (s *Service) rollback(written []string, prior map[string]priorValue) {
	for _, key := range written {
		p := prior[key]
		var err error
		if p.exists {
			err = s.store.Set(key, p.value)
		} else {
			err = s.store.Remove(key)
		}
		if err != nil {
			logging.Error("Failed to roll back imported collection", err, map[string]interface{}{"key": key})
		}
	}
	logging.Warn("Import rolled back", map[string]interface{}{"keys": len(written)})
}

// ParseDocument decodes and validates a backup document.
func ParseDocument(data []byte) (*models.ExportDocument, error) {
	var doc models.ExportDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(errors.ErrValidation, "not a backup document", err)
	}
	if doc.Metadata.Version == "" {
		return nil, errors.Validation("backup metadata has no version")
	}

	if doc.Metadata.Checksum != "" {
		listed := make(map[string]json.RawMessage, len(doc.Metadata.Collections))
		for _, key := range doc.Metadata.Collections {
			raw, ok := doc.Collections[key]
			if !ok {
				return nil, errors.Validation(fmt.Sprintf("backup is missing collection %q", key))
			}
			listed[key] = raw
		}
		sum, err := Checksum(listed)
		if err != nil {
			return nil, errors.Wrap(errors.ErrValidation, "failed to checksum backup", err)
		}
		if sum != doc.Metadata.Checksum {
			return nil, errors.Validation("backup checksum mismatch")
		}
	}
	return &doc, nil
}

// Checksum returns the hex SHA-256 of the canonical encoding of collections.
func Checksum(collections map[string]json.RawMessage) (string, error) {
	if collections == nil {
		collections = map[string]json.RawMessage{}
	}
	data, err := json.Marshal(collections)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// FileName returns the backup file name for t.
func FileName(t time.Time, encrypted bool) string {
	ext := PlainExt
	if encrypted {
		ext = EncryptedExt
	}
	return FilePrefix + t.Format("2006-01-02") + ext
}

// WriteFile exports to dir. A non-empty password encrypts the file.
func (s *Service) WriteFile(dir, password string) (*ExportResult, error) {
	start := s.clock.Now()

	doc, err := s.ExportAll()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(errors.ErrExportFailed, "failed to encode backup", err)
	}

	encrypted := password != ""
	if encrypted {
		data, err = crypto.Encrypt(data, password)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCryptoFailed, "failed to encrypt backup", err)
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(errors.ErrExportFailed, "failed to create backup directory", err)
	}
	path := filepath.Join(dir, FileName(start, encrypted))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return nil, errors.Wrap(errors.ErrExportFailed, "failed to write backup", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return nil, errors.Wrap(errors.ErrExportFailed, "failed to finalize backup", err)
	}

	result := &ExportResult{
		FilePath:    path,
		SizeBytes:   int64(len(data)),
		Collections: len(doc.Collections),
		Checksum:    doc.Metadata.Checksum,
		Encrypted:   encrypted,
		Duration:    s.clock.Since(start),
	}
	logging.Info("Backup written", map[string]interface{}{
		"path":      path,
		"bytes":     result.SizeBytes,
		"encrypted": encrypted,
	})
	return result, nil
}

// ReadFile imports the backup at path. Encrypted backups need password.
func (s *Service) ReadFile(path, password string) (*ImportResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrImportFailed, "failed to read backup", err)
	}

	if crypto.IsEncrypted(data) {
		if password == "" {
			return nil, errors.New(errors.ErrInvalidPassword, "backup is encrypted, password required")
		}
		data, err = crypto.Decrypt(data, password)
		switch {
		case stderrors.Is(err, crypto.ErrInvalidPassword):
			return nil, errors.Wrap(errors.ErrInvalidPassword, "wrong backup password", err)
		case err != nil:
			return nil, errors.Wrap(errors.ErrCorruptedArchive, "failed to decrypt backup", err)
		}
	}

	return s.ImportAll(data)
}

// BackupInfo describes a backup file on disk.
type BackupInfo struct {
	Path      string
	SizeBytes int64
	CreatedAt time.Time
	Encrypted bool
}

// ListBackups returns the backups in dir, oldest first.
func ListBackups(dir string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var backups []BackupInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, FilePrefix) {
			continue
		}
		ext := filepath.Ext(name)
		if ext != PlainExt && ext != EncryptedExt {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		backups = append(backups, BackupInfo{
			Path:      filepath.Join(dir, name),
			SizeBytes: info.Size(),
			CreatedAt: info.ModTime(),
			Encrypted: ext == EncryptedExt,
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		if backups[i].CreatedAt.Equal(backups[j].CreatedAt) {
			return backups[i].Path < backups[j].Path
		}
		return backups[i].CreatedAt.Before(backups[j].CreatedAt)
	})
	return backups, nil
}

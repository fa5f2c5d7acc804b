package export

// Exporter writes a backup file to a directory.
// This interface allows mocking for testing.
type Exporter interface {
	WriteFile(dir, password string) (*ExportResult, error)
}

// Ensure *Service implements the interface at compile time.
var _ Exporter = (*Service)(nil)

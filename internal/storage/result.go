package storage

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/antonpaquin/citrine/internal/common"
)

// ResultFile is the sentinel a transform returns in place of a large
// artifact. The daemon never interprets the file contents; clients fetch the
// bytes from /result/<name>.
type ResultFile struct {
	Name string
}

// MarshalJSON renders the wire sentinel {"file_ref": <name>}
func (r ResultFile) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"file_ref": r.Name})
}

// WriteResult stores an artifact under results/ with a fresh name
func (l *Layout) WriteResult(data []byte) (ResultFile, error) {
	name := common.NewResultID()
	if err := os.WriteFile(l.ResultFilePath(name), data, 0o644); err != nil {
		return ResultFile{}, fmt.Errorf("failed to write result file: %w", err)
	}
	return ResultFile{Name: name}, nil
}

// Package report persists check results as write-once JSON files named
// <kind>_<UTC timestamp>_<id>.json. Existing reports are never overwritten.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Report kinds.
const (
	KindHealth      = "health"
	KindIntegrity   = "integrity"
	KindExport      = "export"
	KindImport      = "import"
	KindQuery       = "query"
	KindPropagation = "propagation"
	KindProvenance  = "provenance"
)

const timestampLayout = "20060102T150405Z"

var kindPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// Envelope wraps every persisted report.
type Envelope struct {
	Kind      string    `json:"kind"`
	ID        string    `json:"id"`
	NodeID    string    `json:"node_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Report    any       `json:"report"`
}

// Writer writes reports into one directory. A nil *Writer discards.
type Writer struct {
	dir    string
	nodeID string
	now    func() time.Time
	newID  func() string
	logger *zap.Logger
}

// NewWriter creates the directory if needed.
func NewWriter(dir, nodeID string, logger *zap.Logger) (*Writer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report directory: %w", err)
	}
	return &Writer{
		dir:    dir,
		nodeID: nodeID,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:8] },
		logger: logger.With(zap.String("component", "report")),
	}, nil
}

// Dir returns the report directory.
func (w *Writer) Dir() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// Write persists v under kind and returns the file path.
func (w *Writer) Write(kind string, v any) (string, error) {
	if w == nil {
		return "", nil
	}
	if !kindPattern.MatchString(kind) {
		return "", fmt.Errorf("invalid report kind %q", kind)
	}

	at := w.now().UTC()
	for attempt := 0; attempt < 3; attempt++ {
		id := w.newID()
		env := Envelope{Kind: kind, ID: id, NodeID: w.nodeID, CreatedAt: at, Report: v}
		data, err := json.MarshalIndent(env, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode %s report: %w", kind, err)
		}

		path := filepath.Join(w.dir, fmt.Sprintf("%s_%s_%s.json", kind, at.Format(timestampLayout), id))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create report: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return "", fmt.Errorf("write report: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return "", fmt.Errorf("sync report: %w", err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close report: %w", err)
		}

		w.logger.Debug("report written", zap.String("kind", kind), zap.String("path", path))
		return path, nil
	}
	return "", fmt.Errorf("could not allocate a unique %s report name", kind)
}

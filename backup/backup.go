// Package backup reads and writes portable copies of the task and process
// collections: the export file and the in-storage snapshot.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/songzhibin97/process-map/storage"
	"github.com/songzhibin97/process-map/types"
)

const (
	// Version is written into every export.
	Version = "1.0"

	ProcessesBackupKey = "processes-backup"
	TasksBackupKey     = "tasks-backup"
)

var (
	ErrInvalidBackup = errors.New("invalid backup file")
	ErrNoBackup      = errors.New("no backup found")
)

// Document is the export file format.
type Document struct {
	Processes  []*types.BusinessProcess `json:"processes"`
	Tasks      []*types.Task            `json:"tasks"`
	ExportDate time.Time                `json:"exportDate"`
	Version    string                   `json:"version"`
}

// NewDocument builds an export of the given collections. Nil collections
// are written as empty arrays.
func NewDocument(processes []*types.BusinessProcess, tasks []*types.Task, now time.Time) *Document {
	if processes == nil {
		processes = []*types.BusinessProcess{}
	}
	if tasks == nil {
		tasks = []*types.Task{}
	}
	return &Document{Processes: processes, Tasks: tasks, ExportDate: now.UTC(), Version: Version}
}

// FileName is the default export file name for the given day.
func FileName(now time.Time) string {
	return "process-map-backup-" + now.UTC().Format("2006-01-02") + ".json"
}

// Export writes doc as indented JSON.
func Export(w io.Writer, doc *Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode backup: %w", err)
	}
	return nil
}

// Import parses an export. Only the presence of both arrays is checked;
// the elements are decoded as-is and normalized by the caller.
func Import(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	for _, key := range []string{"processes", "tasks"} {
		if !isArray(fields[key]) {
			return nil, fmt.Errorf("%w: missing %q array", ErrInvalidBackup, key)
		}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	return &doc, nil
}

func isArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}

type envelope struct {
	Data    json.RawMessage `json:"data"`
	SavedAt time.Time       `json:"savedAt"`
}

// Snapshot stores both collections under the backup keys in one write.
func Snapshot(ctx context.Context, store storage.Storage, processes []*types.BusinessProcess, tasks []*types.Task, now time.Time) error {
	doc := NewDocument(processes, tasks, now)
	values := make(map[string][]byte, 2)
	for key, v := range map[string]interface{}{ProcessesBackupKey: doc.Processes, TasksBackupKey: doc.Tasks} {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", key, err)
		}
		blob, err := json.Marshal(envelope{Data: data, SavedAt: doc.ExportDate})
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", key, err)
		}
		values[key] = blob
	}
	if err := store.SetMany(ctx, values); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	return nil
}

// Restore reads the snapshot written by Snapshot. Both keys must exist.
// ExportDate is set to the snapshot time.
func Restore(ctx context.Context, store storage.Storage) (*Document, error) {
	doc := &Document{Version: Version}

	pe, err := readEnvelope(ctx, store, ProcessesBackupKey)
	if err != nil {
		return nil, err
	}
	te, err := readEnvelope(ctx, store, TasksBackupKey)
	if err != nil {
		return nil, err
	}
	if err := decodeData(pe.Data, &doc.Processes); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidBackup, ProcessesBackupKey, err)
	}
	if err := decodeData(te.Data, &doc.Tasks); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidBackup, TasksBackupKey, err)
	}
	doc.ExportDate = pe.SavedAt
	return doc, nil
}

func readEnvelope(ctx context.Context, store storage.Storage, key string) (*envelope, error) {
	blob, err := store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoBackup
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidBackup, key, err)
	}
	return &env, nil
}

// decodeData treats a missing or null payload as an empty collection.
func decodeData[T any](raw json.RawMessage, out *[]T) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		*out = []T{}
		return nil
	}
	return json.Unmarshal(raw, out)
}

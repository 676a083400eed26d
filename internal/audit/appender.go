// Package audit records destructive storage actions in a hash-chained JSONL trail.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/titan-data/titan/pkg/errclass"
	"github.com/titan-data/titan/pkg/model"
)

// Appender records audit events.
type Appender interface {
	Append(eventType model.AuditEventType, repo, objectID string, details map[string]any) error
}

// Discard is an Appender that records nothing.
var Discard Appender = discard{}

type discard struct{}

func (discard) Append(model.AuditEventType, string, string, map[string]any) error { return nil }

// FileAppender appends audit records to a JSONL file with hash chain.
type FileAppender struct {
	path string
	mu   sync.Mutex
}

// NewFileAppender creates a new FileAppender.
func NewFileAppender(path string) *FileAppender {
	return &FileAppender{path: path}
}

// Append adds a new audit record to the log.
func (a *FileAppender) Append(eventType model.AuditEventType, repo, objectID string, details map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(a.path), 0755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}

	file, err := os.OpenFile(a.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	if err := lockFile(file); err != nil {
		return fmt.Errorf("lock audit log: %w", err)
	}
	defer unlockFile(file)

	records, err := readRecords(file)
	if err != nil {
		return err
	}
	var prevHash model.HashValue
	if len(records) > 0 {
		prevHash = records[len(records)-1].RecordHash
	}

	record := &model.AuditRecord{
		Timestamp:  time.Now().UTC(),
		EventType:  eventType,
		Repository: repo,
		ObjectID:   objectID,
		Details:    details,
		PrevHash:   prevHash,
	}
	record.RecordHash, err = computeRecordHash(record)
	if err != nil {
		return err
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek to end: %w", err)
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	return file.Sync()
}

// Records returns every record in the log, oldest first.
func (a *FileAppender) Records() ([]model.AuditRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	file, err := os.Open(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()
	return readRecords(file)
}

// Verify walks the chain and reports the first record whose hash or link is wrong.
func (a *FileAppender) Verify() error {
	records, err := a.Records()
	if err != nil {
		return err
	}
	var prev model.HashValue
	for i := range records {
		r := records[i]
		if r.PrevHash != prev {
			return errclass.ErrInvalidState.WithMessagef("audit record %d: chain broken", i)
		}
		want, err := computeRecordHash(&r)
		if err != nil {
			return err
		}
		if want != r.RecordHash {
			return errclass.ErrInvalidState.WithMessagef("audit record %d: hash mismatch", i)
		}
		prev = r.RecordHash
	}
	return nil
}

func readRecords(file *os.File) ([]model.AuditRecord, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to start: %w", err)
	}

	var records []model.AuditRecord
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record model.AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue // skip malformed lines
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return records, nil
}

// computeRecordHash hashes the record without its own hash. encoding/json
// sorts map keys, so the encoding is deterministic.
func computeRecordHash(record *model.AuditRecord) (model.HashValue, error) {
	hashRecord := *record
	hashRecord.RecordHash = ""
	hashRecord.Timestamp = record.Timestamp.UTC()

	data, err := json.Marshal(&hashRecord)
	if err != nil {
		return "", fmt.Errorf("marshal audit record: %w", err)
	}
	hash := sha256.Sum256(data)
	return model.HashValue(hex.EncodeToString(hash[:])), nil
}

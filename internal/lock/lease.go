// Package lock guards a titan data directory with an exclusive lease so that
// only one process runs executors and the reaper over its metadata.
package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/titan-data/titan/pkg/errclass"
	"github.com/titan-data/titan/pkg/fsutil"
)

// FileName is the lease file created in the data directory.
const FileName = "titan.lock"

// DefaultTTL is the lease lifetime used when none is configured.
const DefaultTTL = 30 * time.Second

// Record is the persisted lease.
type Record struct {
	HolderNonce  string    `json:"holder_nonce"`
	PID          int       `json:"pid"`
	Host         string    `json:"host"`
	Purpose      string    `json:"purpose"`
	AcquiredAt   time.Time `json:"acquired_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	FencingToken int64     `json:"fencing_token"`
}

// Expired reports whether the lease has lapsed at now.
func (r *Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Manager acquires, renews and releases the lease on one data directory.
type Manager struct {
	dir string
	ttl time.Duration
	mu  sync.Mutex
}

// NewManager creates a lease manager for dataDir.
func NewManager(dataDir string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{dir: dataDir, ttl: ttl}
}

func (m *Manager) path() string {
	return filepath.Join(m.dir, FileName)
}

// Acquire takes the lease. A lease left behind by a holder that stopped
// renewing it is taken over with the next fencing token.
func (m *Manager) Acquire(purpose string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.OpenFile(m.path(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err == nil {
		defer file.Close()
		rec := m.newRecord(purpose, 1)
		if err := writeRecord(file, rec); err != nil {
			os.Remove(m.path())
			return nil, err
		}
		return rec, nil
	}
	if !os.IsExist(err) {
		return nil, fmt.Errorf("create lock: %w", err)
	}

	prev, err := m.read()
	if err != nil {
		return nil, fmt.Errorf("read existing lock: %w", err)
	}
	if !prev.Expired(time.Now()) {
		return nil, errclass.ErrObjectExists.WithMessagef("data directory %s is locked by pid %d on %s (%s)",
			m.dir, prev.PID, prev.Host, prev.Purpose)
	}
	rec := m.newRecord(purpose, prev.FencingToken+1)
	if err := m.write(rec); err != nil {
		return nil, fmt.Errorf("take over lock: %w", err)
	}
	return rec, nil
}

// Renew extends a lease still held by holderNonce.
func (m *Manager) Renew(holderNonce string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.held(holderNonce)
	if err != nil {
		return nil, err
	}
	rec.ExpiresAt = time.Now().UTC().Add(m.ttl)
	if err := m.write(rec); err != nil {
		return nil, fmt.Errorf("renew lock: %w", err)
	}
	return rec, nil
}

// Release drops the lease. Releasing a lease that is gone is not an error.
func (m *Manager) Release(holderNonce string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.read()
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read lock: %w", err)
	}
	if rec.HolderNonce != holderNonce {
		return errclass.ErrInvalidState.WithMessage("cannot release lock: held by another process")
	}
	if err := os.Remove(m.path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

// Status returns the current lease, or nil when the directory is unlocked.
func (m *Manager) Status() (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.read()
	if os.IsNotExist(err) {
		return nil, nil
	}
	return rec, err
}

func (m *Manager) held(holderNonce string) (*Record, error) {
	rec, err := m.read()
	if os.IsNotExist(err) {
		return nil, errclass.ErrInvalidState.WithMessage("lock not held")
	}
	if err != nil {
		return nil, fmt.Errorf("read lock: %w", err)
	}
	if rec.HolderNonce != holderNonce {
		return nil, errclass.ErrInvalidState.WithMessage("lock held by another process")
	}
	return rec, nil
}

func (m *Manager) newRecord(purpose string, token int64) *Record {
	host, _ := os.Hostname()
	now := time.Now().UTC()
	return &Record{
		HolderNonce:  uuid.NewString(),
		PID:          os.Getpid(),
		Host:         host,
		Purpose:      purpose,
		AcquiredAt:   now,
		ExpiresAt:    now.Add(m.ttl),
		FencingToken: token,
	}
}

func (m *Manager) read() (*Record, error) {
	data, err := os.ReadFile(m.path())
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse lock: %w", err)
	}
	return &rec, nil
}

func (m *Manager) write(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	return fsutil.AtomicWrite(m.path(), data, 0644)
}

func writeRecord(file *os.File, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("write lock: %w", err)
	}
	return file.Sync()
}

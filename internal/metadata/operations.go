package metadata

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/titan-data/titan/pkg/errclass"
	"github.com/titan-data/titan/pkg/model"
)

// OperationRecord is a persisted operation with the data needed to rerun it.
type OperationRecord struct {
	Repo         string
	Operation    model.Operation
	MetadataOnly bool
	Params       model.RemoteParameters
}

const operationColumns = `id, repo, type, state, remote, commit_id, metadata_only, params`

// CreateOperation persists a new operation. Its id must be the id of the
// volume set backing it.
func (t *Tx) CreateOperation(rec OperationRecord) error {
	params, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("encode operation parameters: %w", err)
	}
	op := rec.Operation
	_, err = t.exec(`INSERT INTO operations (`+operationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, rec.Repo, op.Type, op.State, op.Remote, op.CommitID, rec.MetadataOnly, string(params))
	if isConstraint(err) {
		return errclass.ErrObjectExists.WithMessagef("operation '%s' already exists", op.ID)
	}
	if err != nil {
		return fmt.Errorf("create operation %s: %w", op.ID, err)
	}
	return nil
}

// GetOperation returns a persisted operation.
func (t *Tx) GetOperation(id string) (*OperationRecord, error) {
	rec, err := scanOperation(t.queryRow(`SELECT `+operationColumns+` FROM operations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errclass.ErrNoSuchObject.WithMessagef("no such operation '%s'", id)
	}
	return rec, err
}

// OperationExists reports whether an operation row exists for id.
func (t *Tx) OperationExists(id string) (bool, error) {
	var n int
	if err := t.queryRow(`SELECT COUNT(*) FROM operations WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("check operation %s: %w", id, err)
	}
	return n > 0, nil
}

// ListOperations returns the persisted operations of repo. An empty repo
// lists operations of every repository.
func (t *Tx) ListOperations(repo string) ([]OperationRecord, error) {
	query := `SELECT ` + operationColumns + ` FROM operations`
	var args []any
	if repo != "" {
		query += ` WHERE repo = ?`
		args = append(args, repo)
	}
	rows, err := t.query(query+` ORDER BY rowid`, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var recs []OperationRecord
	for rows.Next() {
		rec, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// UpdateOperationState records a state transition.
func (t *Tx) UpdateOperationState(id string, state model.OperationState) error {
	res, err := t.exec(`UPDATE operations SET state = ? WHERE id = ?`, state, id)
	if err != nil {
		return fmt.Errorf("update operation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errclass.ErrNoSuchObject.WithMessagef("no such operation '%s'", id)
	}
	return nil
}

// DeleteOperation removes an operation and its progress entries.
func (t *Tx) DeleteOperation(id string) error {
	if _, err := t.exec(`DELETE FROM progress_entries WHERE operation = ?`, id); err != nil {
		return fmt.Errorf("delete progress of %s: %w", id, err)
	}
	if _, err := t.exec(`DELETE FROM operations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete operation %s: %w", id, err)
	}
	return nil
}

// OperationInProgress returns the id of a running operation of the given
// type on commitID, or "" if there is none. A non-empty remote narrows the
// match to that remote.
func (t *Tx) OperationInProgress(repo string, opType model.OperationType, commitID, remote string) (string, error) {
	query := `SELECT id FROM operations WHERE repo = ? AND type = ? AND commit_id = ? AND state = ?`
	args := []any{repo, opType, commitID, model.OperationRunning}
	if remote != "" {
		query += ` AND remote = ?`
		args = append(args, remote)
	}
	var id string
	err := t.queryRow(query+` LIMIT 1`, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("check operations in progress: %w", err)
	}
	return id, nil
}

// AddProgressEntry appends an entry and returns its id. Ids increase
// monotonically across all operations.
func (t *Tx) AddProgressEntry(operation string, entry model.ProgressEntry) (int64, error) {
	var percent sql.NullInt64
	if entry.Percent != nil {
		percent = sql.NullInt64{Int64: int64(*entry.Percent), Valid: true}
	}
	res, err := t.exec(`INSERT INTO progress_entries (operation, type, message, percent) VALUES (?, ?, ?, ?)`,
		operation, entry.Type, entry.Message, percent)
	if err != nil {
		return 0, fmt.Errorf("add progress entry: %w", err)
	}
	return res.LastInsertId()
}

// ListProgressEntries returns the entries of operation with id > lastID in
// ascending id order.
func (t *Tx) ListProgressEntries(operation string, lastID int64) ([]model.ProgressEntry, error) {
	rows, err := t.query(`SELECT id, type, message, percent FROM progress_entries
		WHERE operation = ? AND id > ? ORDER BY id`, operation, lastID)
	if err != nil {
		return nil, fmt.Errorf("list progress entries: %w", err)
	}
	defer rows.Close()

	var entries []model.ProgressEntry
	for rows.Next() {
		var e model.ProgressEntry
		var percent sql.NullInt64
		if err := rows.Scan(&e.ID, &e.Type, &e.Message, &percent); err != nil {
			return nil, err
		}
		if percent.Valid {
			p := int(percent.Int64)
			e.Percent = &p
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanOperation(row rowScanner) (*OperationRecord, error) {
	var rec OperationRecord
	var params string
	op := &rec.Operation
	if err := row.Scan(&op.ID, &rec.Repo, &op.Type, &op.State, &op.Remote, &op.CommitID,
		&rec.MetadataOnly, &params); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &rec.Params); err != nil {
		return nil, fmt.Errorf("decode operation parameters: %w", err)
	}
	return &rec, nil
}

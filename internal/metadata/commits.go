package metadata

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/titan-data/titan/pkg/errclass"
	"github.com/titan-data/titan/pkg/model"
)

// CommitRecord is a commit row: the API commit plus its bookkeeping.
type CommitRecord struct {
	RowID        int64
	Repo         string
	VolumeSet    string
	SourceCommit string
	Timestamp    time.Time
	State        model.ObjectState
	Commit       model.Commit
}

const commitColumns = `id, guid, repo, volume_set, source_commit, timestamp, metadata, state`

// CreateCommit records a commit in volumeSet. The commit's source is the
// latest commit already in the set, or the set's own source commit.
func (t *Tx) CreateCommit(repo, volumeSet string, commit model.Commit) error {
	source, err := t.GetCommitSource(volumeSet)
	if err != nil {
		return err
	}
	ts := commit.Timestamp()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	meta, err := encodeMap(commit.Properties)
	if err != nil {
		return err
	}
	res, err := t.exec(`INSERT INTO commits (guid, repo, volume_set, source_commit, timestamp, metadata, state)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		commit.ID, repo, volumeSet, nullString(source), model.FormatTimestamp(ts), meta, model.StateActive)
	if err != nil {
		return fmt.Errorf("create commit %s: %w", commit.ID, err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return err
	}
	return t.insertTags(rowID, commit.Tags())
}

func (t *Tx) insertTags(rowID int64, tags map[string]string) error {
	for k, v := range tags {
		if _, err := t.exec(`INSERT INTO tags (commit_id, key, value) VALUES (?, ?, ?)`, rowID, k, v); err != nil {
			return fmt.Errorf("insert tag %s: %w", k, err)
		}
	}
	return nil
}

// GetCommitSource returns the id of the most recent commit in volumeSet, or
// the set's source commit when the set has none.
func (t *Tx) GetCommitSource(volumeSet string) (string, error) {
	var guid string
	err := t.queryRow(`SELECT guid FROM commits WHERE volume_set = ? ORDER BY timestamp DESC, id DESC LIMIT 1`,
		volumeSet).Scan(&guid)
	if err == nil {
		return guid, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("get commit source: %w", err)
	}
	vs, err := t.GetVolumeSet(volumeSet)
	if err != nil {
		return "", err
	}
	return vs.SourceCommit, nil
}

// GetCommit returns an active commit.
func (t *Tx) GetCommit(repo, id string) (*CommitRecord, error) {
	rec, err := t.scanCommit(t.queryRow(`SELECT `+commitColumns+` FROM commits
		WHERE repo = ? AND guid = ? AND state = ? ORDER BY id DESC LIMIT 1`, repo, id, model.StateActive))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errclass.ErrNoSuchObject.WithMessagef("no such commit '%s' in repository '%s'", id, repo)
	}
	return rec, err
}

// GetLastCommit returns the most recent active commit of repo, or nil.
func (t *Tx) GetLastCommit(repo string) (*CommitRecord, error) {
	rec, err := t.scanCommit(t.queryRow(`SELECT `+commitColumns+` FROM commits
		WHERE repo = ? AND state = ? ORDER BY timestamp DESC, id DESC LIMIT 1`, repo, model.StateActive))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// ListCommits returns active commits of repo, newest first. Each tag is
// either "key", matching commits that carry the key, or "key=value",
// matching an exact value. All tags must match.
func (t *Tx) ListCommits(repo string, tags []string) ([]model.Commit, error) {
	query := `SELECT ` + commitColumns + ` FROM commits c WHERE repo = ? AND state = ?`
	args := []any{repo, model.StateActive}
	for _, tag := range tags {
		if k, v, ok := strings.Cut(tag, "="); ok {
			query += ` AND EXISTS (SELECT 1 FROM tags t WHERE t.commit_id = c.id AND t.key = ? AND t.value = ?)`
			args = append(args, k, v)
		} else {
			query += ` AND EXISTS (SELECT 1 FROM tags t WHERE t.commit_id = c.id AND t.key = ?)`
			args = append(args, tag)
		}
	}
	query += ` ORDER BY timestamp DESC, id DESC`
	recs, err := t.listCommits(query, args...)
	if err != nil {
		return nil, err
	}
	commits := make([]model.Commit, 0, len(recs))
	for _, r := range recs {
		commits = append(commits, r.Commit)
	}
	return commits, nil
}

// ListDeletingCommits returns commits awaiting destruction across all
// repositories.
func (t *Tx) ListDeletingCommits() ([]CommitRecord, error) {
	return t.listCommits(`SELECT `+commitColumns+` FROM commits WHERE state = ? ORDER BY id`, model.StateDeleting)
}

// LatestCommitInVolumeSet returns the newest commit created in volumeSet, or
// nil.
func (t *Tx) LatestCommitInVolumeSet(volumeSet string) (*CommitRecord, error) {
	rec, err := t.scanCommit(t.queryRow(`SELECT `+commitColumns+` FROM commits
		WHERE volume_set = ? AND state = ? ORDER BY timestamp DESC, id DESC LIMIT 1`, volumeSet, model.StateActive))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// HasClones reports whether any volume set was cloned from the commit row.
func (t *Tx) HasClones(rowID int64) (bool, error) {
	var n int
	if err := t.queryRow(`SELECT COUNT(*) FROM volume_sets WHERE source_id = ?`, rowID).Scan(&n); err != nil {
		return false, fmt.Errorf("count clones: %w", err)
	}
	return n > 0, nil
}

// UpdateCommit replaces an active commit's properties, timestamp and tags.
func (t *Tx) UpdateCommit(repo string, commit model.Commit) error {
	rec, err := t.GetCommit(repo, commit.ID)
	if err != nil {
		return err
	}
	ts := commit.Timestamp()
	if ts.IsZero() {
		ts = rec.Timestamp
	}
	meta, err := encodeMap(commit.Properties)
	if err != nil {
		return err
	}
	if _, err := t.exec(`UPDATE commits SET timestamp = ?, metadata = ? WHERE id = ?`,
		model.FormatTimestamp(ts), meta, rec.RowID); err != nil {
		return fmt.Errorf("update commit %s: %w", commit.ID, err)
	}
	if _, err := t.exec(`DELETE FROM tags WHERE commit_id = ?`, rec.RowID); err != nil {
		return fmt.Errorf("clear tags of %s: %w", commit.ID, err)
	}
	return t.insertTags(rec.RowID, commit.Tags())
}

// MarkCommitDeleting flags an active commit for the reaper.
func (t *Tx) MarkCommitDeleting(repo, id string) error {
	res, err := t.exec(`UPDATE commits SET state = ? WHERE repo = ? AND guid = ? AND state = ?`,
		model.StateDeleting, repo, id, model.StateActive)
	if err != nil {
		return fmt.Errorf("mark commit %s deleting: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errclass.ErrNoSuchObject.WithMessagef("no such commit '%s' in repository '%s'", id, repo)
	}
	return nil
}

// DeleteCommit removes a commit row and its tags.
func (t *Tx) DeleteCommit(rowID int64) error {
	if _, err := t.exec(`DELETE FROM tags WHERE commit_id = ?`, rowID); err != nil {
		return fmt.Errorf("delete tags: %w", err)
	}
	if _, err := t.exec(`DELETE FROM commits WHERE id = ?`, rowID); err != nil {
		return fmt.Errorf("delete commit: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (t *Tx) scanCommit(row rowScanner) (*CommitRecord, error) {
	var rec CommitRecord
	var guid, ts, meta string
	var source sql.NullString
	if err := row.Scan(&rec.RowID, &guid, &rec.Repo, &rec.VolumeSet, &source, &ts, &meta, &rec.State); err != nil {
		return nil, err
	}
	props, err := decodeMap(meta)
	if err != nil {
		return nil, err
	}
	rec.SourceCommit = source.String
	rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	rec.Commit = model.Commit{ID: guid, Properties: props}
	return &rec, nil
}

func (t *Tx) listCommits(query string, args ...any) ([]CommitRecord, error) {
	rows, err := t.query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	defer rows.Close()

	var recs []CommitRecord
	for rows.Next() {
		rec, err := t.scanCommit(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Text ordering breaks down when fractional precision differs.
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Timestamp.After(recs[j].Timestamp)
	})
	return recs, nil
}

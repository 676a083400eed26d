package metadata

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/titan-data/titan/pkg/errclass"
	"github.com/titan-data/titan/pkg/model"
)

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

// CreateRepository inserts a repository row.
func (t *Tx) CreateRepository(repo model.Repository) error {
	props, err := encodeMap(repo.Properties)
	if err != nil {
		return err
	}
	_, err = t.exec(`INSERT INTO repositories (name, properties) VALUES (?, ?)`, repo.Name, props)
	if isConstraint(err) {
		return errclass.ErrObjectExists.WithMessagef("repository '%s' already exists", repo.Name)
	}
	if err != nil {
		return fmt.Errorf("create repository %s: %w", repo.Name, err)
	}
	return nil
}

// GetRepository returns the named repository.
func (t *Tx) GetRepository(name string) (*model.Repository, error) {
	var props string
	err := t.queryRow(`SELECT properties FROM repositories WHERE name = ?`, name).Scan(&props)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errclass.ErrNoSuchObject.WithMessagef("no such repository '%s'", name)
	}
	if err != nil {
		return nil, fmt.Errorf("get repository %s: %w", name, err)
	}
	m, err := decodeMap(props)
	if err != nil {
		return nil, err
	}
	return &model.Repository{Name: name, Properties: m}, nil
}

// ListRepositories returns all repositories ordered by name.
func (t *Tx) ListRepositories() ([]model.Repository, error) {
	rows, err := t.query(`SELECT name, properties FROM repositories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	var repos []model.Repository
	for rows.Next() {
		var name, props string
		if err := rows.Scan(&name, &props); err != nil {
			return nil, err
		}
		m, err := decodeMap(props)
		if err != nil {
			return nil, err
		}
		repos = append(repos, model.Repository{Name: name, Properties: m})
	}
	return repos, rows.Err()
}

// UpdateRepository renames and/or replaces the properties of a repository.
// A rename is carried through every table that references the repository.
func (t *Tx) UpdateRepository(name string, repo model.Repository) error {
	if _, err := t.GetRepository(name); err != nil {
		return err
	}
	props, err := encodeMap(repo.Properties)
	if err != nil {
		return err
	}
	if repo.Name != name {
		if _, err := t.GetRepository(repo.Name); err == nil {
			return errclass.ErrObjectExists.WithMessagef("repository '%s' already exists", repo.Name)
		}
		// Rows of an earlier repository with the same name that still await
		// the reaper keep their name.
		stmts := []struct {
			table string
			query string
			args  []any
		}{
			{"remotes", `UPDATE remotes SET repo = ? WHERE repo = ?`, nil},
			{"volume_sets", `UPDATE volume_sets SET repo = ? WHERE repo = ? AND state != ?`, []any{model.VolumeSetDeleting}},
			{"commits", `UPDATE commits SET repo = ? WHERE repo = ? AND state != ?`, []any{model.StateDeleting}},
			{"operations", `UPDATE operations SET repo = ? WHERE repo = ?`, nil},
		}
		for _, st := range stmts {
			args := append([]any{repo.Name, name}, st.args...)
			if _, err := t.exec(st.query, args...); err != nil {
				return fmt.Errorf("rename repository in %s: %w", st.table, err)
			}
		}
	}
	_, err = t.exec(`UPDATE repositories SET name = ?, properties = ? WHERE name = ?`, repo.Name, props, name)
	if err != nil {
		return fmt.Errorf("update repository %s: %w", name, err)
	}
	return nil
}

// DeleteRepository removes the repository row together with its remotes,
// its operations and their progress. Commits, tags, volume sets and volumes
// are left for the reaper, which must see them to tear storage down in
// dependency order.
func (t *Tx) DeleteRepository(name string) error {
	if _, err := t.GetRepository(name); err != nil {
		return err
	}
	stmts := []string{
		`DELETE FROM progress_entries WHERE operation IN (SELECT id FROM operations WHERE repo = ?)`,
		`DELETE FROM operations WHERE repo = ?`,
		`DELETE FROM remotes WHERE repo = ?`,
		`DELETE FROM repositories WHERE name = ?`,
	}
	for _, stmt := range stmts {
		if _, err := t.exec(stmt, name); err != nil {
			return fmt.Errorf("delete repository %s: %w", name, err)
		}
	}
	return nil
}

// AddRemote inserts a remote.
func (t *Tx) AddRemote(repo string, remote model.Remote) error {
	props, err := encodeMap(remote.Properties)
	if err != nil {
		return err
	}
	_, err = t.exec(`INSERT INTO remotes (repo, name, provider, properties) VALUES (?, ?, ?, ?)`,
		repo, remote.Name, remote.Provider, props)
	if isConstraint(err) {
		return errclass.ErrObjectExists.WithMessagef("remote '%s' already exists for repository '%s'", remote.Name, repo)
	}
	if err != nil {
		return fmt.Errorf("add remote %s: %w", remote.Name, err)
	}
	return nil
}

// GetRemote returns the named remote.
func (t *Tx) GetRemote(repo, name string) (*model.Remote, error) {
	var provider, props string
	err := t.queryRow(`SELECT provider, properties FROM remotes WHERE repo = ? AND name = ?`, repo, name).
		Scan(&provider, &props)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errclass.ErrNoSuchObject.WithMessagef("no such remote '%s' in repository '%s'", name, repo)
	}
	if err != nil {
		return nil, fmt.Errorf("get remote %s: %w", name, err)
	}
	m, err := decodeMap(props)
	if err != nil {
		return nil, err
	}
	return &model.Remote{Provider: provider, Name: name, Properties: m}, nil
}

// ListRemotes returns the remotes of a repository ordered by name.
func (t *Tx) ListRemotes(repo string) ([]model.Remote, error) {
	rows, err := t.query(`SELECT name, provider, properties FROM remotes WHERE repo = ? ORDER BY name`, repo)
	if err != nil {
		return nil, fmt.Errorf("list remotes: %w", err)
	}
	defer rows.Close()

	var remotes []model.Remote
	for rows.Next() {
		var name, provider, props string
		if err := rows.Scan(&name, &provider, &props); err != nil {
			return nil, err
		}
		m, err := decodeMap(props)
		if err != nil {
			return nil, err
		}
		remotes = append(remotes, model.Remote{Provider: provider, Name: name, Properties: m})
	}
	return remotes, rows.Err()
}

// UpdateRemote replaces the remote called name, possibly renaming it.
func (t *Tx) UpdateRemote(repo, name string, remote model.Remote) error {
	if _, err := t.GetRemote(repo, name); err != nil {
		return err
	}
	if remote.Name != name {
		if _, err := t.GetRemote(repo, remote.Name); err == nil {
			return errclass.ErrObjectExists.WithMessagef("remote '%s' already exists for repository '%s'", remote.Name, repo)
		}
	}
	props, err := encodeMap(remote.Properties)
	if err != nil {
		return err
	}
	_, err = t.exec(`UPDATE remotes SET name = ?, provider = ?, properties = ? WHERE repo = ? AND name = ?`,
		remote.Name, remote.Provider, props, repo, name)
	if err != nil {
		return fmt.Errorf("update remote %s: %w", name, err)
	}
	return nil
}

// RemoveRemote deletes a remote.
func (t *Tx) RemoveRemote(repo, name string) error {
	res, err := t.exec(`DELETE FROM remotes WHERE repo = ? AND name = ?`, repo, name)
	if err != nil {
		return fmt.Errorf("remove remote %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errclass.ErrNoSuchObject.WithMessagef("no such remote '%s' in repository '%s'", name, repo)
	}
	return nil
}

package metadata

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/titan-data/titan/pkg/errclass"
	"github.com/titan-data/titan/pkg/model"
)

// VolumeSet is the unit of physical cloning for a repository.
type VolumeSet struct {
	ID           string
	Repo         string
	SourceCommit string
	State        model.VolumeSetState
}

// VolumeRecord is a volume together with its owning set and state.
type VolumeRecord struct {
	VolumeSet string
	Volume    model.Volume
	State     model.ObjectState
}

// CreateVolumeSet allocates a new volume set for repo. When sourceCommit is
// set the new set records a clone dependency on that commit.
func (t *Tx) CreateVolumeSet(repo, sourceCommit string, activate bool) (string, error) {
	id := uuid.NewString()
	var sourceID sql.NullInt64
	if sourceCommit != "" {
		err := t.queryRow(`SELECT id FROM commits WHERE repo = ? AND guid = ? AND state = ? ORDER BY id DESC LIMIT 1`,
			repo, sourceCommit, model.StateActive).Scan(&sourceID)
		if errors.Is(err, sql.ErrNoRows) {
			return "", errclass.ErrNoSuchObject.WithMessagef("no such commit '%s' in repository '%s'", sourceCommit, repo)
		}
		if err != nil {
			return "", fmt.Errorf("resolve source commit: %w", err)
		}
	}
	state := model.VolumeSetInactive
	if activate {
		state = model.VolumeSetActive
	}
	_, err := t.exec(`INSERT INTO volume_sets (id, repo, source_commit, source_id, state) VALUES (?, ?, ?, ?, ?)`,
		id, repo, nullString(sourceCommit), sourceID, state)
	if err != nil {
		return "", fmt.Errorf("create volume set: %w", err)
	}
	return id, nil
}

// GetVolumeSet returns a volume set by id.
func (t *Tx) GetVolumeSet(id string) (*VolumeSet, error) {
	vs := VolumeSet{ID: id}
	var source sql.NullString
	err := t.queryRow(`SELECT repo, source_commit, state FROM volume_sets WHERE id = ?`, id).
		Scan(&vs.Repo, &source, &vs.State)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errclass.ErrNoSuchObject.WithMessagef("no such volume set '%s'", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get volume set %s: %w", id, err)
	}
	vs.SourceCommit = source.String
	return &vs, nil
}

// GetActiveVolumeSet returns the id of the repository's active volume set.
func (t *Tx) GetActiveVolumeSet(repo string) (string, error) {
	var id string
	err := t.queryRow(`SELECT id FROM volume_sets WHERE repo = ? AND state = ?`, repo, model.VolumeSetActive).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errclass.ErrNoSuchObject.WithMessagef("no such repository '%s'", repo)
	}
	if err != nil {
		return "", fmt.Errorf("get active volume set: %w", err)
	}
	return id, nil
}

// ActivateVolumeSet makes id the repository's active set; the previously
// active set becomes inactive.
func (t *Tx) ActivateVolumeSet(repo, id string) error {
	if _, err := t.exec(`UPDATE volume_sets SET state = ? WHERE repo = ? AND state = ?`,
		model.VolumeSetInactive, repo, model.VolumeSetActive); err != nil {
		return fmt.Errorf("deactivate volume sets: %w", err)
	}
	res, err := t.exec(`UPDATE volume_sets SET state = ? WHERE id = ? AND repo = ? AND state != ?`,
		model.VolumeSetActive, id, repo, model.VolumeSetDeleting)
	if err != nil {
		return fmt.Errorf("activate volume set %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errclass.ErrNoSuchObject.WithMessagef("no such volume set '%s'", id)
	}
	return nil
}

// MarkVolumeSetDeleting transitions a volume set, and every commit in it,
// to the deleting state.
func (t *Tx) MarkVolumeSetDeleting(id string) error {
	if _, err := t.exec(`UPDATE volume_sets SET state = ? WHERE id = ?`, model.VolumeSetDeleting, id); err != nil {
		return fmt.Errorf("mark volume set %s deleting: %w", id, err)
	}
	if _, err := t.exec(`UPDATE commits SET state = ? WHERE volume_set = ?`, model.StateDeleting, id); err != nil {
		return fmt.Errorf("mark commits of %s deleting: %w", id, err)
	}
	return nil
}

// MarkAllVolumeSetsDeleting marks every volume set of repo, and every
// commit in them, deleting. The reaper then destroys commits before the
// sets that own them.
func (t *Tx) MarkAllVolumeSetsDeleting(repo string) error {
	if _, err := t.exec(`UPDATE volume_sets SET state = ? WHERE repo = ?`, model.VolumeSetDeleting, repo); err != nil {
		return fmt.Errorf("mark volume sets deleting: %w", err)
	}
	if _, err := t.exec(`UPDATE commits SET state = ? WHERE repo = ?`, model.StateDeleting, repo); err != nil {
		return fmt.Errorf("mark commits deleting: %w", err)
	}
	return nil
}

// IsVolumeSetEmpty reports whether no commit, in any state, lives in id.
func (t *Tx) IsVolumeSetEmpty(id string) (bool, error) {
	var n int
	if err := t.queryRow(`SELECT COUNT(*) FROM commits WHERE volume_set = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("count commits in %s: %w", id, err)
	}
	return n == 0, nil
}

// ListInactiveVolumeSets returns the ids of inactive sets across all
// repositories.
func (t *Tx) ListInactiveVolumeSets() ([]string, error) {
	return t.listVolumeSetIDs(model.VolumeSetInactive)
}

// ListDeletingVolumeSets returns the ids of sets awaiting destruction.
func (t *Tx) ListDeletingVolumeSets() ([]string, error) {
	return t.listVolumeSetIDs(model.VolumeSetDeleting)
}

func (t *Tx) listVolumeSetIDs(state model.VolumeSetState) ([]string, error) {
	rows, err := t.query(`SELECT id FROM volume_sets WHERE state = ? ORDER BY rowid`, state)
	if err != nil {
		return nil, fmt.Errorf("list volume sets: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountActiveVolumeSets returns how many sets of repo are active.
func (t *Tx) CountActiveVolumeSets(repo string) (int, error) {
	var n int
	err := t.queryRow(`SELECT COUNT(*) FROM volume_sets WHERE repo = ? AND state = ?`, repo, model.VolumeSetActive).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active volume sets: %w", err)
	}
	return n, nil
}

// DeleteVolumeSet removes a set's row and any volume rows left in it.
func (t *Tx) DeleteVolumeSet(id string) error {
	if _, err := t.exec(`DELETE FROM volumes WHERE volume_set = ?`, id); err != nil {
		return fmt.Errorf("delete volumes of %s: %w", id, err)
	}
	if _, err := t.exec(`DELETE FROM volume_sets WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete volume set %s: %w", id, err)
	}
	return nil
}

// CreateVolume adds a volume to a set.
func (t *Tx) CreateVolume(volumeSet string, v model.Volume) error {
	props, err := encodeMap(v.Properties)
	if err != nil {
		return err
	}
	config, err := encodeMap(v.Config)
	if err != nil {
		return err
	}
	_, err = t.exec(`INSERT INTO volumes (volume_set, name, properties, config, state) VALUES (?, ?, ?, ?, ?)`,
		volumeSet, v.Name, props, config, model.StateActive)
	if isConstraint(err) {
		return errclass.ErrObjectExists.WithMessagef("volume '%s' already exists", v.Name)
	}
	if err != nil {
		return fmt.Errorf("create volume %s: %w", v.Name, err)
	}
	return nil
}

// GetVolume returns an active volume.
func (t *Tx) GetVolume(volumeSet, name string) (*model.Volume, error) {
	var props, config string
	err := t.queryRow(`SELECT properties, config FROM volumes WHERE volume_set = ? AND name = ? AND state = ?`,
		volumeSet, name, model.StateActive).Scan(&props, &config)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errclass.ErrNoSuchObject.WithMessagef("no such volume '%s'", name)
	}
	if err != nil {
		return nil, fmt.Errorf("get volume %s: %w", name, err)
	}
	return decodeVolume(name, props, config)
}

// ListVolumes returns the active volumes of a set ordered by name.
func (t *Tx) ListVolumes(volumeSet string) ([]model.Volume, error) {
	recs, err := t.listVolumes(`SELECT volume_set, name, properties, config, state FROM volumes
		WHERE volume_set = ? AND state = ? ORDER BY name`, volumeSet, model.StateActive)
	if err != nil {
		return nil, err
	}
	vols := make([]model.Volume, 0, len(recs))
	for _, r := range recs {
		vols = append(vols, r.Volume)
	}
	return vols, nil
}

// ListAllVolumes returns every volume of a set regardless of state.
func (t *Tx) ListAllVolumes(volumeSet string) ([]VolumeRecord, error) {
	return t.listVolumes(`SELECT volume_set, name, properties, config, state FROM volumes
		WHERE volume_set = ? ORDER BY name`, volumeSet)
}

// ListDeletingVolumes returns volumes individually marked for deletion.
func (t *Tx) ListDeletingVolumes() ([]VolumeRecord, error) {
	return t.listVolumes(`SELECT volume_set, name, properties, config, state FROM volumes
		WHERE state = ? ORDER BY volume_set, name`, model.StateDeleting)
}

func (t *Tx) listVolumes(query string, args ...any) ([]VolumeRecord, error) {
	rows, err := t.query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list volumes: %w", err)
	}
	defer rows.Close()

	var recs []VolumeRecord
	for rows.Next() {
		var set, name, props, config string
		var state model.ObjectState
		if err := rows.Scan(&set, &name, &props, &config, &state); err != nil {
			return nil, err
		}
		v, err := decodeVolume(name, props, config)
		if err != nil {
			return nil, err
		}
		recs = append(recs, VolumeRecord{VolumeSet: set, Volume: *v, State: state})
	}
	return recs, rows.Err()
}

// UpdateVolumeConfig persists the backend config returned by the runtime.
func (t *Tx) UpdateVolumeConfig(volumeSet, name string, config map[string]any) error {
	c, err := encodeMap(config)
	if err != nil {
		return err
	}
	return t.updateVolume(name, `UPDATE volumes SET config = ? WHERE volume_set = ? AND name = ?`, c, volumeSet, name)
}

// UpdateVolumeProperties replaces a volume's user properties.
func (t *Tx) UpdateVolumeProperties(volumeSet, name string, props map[string]any) error {
	p, err := encodeMap(props)
	if err != nil {
		return err
	}
	return t.updateVolume(name, `UPDATE volumes SET properties = ? WHERE volume_set = ? AND name = ? AND state = ?`,
		p, volumeSet, name, model.StateActive)
}

// MarkVolumeDeleting flags a single volume for the reaper.
func (t *Tx) MarkVolumeDeleting(volumeSet, name string) error {
	return t.updateVolume(name, `UPDATE volumes SET state = ? WHERE volume_set = ? AND name = ? AND state = ?`,
		model.StateDeleting, volumeSet, name, model.StateActive)
}

func (t *Tx) updateVolume(name, query string, args ...any) error {
	res, err := t.exec(query, args...)
	if err != nil {
		return fmt.Errorf("update volume: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errclass.ErrNoSuchObject.WithMessagef("no such volume '%s'", name)
	}
	return nil
}

// DeleteVolume removes a volume row.
func (t *Tx) DeleteVolume(volumeSet, name string) error {
	if _, err := t.exec(`DELETE FROM volumes WHERE volume_set = ? AND name = ?`, volumeSet, name); err != nil {
		return fmt.Errorf("delete volume %s: %w", name, err)
	}
	return nil
}

func decodeVolume(name, props, config string) (*model.Volume, error) {
	p, err := decodeMap(props)
	if err != nil {
		return nil, err
	}
	c, err := decodeMap(config)
	if err != nil {
		return nil, err
	}
	return &model.Volume{Name: name, Properties: p, Config: c}, nil
}

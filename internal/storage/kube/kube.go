// Package kube implements a runtime context on Kubernetes CSI storage. Each
// volume is a PersistentVolumeClaim and each commit of a volume is a
// VolumeSnapshot; clones are claims whose data source is a snapshot.
package kube

import (
	"context"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"

	"github.com/titan-data/titan/internal/storage"
	"github.com/titan-data/titan/pkg/errclass"
	"github.com/titan-data/titan/pkg/logging"
	"github.com/titan-data/titan/pkg/model"
)

// Provider is the name of this runtime context.
const Provider = "kubernetes-csi"

const (
	labelVolumeSet = "titan-data.io/volume-set"
	labelVolume    = "titan-data.io/volume"
	labelCommit    = "titan-data.io/commit"

	snapshotGroup = "snapshot.storage.k8s.io"
)

// SnapshotGVK identifies the CSI VolumeSnapshot resource.
var SnapshotGVK = schema.GroupVersionKind{Group: snapshotGroup, Version: "v1", Kind: "VolumeSnapshot"}

// Options configures the context.
type Options struct {
	Namespace     string
	StorageClass  string
	SnapshotClass string
	Size          string
}

// Context is a Kubernetes CSI runtime context.
type Context struct {
	client client.Client
	opts   Options
	size   resource.Quantity
	log    *logging.Logger
}

// New creates a context that uses c for all API calls.
func New(c client.Client, opts Options) (*Context, error) {
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	if opts.Size == "" {
		opts.Size = "1Gi"
	}
	size, err := resource.ParseQuantity(opts.Size)
	if err != nil {
		return nil, errclass.ErrInvalidArgument.WithMessagef("invalid volume size '%s': %v", opts.Size, err)
	}
	return &Context{
		client: c,
		opts:   opts,
		size:   size,
		log:    logging.WithFields(map[string]any{"component": "storage", "provider": Provider}),
	}, nil
}

// FromProperties builds a client from the "kubeconfig" property (or the
// ambient configuration when unset) and creates a context.
func FromProperties(props map[string]string) (*Context, error) {
	restConfig, err := ctrlconfig.GetConfig()
	if path := props["kubeconfig"]; path != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", path)
	}
	if err != nil {
		return nil, fmt.Errorf("load kubernetes config: %w", err)
	}
	c, err := client.New(restConfig, client.Options{Scheme: clientgoscheme.Scheme})
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return New(c, Options{
		Namespace:     props["namespace"],
		StorageClass:  props["storageClass"],
		SnapshotClass: props["snapshotClass"],
		Size:          props["size"],
	})
}

func (c *Context) Provider() string { return Provider }

func (c *Context) Properties() map[string]string {
	return map[string]string{
		"namespace":     c.opts.Namespace,
		"storageClass":  c.opts.StorageClass,
		"snapshotClass": c.opts.SnapshotClass,
		"size":          c.opts.Size,
	}
}

// dnsName lowers s and replaces characters not allowed in object names.
func dnsName(parts ...string) string {
	joined := strings.ToLower(strings.Join(parts, "-"))
	name := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '.' {
			return r
		}
		return '-'
	}, joined)
	name = strings.Trim(name, "-.")
	if len(name) > 253 {
		name = name[:253]
	}
	return name
}

func claimName(volumeSet, volume string) string {
	return dnsName(volumeSet, volume)
}

func snapshotName(volumeSet, volume, commit string) string {
	return dnsName(volumeSet, volume, commit)
}

// CreateVolumeSet is a no-op: claims are grouped by label.
func (c *Context) CreateVolumeSet(ctx context.Context, volumeSet string) error {
	return nil
}

// CloneVolumeSet is a no-op: claims are restored one at a time by CloneVolume.
func (c *Context) CloneVolumeSet(ctx context.Context, srcSet, srcCommit, dstSet string) error {
	return nil
}

// DeleteVolumeSet removes every claim and snapshot labelled with the set.
func (c *Context) DeleteVolumeSet(ctx context.Context, volumeSet string) error {
	sel := client.MatchingLabels{labelVolumeSet: volumeSet}

	var snaps unstructured.UnstructuredList
	snaps.SetGroupVersionKind(SnapshotGVK.GroupVersion().WithKind(SnapshotGVK.Kind + "List"))
	if err := c.client.List(ctx, &snaps, client.InNamespace(c.opts.Namespace), sel); err != nil {
		return fmt.Errorf("list snapshots of %s: %w", volumeSet, err)
	}
	for i := range snaps.Items {
		if err := client.IgnoreNotFound(c.client.Delete(ctx, &snaps.Items[i])); err != nil {
			return fmt.Errorf("delete snapshot %s: %w", snaps.Items[i].GetName(), err)
		}
	}

	var claims corev1.PersistentVolumeClaimList
	if err := c.client.List(ctx, &claims, client.InNamespace(c.opts.Namespace), sel); err != nil {
		return fmt.Errorf("list claims of %s: %w", volumeSet, err)
	}
	for i := range claims.Items {
		if err := client.IgnoreNotFound(c.client.Delete(ctx, &claims.Items[i])); err != nil {
			return fmt.Errorf("delete claim %s: %w", claims.Items[i].Name, err)
		}
	}
	c.log.Debug("volume set deleted", map[string]any{
		"volume_set": volumeSet,
		"claims":     len(claims.Items),
		"snapshots":  len(snaps.Items),
	})
	return nil
}

func (c *Context) newClaim(volumeSet, name string) *corev1.PersistentVolumeClaim {
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      claimName(volumeSet, name),
			Namespace: c.opts.Namespace,
			Labels:    map[string]string{labelVolumeSet: volumeSet, labelVolume: dnsName(name)},
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: c.size},
			},
		},
	}
	if c.opts.StorageClass != "" {
		sc := c.opts.StorageClass
		pvc.Spec.StorageClassName = &sc
	}
	return pvc
}

func (c *Context) createClaim(ctx context.Context, pvc *corev1.PersistentVolumeClaim) (map[string]any, error) {
	if err := c.client.Create(ctx, pvc); err != nil && !apierrors.IsAlreadyExists(err) {
		return nil, fmt.Errorf("create claim %s: %w", pvc.Name, err)
	}
	return map[string]any{"pvc": pvc.Name, "namespace": pvc.Namespace}, nil
}

func (c *Context) CreateVolume(ctx context.Context, volumeSet, name string) (map[string]any, error) {
	return c.createClaim(ctx, c.newClaim(volumeSet, name))
}

func (c *Context) CloneVolume(ctx context.Context, srcSet, srcCommit, dstSet, name string, srcConfig map[string]any) (map[string]any, error) {
	pvc := c.newClaim(dstSet, name)
	group := snapshotGroup
	pvc.Spec.DataSource = &corev1.TypedLocalObjectReference{
		APIGroup: &group,
		Kind:     SnapshotGVK.Kind,
		Name:     snapshotName(srcSet, name, srcCommit),
	}
	return c.createClaim(ctx, pvc)
}

func (c *Context) getClaim(ctx context.Context, volumeSet, name string) (*corev1.PersistentVolumeClaim, error) {
	var pvc corev1.PersistentVolumeClaim
	key := client.ObjectKey{Namespace: c.opts.Namespace, Name: claimName(volumeSet, name)}
	if err := c.client.Get(ctx, key, &pvc); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, errclass.ErrNoSuchObject.WithMessagef("no such volume '%s'", name)
		}
		return nil, fmt.Errorf("get claim %s: %w", key.Name, err)
	}
	return &pvc, nil
}

func (c *Context) DeleteVolume(ctx context.Context, volumeSet, name string, config map[string]any) error {
	pvc := &corev1.PersistentVolumeClaim{ObjectMeta: metav1.ObjectMeta{
		Name:      claimName(volumeSet, name),
		Namespace: c.opts.Namespace,
	}}
	if err := client.IgnoreNotFound(c.client.Delete(ctx, pvc)); err != nil {
		return fmt.Errorf("delete claim %s: %w", pvc.Name, err)
	}
	return nil
}

// ActivateVolume only checks that the claim exists; pods mount claims
// themselves.
func (c *Context) ActivateVolume(ctx context.Context, volumeSet, name string, config map[string]any) error {
	_, err := c.getClaim(ctx, volumeSet, name)
	return err
}

func (c *Context) DeactivateVolume(ctx context.Context, volumeSet, name string, config map[string]any) error {
	return nil
}

func (c *Context) GetVolumeStatus(ctx context.Context, volumeSet, name string, config map[string]any) (*model.VolumeStatus, error) {
	pvc, err := c.getClaim(ctx, volumeSet, name)
	if err != nil {
		return nil, err
	}
	status := &model.VolumeStatus{Name: name}
	size := pvc.Spec.Resources.Requests[corev1.ResourceStorage]
	if capacity, ok := pvc.Status.Capacity[corev1.ResourceStorage]; ok {
		size = capacity
	}
	status.LogicalSize = size.Value()
	status.ActualSize = size.Value()
	switch pvc.Status.Phase {
	case corev1.ClaimBound:
		status.Ready = true
	case corev1.ClaimLost:
		status.Error = "persistent volume lost"
	}
	return status, nil
}

func (c *Context) CreateCommit(ctx context.Context, volumeSet, commitID string, volumes []string) error {
	for _, vol := range volumes {
		snap := &unstructured.Unstructured{}
		snap.SetGroupVersionKind(SnapshotGVK)
		snap.SetName(snapshotName(volumeSet, vol, commitID))
		snap.SetNamespace(c.opts.Namespace)
		snap.SetLabels(map[string]string{
			labelVolumeSet: volumeSet,
			labelVolume:    dnsName(vol),
			labelCommit:    dnsName(commitID),
		})
		spec := map[string]any{
			"source": map[string]any{"persistentVolumeClaimName": claimName(volumeSet, vol)},
		}
		if c.opts.SnapshotClass != "" {
			spec["volumeSnapshotClassName"] = c.opts.SnapshotClass
		}
		if err := unstructured.SetNestedMap(snap.Object, spec, "spec"); err != nil {
			return err
		}
		if err := c.client.Create(ctx, snap); err != nil {
			if apierrors.IsAlreadyExists(err) {
				return errclass.ErrObjectExists.WithMessagef("commit '%s' already exists for volume '%s'", commitID, vol)
			}
			return fmt.Errorf("create snapshot %s: %w", snap.GetName(), err)
		}
	}
	return nil
}

func (c *Context) getSnapshot(ctx context.Context, volumeSet, vol, commitID string) (*unstructured.Unstructured, error) {
	snap := &unstructured.Unstructured{}
	snap.SetGroupVersionKind(SnapshotGVK)
	key := client.ObjectKey{Namespace: c.opts.Namespace, Name: snapshotName(volumeSet, vol, commitID)}
	if err := c.client.Get(ctx, key, snap); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, errclass.ErrNoSuchObject.WithMessagef("no such commit '%s' for volume '%s'", commitID, vol)
		}
		return nil, fmt.Errorf("get snapshot %s: %w", key.Name, err)
	}
	return snap, nil
}

// GetCommitStatus sums the restore sizes of the commit's snapshots. CSI does
// not report unique usage, so UniqueSize stays zero.
func (c *Context) GetCommitStatus(ctx context.Context, volumeSet, commitID string, volumes []string) (*model.CommitStatus, error) {
	status := &model.CommitStatus{Ready: true}
	for _, vol := range volumes {
		snap, err := c.getSnapshot(ctx, volumeSet, vol, commitID)
		if err != nil {
			return nil, err
		}
		if s, found, _ := unstructured.NestedString(snap.Object, "status", "restoreSize"); found {
			if q, err := resource.ParseQuantity(s); err == nil {
				status.LogicalSize += q.Value()
				status.ActualSize += q.Value()
			}
		}
		ready, _, _ := unstructured.NestedBool(snap.Object, "status", "readyToUse")
		if !ready {
			status.Ready = false
		}
		if msg, found, _ := unstructured.NestedString(snap.Object, "status", "error", "message"); found {
			status.Error = msg
		}
	}
	return status, nil
}

func (c *Context) DeleteCommit(ctx context.Context, volumeSet, commitID string, volumes []string) error {
	for _, vol := range volumes {
		snap := &unstructured.Unstructured{}
		snap.SetGroupVersionKind(SnapshotGVK)
		snap.SetName(snapshotName(volumeSet, vol, commitID))
		snap.SetNamespace(c.opts.Namespace)
		if err := client.IgnoreNotFound(c.client.Delete(ctx, snap)); err != nil {
			return fmt.Errorf("delete snapshot %s: %w", snap.GetName(), err)
		}
	}
	return nil
}

var _ storage.RuntimeContext = (*Context)(nil)

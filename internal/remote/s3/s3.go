// Package s3 stores commits in an S3 bucket. Each commit is an empty object
// at <path>/<commit> whose user metadata carries the commit as JSON, and
// each volume of the commit is a tar archive at <path>/<commit>/<volume>.tar.gz.
package s3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/titan-data/titan/internal/compression"
	"github.com/titan-data/titan/internal/remote"
	"github.com/titan-data/titan/pkg/errclass"
	"github.com/titan-data/titan/pkg/logging"
	"github.com/titan-data/titan/pkg/model"
	"github.com/titan-data/titan/pkg/progress"
)

// Provider is the provider name of the S3 remote.
const Provider = "s3"

// MetadataKey is the user metadata key holding a commit's JSON.
const MetadataKey = "io.titan-data"

// headConcurrency bounds concurrent HeadObject calls while listing.
const headConcurrency = 8

// RemoteConfig is the shape of an S3 remote's properties.
type RemoteConfig struct {
	Bucket      string `json:"bucket"`
	Path        string `json:"path,omitempty"`
	AccessKey   string `json:"accessKey,omitempty"`
	SecretKey   string `json:"secretKey,omitempty"`
	Region      string `json:"region,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Compression string `json:"compression,omitempty"`
}

// Parameters are per-operation S3 credentials, overriding the remote's.
type Parameters struct {
	AccessKey    string `json:"accessKey,omitempty"`
	SecretKey    string `json:"secretKey,omitempty"`
	SessionToken string `json:"sessionToken,omitempty"`
	Region       string `json:"region,omitempty"`
}

// Client is the subset of the S3 API used by the provider.
type Client interface {
	s3.ListObjectsV2APIClient
	s3.HeadObjectAPIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ClientFactory builds a client for a remote and its parameters.
type ClientFactory func(ctx context.Context, cfg RemoteConfig, params Parameters) (Client, error)

// Server is the S3 remote server.
type Server struct {
	newClient ClientFactory
	log       *logging.Logger
}

// New returns a server that talks to AWS.
func New() *Server {
	return NewWithClient(DefaultClient)
}

// NewWithClient returns a server that obtains clients from factory.
func NewWithClient(factory ClientFactory) *Server {
	return &Server{
		newClient: factory,
		log:       logging.WithFields(map[string]any{"component": "remote", "provider": Provider}),
	}
}

// DefaultClient builds an AWS client from static credentials. Parameters
// take precedence over the remote's own settings.
func DefaultClient(ctx context.Context, cfg RemoteConfig, params Parameters) (Client, error) {
	accessKey := firstNonEmpty(params.AccessKey, cfg.AccessKey)
	secretKey := firstNonEmpty(params.SecretKey, cfg.SecretKey)
	region := firstNonEmpty(params.Region, cfg.Region)
	if accessKey == "" || secretKey == "" {
		return nil, errclass.ErrInvalidArgument.WithMessage("missing access key or secret key")
	}
	if region == "" {
		return nil, errclass.ErrInvalidArgument.WithMessage("missing region")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, params.SessionToken)),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ParseURI converts s3://bucket[/path] into remote properties. Extra
// properties such as keys and region come from props.
func ParseURI(uri string, props map[string]string) (map[string]any, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != Provider {
		return nil, errclass.ErrInvalidArgument.WithMessagef("invalid s3 remote '%s'", uri)
	}
	if u.Host == "" || u.User != nil || u.Port() != "" {
		return nil, errclass.ErrInvalidArgument.WithMessage("s3 remote must be of the form s3://bucket[/path]")
	}
	cfg := RemoteConfig{Bucket: u.Host, Path: strings.Trim(u.Path, "/")}
	for k, v := range props {
		switch k {
		case "accessKey":
			cfg.AccessKey = v
		case "secretKey":
			cfg.SecretKey = v
		case "region":
			cfg.Region = v
		case "endpoint":
			cfg.Endpoint = v
		case "compression":
			cfg.Compression = v
		default:
			return nil, errclass.ErrInvalidArgument.WithMessagef("invalid s3 remote property '%s'", k)
		}
	}
	if (cfg.AccessKey == "") != (cfg.SecretKey == "") {
		return nil, errclass.ErrInvalidArgument.WithMessage("either both access key and secret key must be set or neither")
	}
	return model.EncodeProperties(cfg)
}

func (s *Server) Provider() string { return Provider }

func decodeRemote(props map[string]any) (RemoteConfig, error) {
	var cfg RemoteConfig
	if err := model.DecodeProperties(props, &cfg); err != nil {
		return cfg, errclass.ErrInvalidArgument.WithMessagef("invalid s3 remote: %v", err)
	}
	if cfg.Bucket == "" {
		return cfg, errclass.ErrInvalidArgument.WithMessage("s3 remote requires a bucket")
	}
	if _, err := compression.NewCompressorFromString(cfg.Compression); err != nil {
		return cfg, errclass.ErrInvalidArgument.WithMessage(err.Error())
	}
	return cfg, nil
}

func decodeParameters(props map[string]any) (Parameters, error) {
	var p Parameters
	if err := model.DecodeProperties(props, &p); err != nil {
		return p, errclass.ErrInvalidArgument.WithMessagef("invalid s3 parameters: %v", err)
	}
	return p, nil
}

func (s *Server) ValidateRemote(props map[string]any) error {
	_, err := decodeRemote(props)
	return err
}

func (s *Server) ValidateParameters(props map[string]any) error {
	_, err := decodeParameters(props)
	return err
}

func (s *Server) client(ctx context.Context, r model.Remote, params model.RemoteParameters) (Client, RemoteConfig, error) {
	cfg, err := decodeRemote(r.Properties)
	if err != nil {
		return nil, cfg, err
	}
	p, err := decodeParameters(params.Properties)
	if err != nil {
		return nil, cfg, err
	}
	c, err := s.newClient(ctx, cfg, p)
	return c, cfg, err
}

func commitKey(cfg RemoteConfig, commitID string) string {
	if cfg.Path == "" {
		return commitID
	}
	return cfg.Path + "/" + commitID
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == 404
}

func (s *Server) headCommit(ctx context.Context, c Client, bucket, key string) (*model.Commit, error) {
	out, err := c.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, errclass.ErrRemote.WithMessagef("head %s: %v", key, err)
	}
	raw, ok := out.Metadata[MetadataKey]
	if !ok {
		return nil, nil
	}
	var commit model.Commit
	if err := json.Unmarshal([]byte(raw), &commit); err != nil {
		return nil, errclass.ErrRemote.WithMessagef("decode commit metadata of %s: %v", key, err)
	}
	return &commit, nil
}

// ListCommits lists the commit objects under the remote's path, fetching
// their metadata concurrently.
func (s *Server) ListCommits(ctx context.Context, r model.Remote, params model.RemoteParameters, tags []string) ([]model.Commit, error) {
	c, cfg, err := s.client(ctx, r, params)
	if err != nil {
		return nil, err
	}
	prefix := ""
	if cfg.Path != "" {
		prefix = cfg.Path + "/"
	}

	var keys []string
	pages := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{
		Bucket: aws.String(cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, errclass.ErrRemote.WithMessagef("list %s: %v", cfg.Bucket, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if rest := strings.TrimPrefix(key, prefix); rest != "" && !strings.Contains(rest, "/") {
				keys = append(keys, key)
			}
		}
	}

	found := make([]*model.Commit, len(keys))
	sem := semaphore.NewWeighted(headConcurrency)
	g, gctx := errgroup.WithContext(ctx)
	for i, key := range keys {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			commit, err := s.headCommit(gctx, c, cfg.Bucket, key)
			found[i] = commit
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var commits []model.Commit
	for _, commit := range found {
		if commit != nil && remote.MatchTags(*commit, tags) {
			commits = append(commits, *commit)
		}
	}
	remote.SortCommits(commits)
	return commits, nil
}

func (s *Server) GetCommit(ctx context.Context, r model.Remote, params model.RemoteParameters, id string) (*model.Commit, error) {
	c, cfg, err := s.client(ctx, r, params)
	if err != nil {
		return nil, err
	}
	return s.headCommit(ctx, c, cfg.Bucket, commitKey(cfg, id))
}

type operationData struct {
	client     Client
	cfg        RemoteConfig
	compressor *compression.Compressor
}

func (s *Server) StartOperation(ctx context.Context, op remote.Operation) (any, error) {
	c, cfg, err := s.client(ctx, op.Remote(), op.Params())
	if err != nil {
		return nil, err
	}
	comp, err := compression.NewCompressorFromString(cfg.Compression)
	if err != nil {
		return nil, errclass.ErrInvalidArgument.WithMessage(err.Error())
	}
	return &operationData{client: c, cfg: cfg, compressor: comp}, nil
}

func (s *Server) SyncVolume(ctx context.Context, op remote.Operation, data any, volume, description, localPath, scratchPath string) error {
	d, ok := data.(*operationData)
	if !ok {
		return errclass.ErrInvalidState.WithMessage("s3 operation was not started")
	}
	if localPath == "" || scratchPath == "" {
		return errclass.ErrInvalidState.WithMessagef("volume '%s' has no local mountpoint", volume)
	}
	key := commitKey(d.cfg, op.Operation().CommitID) + "/" + volume + d.compressor.Extension()
	archive := filepath.Join(scratchPath, volume+d.compressor.Extension())
	defer os.Remove(archive)

	if op.Operation().Type == model.OperationPush {
		return s.push(ctx, op, d, key, archive, description, localPath)
	}
	return s.pull(ctx, op, d, key, archive, description, localPath)
}

func (s *Server) push(ctx context.Context, op remote.Operation, d *operationData, key, archive, desc, localPath string) error {
	if err := op.AddProgress(model.ProgressEntry{Type: model.ProgressStart, Message: "Creating archive for " + desc}); err != nil {
		return err
	}
	f, err := os.Create(archive)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := d.compressor.Archive(ctx, localPath, f); err != nil {
		return fmt.Errorf("archive %s: %w", desc, err)
	}
	if err := op.AddProgress(model.ProgressEntry{Type: model.ProgressEnd}); err != nil {
		return err
	}

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	if err := op.AddProgress(model.ProgressEntry{Type: model.ProgressStart, Message: "Uploading archive for " + desc}); err != nil {
		return err
	}
	p := progress.New("Uploading "+desc, info.Size(), remote.ProgressCallback(op))
	_, err = d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.cfg.Bucket),
		Key:           aws.String(key),
		Body:          p.Reader(f),
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return errclass.ErrRemote.WithMessagef("upload %s: %v", key, err)
	}
	return op.AddProgress(model.ProgressEntry{Type: model.ProgressEnd})
}

func (s *Server) pull(ctx context.Context, op remote.Operation, d *operationData, key, archive, desc, localPath string) error {
	if err := op.AddProgress(model.ProgressEntry{Type: model.ProgressStart, Message: "Downloading archive for " + desc}); err != nil {
		return err
	}
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(d.cfg.Bucket), Key: aws.String(key)})
	if err != nil {
		if isNotFound(err) {
			return errclass.ErrNoSuchObject.WithMessagef("no archive for volume %s in remote", desc)
		}
		return errclass.ErrRemote.WithMessagef("download %s: %v", key, err)
	}
	defer out.Body.Close()

	f, err := os.Create(archive)
	if err != nil {
		return err
	}
	defer f.Close()
	p := progress.New("Downloading "+desc, aws.ToInt64(out.ContentLength), remote.ProgressCallback(op))
	if _, err := f.ReadFrom(p.Reader(out.Body)); err != nil {
		return errclass.ErrRemote.WithMessagef("download %s: %v", key, err)
	}
	if err := op.AddProgress(model.ProgressEntry{Type: model.ProgressEnd}); err != nil {
		return err
	}

	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	if err := op.AddProgress(model.ProgressEntry{Type: model.ProgressStart, Message: "Extracting archive for " + desc}); err != nil {
		return err
	}
	if err := d.compressor.Extract(ctx, f, localPath); err != nil {
		return fmt.Errorf("extract %s: %w", desc, err)
	}
	return op.AddProgress(model.ProgressEntry{Type: model.ProgressEnd})
}

// PushMetadata writes the commit object carrying the commit's metadata.
func (s *Server) PushMetadata(ctx context.Context, op remote.Operation, data any, commit model.Commit, isUpdate bool) error {
	d, ok := data.(*operationData)
	if !ok {
		return errclass.ErrInvalidState.WithMessage("s3 operation was not started")
	}
	meta, err := json.Marshal(commit)
	if err != nil {
		return err
	}
	key := commitKey(d.cfg, commit.ID)
	_, err = d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.cfg.Bucket),
		Key:           aws.String(key),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
		Metadata:      map[string]string{MetadataKey: string(meta)},
	})
	if err != nil {
		return errclass.ErrRemote.WithMessagef("put commit %s: %v", key, err)
	}
	return nil
}

func (s *Server) EndOperation(ctx context.Context, op remote.Operation, data any, success bool) error {
	return nil
}

// FailOperation leaves uploaded archives in place: without the commit
// object they are invisible to listing and are overwritten on retry.
func (s *Server) FailOperation(ctx context.Context, op remote.Operation, data any) error {
	s.log.Warn("s3 operation failed", map[string]any{"operation": op.Operation().ID, "commit": op.Operation().CommitID})
	return nil
}

var _ remote.Server = (*Server)(nil)

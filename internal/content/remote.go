package content

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/capsium/reactor/internal/capsule"
	"github.com/capsium/reactor/internal/cryptoutil"
	"github.com/capsium/reactor/internal/log"
	"github.com/capsium/reactor/internal/xerrors"
)

// syncStateFile records which files the last sync wrote into package_dir.
const syncStateFile = ".capsium-release.json"

// S3API is the subset of the S3 client RemoteSource uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// SSMAPI is the subset of the SSM client RemoteSource uses.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type RemoteOptions struct {
	Logger log.Logger

	// SSM parameter holding the current release id
	SSMParam string

	// Archives live at s3://{bucket}/{prefix}/{release}/*.cap, each with an
	// optional *.cap.bundle.json next to it.
	S3Bucket string
	S3Prefix string

	// PackageDir receives the synced files.
	PackageDir string

	// MaxObjectBytes rejects larger objects. Zero uses capsule.DefaultLimits.
	MaxObjectBytes int64

	// AWS config (uses default if nil); ignored when both clients are set
	AWSConfig *aws.Config
	S3Client  S3API
	SSMClient SSMAPI
}

// RemoteSource mirrors a release from S3 into package_dir.
type RemoteSource struct {
	opts      RemoteOptions
	s3Client  S3API
	ssmClient SSMAPI
	logger    log.Logger
}

// SyncResult lists what a Sync changed in package_dir.
type SyncResult struct {
	Downloaded []string
	Removed    []string
	Unchanged  int
}

type syncState struct {
	Release string            `json:"release"`
	Files   map[string]string `json:"files"`
}

func NewRemoteSource(ctx context.Context, opts RemoteOptions) (*RemoteSource, error) {
	if opts.SSMParam == "" {
		return nil, xerrors.New("SSMParam is required")
	}
	if opts.S3Bucket == "" {
		return nil, xerrors.New("S3Bucket is required")
	}
	if opts.PackageDir == "" {
		return nil, xerrors.New("PackageDir is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.MaxObjectBytes <= 0 {
		opts.MaxObjectBytes = capsule.DefaultLimits.MaxArchiveBytes
	}

	r := &RemoteSource{opts: opts, s3Client: opts.S3Client, ssmClient: opts.SSMClient, logger: opts.Logger}
	if r.s3Client == nil || r.ssmClient == nil {
		var awsCfg aws.Config
		if opts.AWSConfig != nil {
			awsCfg = *opts.AWSConfig
		} else {
			var err error
			awsCfg, err = config.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, xerrors.Wrap(err, "load AWS config")
			}
		}
		if r.s3Client == nil {
			r.s3Client = s3.NewFromConfig(awsCfg)
		}
		if r.ssmClient == nil {
			r.ssmClient = ssm.NewFromConfig(awsCfg)
		}
	}
	return r, nil
}

// CurrentRelease reads the release id from SSM.
func (r *RemoteSource) CurrentRelease(ctx context.Context) (string, error) {
	out, err := r.ssmClient.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(r.opts.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", r.opts.SSMParam)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", r.opts.SSMParam)
	}
	release := strings.TrimSpace(*out.Parameter.Value)
	if release == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", r.opts.SSMParam)
	}
	if strings.ContainsAny(release, "/\\") || release == "." || release == ".." {
		return "", xerrors.Newf("SSM parameter %s holds an invalid release id %q", r.opts.SSMParam, release)
	}
	return release, nil
}

// releasePrefix returns the S3 key prefix for a release, with trailing slash.
func (r *RemoteSource) releasePrefix(release string) string {
	if p := strings.Trim(r.opts.S3Prefix, "/"); p != "" {
		return p + "/" + release + "/"
	}
	return release + "/"
}

// Sync downloads the release's archives and signature bundles into
// package_dir. Files written by an earlier sync that the release no longer
// lists are removed; files the operator placed there are left alone.
func (r *RemoteSource) Sync(ctx context.Context, release string) (SyncResult, error) {
	var res SyncResult
	prefix := r.releasePrefix(release)

	keys, err := r.list(ctx, prefix)
	if err != nil {
		return res, err
	}
	if len(keys) == 0 {
		return res, xerrors.Newf("release %s has no %s archives under s3://%s/%s", release, capsule.ArchiveExt, r.opts.S3Bucket, prefix)
	}
	if err := os.MkdirAll(r.opts.PackageDir, 0o755); err != nil {
		return res, xerrors.Wrapf(err, "create package dir %s", r.opts.PackageDir)
	}

	prev := r.readState()
	next := syncState{Release: release, Files: make(map[string]string, len(keys))}

	for _, key := range keys {
		name := path.Base(key)
		dst := filepath.Join(r.opts.PackageDir, name)
		sum, changed, err := r.download(ctx, key, dst)
		if err != nil {
			return res, err
		}
		next.Files[name] = sum
		if changed {
			res.Downloaded = append(res.Downloaded, name)
		} else {
			res.Unchanged++
		}
	}

	for name := range prev.Files {
		if _, still := next.Files[name]; still {
			continue
		}
		if err := os.Remove(filepath.Join(r.opts.PackageDir, name)); err != nil && !os.IsNotExist(err) {
			r.logger.Warn(ctx, "failed to remove package dropped from release", "file", name, "error", err)
			continue
		}
		res.Removed = append(res.Removed, name)
	}
	sort.Strings(res.Removed)

	if err := r.writeState(next); err != nil {
		return res, err
	}
	return res, nil
}

func (r *RemoteSource) list(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys  []string
		token *string
	)
	for {
		out, err := r.s3Client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(r.opts.S3Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, xerrors.Wrapf(err, "list s3://%s/%s", r.opts.S3Bucket, prefix)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			rest := strings.TrimPrefix(key, prefix)
			if rest == "" || strings.Contains(rest, "/") || strings.HasPrefix(rest, ".") {
				continue
			}
			if strings.HasSuffix(rest, capsule.ArchiveExt) || strings.HasSuffix(rest, capsule.ArchiveExt+SignatureSuffix) {
				keys = append(keys, key)
			}
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Strings(keys)
	return keys, nil
}

// download fetches key into dst through a temp file. It reports whether
// dst changed; identical content is left untouched so the extract cache and
// fsnotify stay quiet.
func (r *RemoteSource) download(ctx context.Context, key, dst string) (string, bool, error) {
	out, err := r.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.opts.S3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", false, xerrors.Wrapf(err, "get S3 object s3://%s/%s", r.opts.S3Bucket, key)
	}
	defer out.Body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".download-*")
	if err != nil {
		return "", false, xerrors.Wrap(err, "create temp file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	sum, n, err := cryptoutil.SHA256Reader(io.TeeReader(io.LimitReader(out.Body, r.opts.MaxObjectBytes+1), tmp))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", false, xerrors.Wrapf(err, "download %s", key)
	}
	if n > r.opts.MaxObjectBytes {
		return "", false, xerrors.Newf("object %s exceeds max size %d", key, r.opts.MaxObjectBytes)
	}

	if have, _, err := cryptoutil.SHA256File(dst); err == nil && cryptoutil.HashEqual(have, sum) {
		return sum, false, nil
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return "", false, xerrors.Wrapf(err, "install %s", dst)
	}
	r.logger.Info(ctx, "downloaded package file",
		"key", key,
		"bytes", n,
		"sha256", sum,
	)
	return sum, true, nil
}

func (r *RemoteSource) readState() syncState {
	var st syncState
	data, err := os.ReadFile(filepath.Join(r.opts.PackageDir, syncStateFile))
	if err != nil {
		return st
	}
	_ = json.Unmarshal(data, &st)
	return st
}

func (r *RemoteSource) writeState(st syncState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return xerrors.Wrap(err, "encode sync state")
	}
	p := filepath.Join(r.opts.PackageDir, syncStateFile)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return xerrors.Wrap(err, "write sync state")
	}
	if err := os.Rename(tmp, p); err != nil {
		return xerrors.Wrap(err, "install sync state")
	}
	return nil
}

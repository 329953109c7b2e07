package content

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/capsium/reactor/internal/log"
)

const (
	testBucket   = "capsium-test"
	testPrefix   = "capsium/releases"
	testSSMParam = "/capsium/release"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	gets    int
	pageLen int
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte), pageLen: 1000} }

func (f *fakeS3) put(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		for i, k := range keys {
			if k == *in.ContinuationToken {
				start = i
			}
		}
	}
	end := start + f.pageLen
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[end])
	} else {
		end = len(keys)
	}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	return out, nil
}

type fakeSSM struct {
	mu    sync.Mutex
	value string
	err   error
	calls int
}

func (f *fakeSSM) set(v string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.value, f.err = v, err
}

func (f *fakeSSM) GetParameter(_ context.Context, _ *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Value: aws.String(f.value)}}, nil
}

func newTestRemote(t *testing.T, s3c *fakeS3, ssmc *fakeSSM, dir string) *RemoteSource {
	t.Helper()
	r, err := NewRemoteSource(t.Context(), RemoteOptions{
		Logger:     log.Nop(),
		SSMParam:   testSSMParam,
		S3Bucket:   testBucket,
		S3Prefix:   testPrefix,
		PackageDir: dir,
		S3Client:   s3c,
		SSMClient:  ssmc,
	})
	if err != nil {
		t.Fatalf("NewRemoteSource: %v", err)
	}
	return r
}

func TestNewRemoteSource_RequiredOptions(t *testing.T) {
	cases := []RemoteOptions{
		{S3Bucket: "b", PackageDir: "/p"},
		{SSMParam: "/x", PackageDir: "/p"},
		{SSMParam: "/x", S3Bucket: "b"},
	}
	for i, o := range cases {
		if _, err := NewRemoteSource(t.Context(), o); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestCurrentRelease(t *testing.T) {
	ssmc := &fakeSSM{}
	r := newTestRemote(t, newFakeS3(), ssmc, t.TempDir())

	ssmc.set("  2024.06.01  ", nil)
	got, err := r.CurrentRelease(t.Context())
	if err != nil || got != "2024.06.01" {
		t.Fatalf("CurrentRelease = %q, %v", got, err)
	}

	for _, bad := range []string{"", "a/b", ".."} {
		ssmc.set(bad, nil)
		if _, err := r.CurrentRelease(t.Context()); err == nil {
			t.Errorf("release %q accepted", bad)
		}
	}

	ssmc.set("", errors.New("throttled"))
	if _, err := r.CurrentRelease(t.Context()); err == nil {
		t.Error("SSM error not returned")
	}
}

func TestSync_DownloadsReplacesAndRemoves(t *testing.T) {
	s3c := newFakeS3()
	s3c.pageLen = 1
	dir := t.TempDir()
	r := newTestRemote(t, s3c, &fakeSSM{}, dir)

	s3c.put(testPrefix+"/r1/site-1.0.0.cap", []byte("site v1"))
	s3c.put(testPrefix+"/r1/site-1.0.0.cap.bundle.json", []byte("{}"))
	s3c.put(testPrefix+"/r1/docs-1.0.0.cap", []byte("docs v1"))
	s3c.put(testPrefix+"/r1/README.md", []byte("ignored"))
	s3c.put(testPrefix+"/r1/nested/x.cap", []byte("ignored"))
	s3c.put(testPrefix+"/r2/site-1.0.0.cap", []byte("site v1"))
	s3c.put(testPrefix+"/r2/app-2.0.0.cap", []byte("app v2"))

	// an operator-managed archive must survive syncs
	if err := os.WriteFile(filepath.Join(dir, "local-1.0.0.cap"), []byte("local"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := r.Sync(t.Context(), "r1")
	if err != nil {
		t.Fatalf("Sync r1: %v", err)
	}
	if len(res.Downloaded) != 3 || res.Unchanged != 0 {
		t.Fatalf("r1 result = %+v", res)
	}
	if _, err := os.Stat(filepath.Join(dir, "README.md")); !os.IsNotExist(err) {
		t.Error("non-package object was synced")
	}

	res, err = r.Sync(t.Context(), "r2")
	if err != nil {
		t.Fatalf("Sync r2: %v", err)
	}
	if len(res.Downloaded) != 1 || res.Unchanged != 1 {
		t.Errorf("r2 result = %+v", res)
	}
	wantRemoved := []string{"docs-1.0.0.cap", "site-1.0.0.cap.bundle.json"}
	if strings.Join(res.Removed, ",") != strings.Join(wantRemoved, ",") {
		t.Errorf("removed = %v, want %v", res.Removed, wantRemoved)
	}
	for _, name := range []string{"site-1.0.0.cap", "app-2.0.0.cap", "local-1.0.0.cap"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s missing after sync: %v", name, err)
		}
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.Contains(e.Name(), ".download-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestSync_EmptyRelease(t *testing.T) {
	r := newTestRemote(t, newFakeS3(), &fakeSSM{}, t.TempDir())
	if _, err := r.Sync(t.Context(), "nothing"); err == nil {
		t.Fatal("expected error for a release without archives")
	}
}

func TestSync_ObjectTooLarge(t *testing.T) {
	s3c := newFakeS3()
	r := newTestRemote(t, s3c, &fakeSSM{}, t.TempDir())
	r.opts.MaxObjectBytes = 4
	s3c.put(testPrefix+"/r1/big.cap", []byte("0123456789"))
	if _, err := r.Sync(t.Context(), "r1"); err == nil {
		t.Fatal("expected size error")
	}
}

func TestReleasePrefix(t *testing.T) {
	r := &RemoteSource{opts: RemoteOptions{S3Prefix: "/a/b/"}}
	if got := r.releasePrefix("r1"); got != "a/b/r1/" {
		t.Errorf("releasePrefix = %q", got)
	}
	r.opts.S3Prefix = ""
	if got := r.releasePrefix("r1"); got != "r1/" {
		t.Errorf("releasePrefix = %q", got)
	}
}

package vault

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"
)

// fakeS3 keeps objects in memory. Only single-part uploads are supported.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	metadata map[string]map[string]string
	bucketOK bool
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:  make(map[string][]byte),
		metadata: make(map[string]map[string]string),
		bucketOK: true,
	}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Key] = data
	f.metadata[*in.Key] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errors.New("multipart not supported")
}

func (f *fakeS3) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errors.New("multipart not supported")
}

func (f *fakeS3) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errors.New("multipart not supported")
}

func (f *fakeS3) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: "not found"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &smithy.GenericAPIError{Code: "NotFound", Message: "not found"}
	}
	return &s3.HeadObjectOutput{Metadata: f.metadata[*in.Key]}, nil
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if !f.bucketOK {
		return nil, &smithy.GenericAPIError{Code: "NoSuchBucket", Message: "no bucket"}
	}
	return &s3.HeadBucketOutput{}, nil
}

func TestS3Vault_RoundTrip(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	v := NewS3Vault("offsite", "backups", "/deploygate/host1/", client)

	data := `{"abc":{"name":"alice"}}`
	if err := v.PutSnapshot(ctx, "authorized_keys.json", strings.NewReader(data), int64(len(data)), 1700000000); err != nil {
		t.Fatalf("PutSnapshot() error = %v", err)
	}

	if _, ok := client.objects["deploygate/host1/snapshots/authorized_keys.json"]; !ok {
		t.Errorf("object stored under unexpected key: %v", client.objects)
	}

	var buf bytes.Buffer
	if err := v.GetSnapshot(ctx, "authorized_keys.json", &buf); err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	if buf.String() != data {
		t.Errorf("GetSnapshot() = %q", buf.String())
	}

	version, err := v.SnapshotVersion(ctx, "authorized_keys.json")
	if err != nil || version != 1700000000 {
		t.Errorf("SnapshotVersion() = %d, %v", version, err)
	}
}

func TestS3Vault_Missing(t *testing.T) {
	ctx := context.Background()
	v := NewS3Vault("offsite", "backups", "", newFakeS3())

	if version, err := v.SnapshotVersion(ctx, "audit.log"); err != nil || version != 0 {
		t.Errorf("SnapshotVersion() = %d, %v, want 0, nil", version, err)
	}
	if err := v.GetSnapshot(ctx, "audit.log", &bytes.Buffer{}); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("GetSnapshot() error = %v, want ErrSnapshotNotFound", err)
	}
}

func TestS3Vault_SizeMismatch(t *testing.T) {
	v := NewS3Vault("offsite", "backups", "", newFakeS3())
	if err := v.PutSnapshot(context.Background(), "audit.log", strings.NewReader("abc"), 10, 1); err == nil {
		t.Error("PutSnapshot() expected size mismatch error")
	}
}

func TestS3Vault_ValidateSetup(t *testing.T) {
	client := newFakeS3()
	v := NewS3Vault("offsite", "backups", "", client)

	if err := v.ValidateSetup(context.Background()); err != nil {
		t.Errorf("ValidateSetup() error = %v", err)
	}
	client.bucketOK = false
	if err := v.ValidateSetup(context.Background()); err == nil {
		t.Error("ValidateSetup() expected error for missing bucket")
	}
}

package IO

import (
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"
)

// CheckpointStore persists named checkpoint blobs. A missing blob is
// reported as an error matching os.ErrNotExist.
type CheckpointStore interface {
	Save(ctx context.Context, name string, data []byte) error
	Load(ctx context.Context, name string) ([]byte, error)
	Location(name string) string
}

// OpenStore returns an S3Store for s3://bucket/prefix and a DirStore for
// anything else.
func OpenStore(location string) (CheckpointStore, error) {
	if rest, ok := strings.CutPrefix(location, "s3://"); ok {
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return nil, errors.Errorf("missing bucket in %q", location)
		}
		return NewS3Store(bucket, prefix)
	}
	if location == "" {
		location = "."
	}
	return &DirStore{Dir: location}, nil
}

type DirStore struct {
	Dir string
}

func (d *DirStore) Location(name string) string { return filepath.Join(d.Dir, name) }

func (d *DirStore) Save(_ context.Context, name string, data []byte) error {
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return errors.Wrap(err, "create checkpoint dir")
	}
	// write then rename so a crash never leaves a truncated checkpoint
	tmp := d.Location(name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	return errors.Wrapf(os.Rename(tmp, d.Location(name)), "save %s", name)
}

func (d *DirStore) Load(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(d.Location(name))
	return data, errors.Wrapf(err, "load %s", name)
}

// S3Store keeps checkpoints under Prefix in Bucket.
type S3Store struct {
	Client s3iface.S3API
	Bucket string
	Prefix string
}

// NewS3Store uses the default AWS credential chain and shared config.
func NewS3Store(bucket, prefix string) (*S3Store, error) {
	sess, err := session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create aws session")
	}
	return &S3Store{Client: s3.New(sess), Bucket: bucket, Prefix: strings.Trim(prefix, "/")}, nil
}

func (s *S3Store) key(name string) string {
	if s.Prefix == "" {
		return name
	}
	return path.Join(s.Prefix, name)
}

func (s *S3Store) Location(name string) string {
	return "s3://" + s.Bucket + "/" + s.key(name)
}

func (s *S3Store) Save(ctx context.Context, name string, data []byte) error {
	_, err := s.Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.key(name)),
		Body:   bytes.NewReader(data),
	})
	return errors.Wrapf(err, "upload %s", s.Location(name))
}

func (s *S3Store) Load(ctx context.Context, name string) ([]byte, error) {
	out, err := s.Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, errors.Wrapf(os.ErrNotExist, "%s", s.Location(name))
		}
		return nil, errors.Wrapf(err, "download %s", s.Location(name))
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	return data, errors.Wrapf(err, "read %s", s.Location(name))
}

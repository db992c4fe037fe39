// Package savefile stores the broker's save stream. The stream is an
// append-only sequence of `<name>=<value>;` records; the store only moves
// bytes, the registry owns the record format. Two backends exist, selected
// by URL: a local file (file:///var/run/dsv.save) and an S3-compatible
// object (s3://host[:port]/bucket/key).
package savefile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/dsv/api"
)

// Store persists the accumulated save stream.
type Store interface {
	// Append adds one save run to the stream.
	Append(ctx context.Context, data []byte) error
	// Load returns the entire accumulated stream. A store that was never
	// written returns an empty stream, not an error.
	Load(ctx context.Context) ([]byte, error)
	// Location describes the store for logs.
	Location() string
}

// Open selects a backend from a store URL. Bare paths are treated as
// file:// URLs.
func Open(rawURL string) (Store, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("%w: empty save store url", api.ErrInvalid)
	}
	if !strings.Contains(rawURL, "://") {
		return &fileStore{path: rawURL}, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse save store url %q: %v", api.ErrInvalid, rawURL, err)
	}
	switch u.Scheme {
	case "file":
		if u.Path == "" {
			return nil, fmt.Errorf("%w: file save store needs a path", api.ErrInvalid)
		}
		return &fileStore{path: u.Path}, nil
	case "s3":
		return openS3(u)
	}
	return nil, fmt.Errorf("%w: unsupported save store scheme %q", api.ErrInvalid, u.Scheme)
}

type fileStore struct {
	path string
}

func (s *fileStore) Append(_ context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", api.ErrIO, s.path, err)
	}
	_, werr := f.Write(data)
	serr := f.Sync()
	cerr := f.Close()
	for _, err := range []error{werr, serr, cerr} {
		if err != nil {
			return fmt.Errorf("%w: write %s: %v", api.ErrIO, s.path, err)
		}
	}
	return nil
}

func (s *fileStore) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", api.ErrIO, s.path, err)
	}
	return data, nil
}

func (s *fileStore) Location() string {
	return "file://" + s.path
}

type s3Store struct {
	client *minio.Client
	bucket string
	key    string
	loc    string
}

// openS3 builds the S3 backend from s3://host[:port]/bucket/key. Query
// parameters: insecure=1 for plain HTTP. Credentials come from the standard
// AWS/MinIO environment chain.
func openS3(u *url.URL) (Store, error) {
	bucket, key := splitBucketKey(u.Path)
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("%w: s3 save store needs bucket and key in %q", api.ErrInvalid, u.String())
	}
	insecure := u.Query().Get("insecure") == "1"
	creds := credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvAWS{},
		&credentials.EnvMinio{},
		&credentials.FileAWSCredentials{},
	})
	client, err := minio.New(u.Host, &minio.Options{
		Creds:  creds,
		Secure: !insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: s3 client: %v", api.ErrIO, err)
	}
	return &s3Store{client: client, bucket: bucket, key: key, loc: u.String()}, nil
}

func splitBucketKey(p string) (string, string) {
	p = strings.TrimPrefix(p, "/")
	i := strings.IndexByte(p, '/')
	if i < 0 {
		return p, ""
	}
	return p[:i], path.Clean(p[i+1:])
}

// Append on S3 is read-modify-write; the object has one writer (the broker).
func (s *s3Store) Append(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	prev, err := s.Load(ctx)
	if err != nil {
		return err
	}
	combined := append(prev, data...)
	_, err = s.client.PutObject(ctx, s.bucket, s.key,
		strings.NewReader(string(combined)), int64(len(combined)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", api.ErrIO, s.loc, err)
	}
	return nil
}

func (s *s3Store) Load(ctx context.Context) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", api.ErrIO, s.loc, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && (resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket") {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", api.ErrIO, s.loc, err)
	}
	return data, nil
}

func (s *s3Store) Location() string {
	return s.loc
}

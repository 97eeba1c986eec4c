package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// gcsStore implements ObjectStore on a Cloud Storage bucket.
type gcsStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

// NewGCSFactory returns a StoreFactory for Cloud Storage. When a bearer token
// is supplied it authorizes that single store; otherwise application default
// credentials apply. billingProject, when set, is sent as the requester-pays
// user project.
func NewGCSFactory(billingProject string) StoreFactory {
	return func(ctx context.Context, bucket, token string) (ObjectStore, error) {
		var opts []option.ClientOption
		if token != "" {
			src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
			opts = append(opts, option.WithTokenSource(src))
		}

		client, err := storage.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("storage client: %w", err)
		}

		handle := client.Bucket(bucket)
		if billingProject != "" {
			handle = handle.UserProject(billingProject)
		}
		return &gcsStore{client: client, bucket: handle}, nil
	}
}

func (s *gcsStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ObjectInfo{Name: attrs.Name, Generation: attrs.Generation})
	}
	return out, nil
}

func (s *gcsStore) Download(ctx context.Context, name string, w io.Writer) error {
	r, err := s.bucket.Object(name).NewReader(ctx)
	if err != nil {
		return err
	}
	defer r.Close()

	_, err = io.Copy(w, r)
	return err
}

func (s *gcsStore) Upload(ctx context.Context, name string, r io.Reader, ifGeneration int64) (int64, error) {
	obj := s.bucket.Object(name)
	if ifGeneration > 0 {
		obj = obj.If(storage.Conditions{GenerationMatch: ifGeneration})
	} else {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	}

	w := obj.NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return 0, mapUploadErr(err)
	}
	if err := w.Close(); err != nil {
		return 0, mapUploadErr(err)
	}
	return w.Attrs().Generation, nil
}

// mapUploadErr converts GCS failures into the mirror's conflict-class errors.
func mapUploadErr(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 412:
			return fmt.Errorf("%w: %v", ErrPreconditionFailed, err)
		case 401, 403:
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
	}
	return err
}

package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/samcharles93/gpt2fwd/internal/logger"
)

const gcsScheme = "gs://"

// IsRemote reports whether src names a Cloud Storage object.
func IsRemote(src string) bool {
	return strings.HasPrefix(src, gcsScheme)
}

// ParseGCSURL splits gs://bucket/object into its bucket and object key.
func ParseGCSURL(src string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(src, gcsScheme)
	if !ok {
		return "", "", fmt.Errorf("%q is not a gs:// URL", src)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" || strings.HasSuffix(object, "/") {
		return "", "", fmt.Errorf("%q must have the form gs://bucket/object", src)
	}
	return bucket, object, nil
}

// CachePath returns where Fetch stores the object src under dir.
func CachePath(dir, src string) (string, error) {
	bucket, object, err := ParseGCSURL(src)
	if err != nil {
		return "", err
	}
	clean := filepath.Clean("/" + object)
	return filepath.Join(dir, bucket, filepath.FromSlash(clean)), nil
}

// Fetch makes the checkpoint named by src available on local disk and returns
// its path. Local paths are returned unchanged. gs:// objects are downloaded
// once into dir and reused on later calls.
func Fetch(ctx context.Context, src, dir string) (string, error) {
	if !IsRemote(src) {
		return src, nil
	}
	log := logger.FromContext(ctx)

	dst, err := CachePath(dir, src)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(dst); err == nil {
		log.Debug("using cached checkpoint", "source", src, "path", dst)
		return dst, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("creating cache dir: %w", err)
	}

	bucket, object, _ := ParseGCSURL(src)
	client, err := storage.NewClient(ctx)
	if err != nil {
		return "", fmt.Errorf("creating GCS storage client: %w", err)
	}
	defer func() { _ = client.Close() }()

	log.Info("downloading checkpoint from GCS", "source", src, "destination", dst)
	startedAt := time.Now()

	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return "", fmt.Errorf("%s: %w", src, os.ErrNotExist)
		}
		return "", fmt.Errorf("opening object from GCS %q: %w", src, err)
	}
	defer func() { _ = r.Close() }()

	var n int64
	err = writeFileAtomic(dst, func(w io.Writer) error {
		var copyErr error
		n, copyErr = io.Copy(w, r)
		if copyErr != nil {
			return fmt.Errorf("downloading from GCS: %w", copyErr)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	log.Info("downloaded checkpoint from GCS", "source", src, "bytes", n, "duration", time.Since(startedAt))
	return dst, nil
}

package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	tmtypes "github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager/types"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/islishude/inxcore/internal/locator"
	"github.com/islishude/inxcore/internal/storage"
)

type Store struct {
	client   *awss3.Client
	tm       *transfermanager.Client
	settings Settings
}

type Settings struct {
	PartSizeMB  int64
	Concurrency int
	SSE         string
	SSEKMSKeyID string
}

func New(ctx context.Context) (*Store, error) {
	retryMax, ok := intFromEnv("INX_S3_MAX_RETRIES")
	var cfg aws.Config
	var err error
	if ok {
		cfg, err = config.LoadDefaultConfig(ctx, config.WithRetryMaxAttempts(retryMax))
	} else {
		cfg, err = config.LoadDefaultConfig(ctx)
	}
	if err != nil {
		return nil, err
	}

	settings := Settings{
		PartSizeMB:  16,
		Concurrency: 4,
		SSE:         strings.ToLower(strings.TrimSpace(defaultString(os.Getenv("INX_S3_SSE"), "AES256"))),
		SSEKMSKeyID: strings.TrimSpace(os.Getenv("INX_S3_SSE_KMS_KEY_ID")),
	}
	if v, ok := int64FromEnv("INX_S3_PART_SIZE_MB"); ok && v > 0 {
		settings.PartSizeMB = v
	}
	if v, ok := intFromEnv("INX_S3_CONCURRENCY"); ok && v > 0 {
		settings.Concurrency = v
	}

	client := awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		if strings.EqualFold(strings.TrimSpace(os.Getenv("INX_S3_USE_PATH_STYLE")), "true") {
			o.UsePathStyle = true
		}
	})
	tm := transfermanager.New(client, func(o *transfermanager.Options) {
		o.PartSizeBytes = settings.PartSizeMB * 1024 * 1024
		o.Concurrency = settings.Concurrency
	})
	return &Store{client: client, tm: tm, settings: settings}, nil
}

// Fetch copies a remote container into w so it can be opened with random
// access.
func (s *Store) Fetch(ctx context.Context, ref locator.Ref, w io.Writer) (time.Time, error) {
	if ref.Kind != locator.KindS3 {
		return time.Time{}, fmt.Errorf("ref %q is not s3", ref.Raw)
	}
	if strings.TrimSpace(ref.Key) == "" {
		return time.Time{}, fmt.Errorf("s3 object key cannot be empty: %q", ref.Raw)
	}
	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{Bucket: aws.String(ref.Bucket), Key: aws.String(ref.Key)})
	if err != nil {
		return time.Time{}, err
	}
	defer out.Body.Close() //nolint:errcheck
	if _, err := io.Copy(w, out.Body); err != nil {
		return time.Time{}, err
	}
	return aws.ToTime(out.LastModified), nil
}

func (s *Store) exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &awss3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err == nil {
		return true, nil
	}
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	return false, err
}

func (s *Store) openWriter(ctx context.Context, bucket, key string, metadata map[string]string) *uploadWriter {
	pr, pw := io.Pipe()
	errCh := make(chan error, 1)
	in := &transfermanager.UploadObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        pr,
		Metadata:    metadata,
		ContentType: aws.String(contentTypeForKey(key)),
	}
	s.applyEncryption(in)
	go func() {
		_, err := s.tm.UploadObject(ctx, in)
		_ = pr.CloseWithError(err)
		errCh <- err
		close(errCh)
	}()
	return &uploadWriter{pw: pw, errCh: errCh, location: "s3://" + bucket + "/" + key}
}

func (s *Store) applyEncryption(in *transfermanager.UploadObjectInput) {
	switch s.settings.SSE {
	case "", "aes256", "sse-s3":
		in.ServerSideEncryption = tmtypes.ServerSideEncryptionAes256
	case "aws:kms", "sse-kms":
		in.ServerSideEncryption = tmtypes.ServerSideEncryptionAwsKms
		if s.settings.SSEKMSKeyID != "" {
			in.SSEKMSKeyID = aws.String(s.settings.SSEKMSKeyID)
		}
	case "none":
		return
	default:
		in.ServerSideEncryption = tmtypes.ServerSideEncryptionAes256
	}
}

var errUploadAborted = errors.New("upload aborted")

type uploadWriter struct {
	pw       *io.PipeWriter
	errCh    <-chan error
	location string
}

func (w *uploadWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *uploadWriter) Location() string { return w.location }

func (w *uploadWriter) Commit() error {
	if err := w.pw.Close(); err != nil {
		return err
	}
	if err, ok := <-w.errCh; ok && err != nil {
		return err
	}
	return nil
}

// Abort fails the upload; the transfer manager discards any uploaded parts.
func (w *uploadWriter) Abort() error {
	_ = w.pw.CloseWithError(errUploadAborted)
	if err, ok := <-w.errCh; ok && err != nil && !errors.Is(err, errUploadAborted) {
		return err
	}
	return nil
}

// Sink writes extracted entries below an s3://bucket/prefix destination.
type Sink struct {
	store  *Store
	bucket string
	prefix string
	meta   map[string]string
}

var _ storage.Sink = (*Sink)(nil)

func (s *Store) Sink(dest locator.Ref) (*Sink, error) {
	if dest.Kind != locator.KindS3 {
		return nil, fmt.Errorf("ref %q is not s3", dest.Raw)
	}
	return &Sink{store: s, bucket: dest.Bucket, prefix: dest.Key, meta: dest.Metadata}, nil
}

// Mkdir is a no-op: S3 has no real directories.
func (k *Sink) Mkdir(context.Context, string) error { return nil }

func (k *Sink) Create(ctx context.Context, name string, opts storage.CreateOptions) (storage.Writer, error) {
	key, err := k.key(name)
	if err != nil {
		return nil, err
	}
	if !opts.Overwrite {
		ok, err := k.store.exists(ctx, k.bucket, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return nil, fmt.Errorf("create s3://%s/%s: %w", k.bucket, key, storage.ErrExists)
		}
	}
	return k.store.openWriter(ctx, k.bucket, key, mergeMetadata(k.meta, opts.Metadata)), nil
}

// Symlink stores an empty object whose metadata carries the link target.
func (k *Sink) Symlink(ctx context.Context, name, target string, opts storage.CreateOptions) error {
	meta := mergeMetadata(k.meta, opts.Metadata)
	if meta == nil {
		meta = make(map[string]string)
	}
	meta["inx-linkname"] = target
	opts.Metadata = meta
	w, err := k.Create(ctx, name, opts)
	if err != nil {
		return err
	}
	return w.Commit()
}

func (k *Sink) key(name string) (string, error) {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	if name == "" {
		return "", fmt.Errorf("%w: empty object name", storage.ErrUnsafePath)
	}
	return locator.JoinS3Prefix(k.prefix, name), nil
}

func mergeMetadata(base, overlay map[string]string) map[string]string {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

func contentTypeForKey(key string) string {
	name := strings.ToLower(path.Base(key))
	switch {
	case strings.HasSuffix(name, ".gz"), strings.HasSuffix(name, ".tgz"):
		return "application/gzip"
	case strings.HasSuffix(name, ".bz2"), strings.HasSuffix(name, ".tbz2"):
		return "application/x-bzip2"
	case strings.HasSuffix(name, ".xz"), strings.HasSuffix(name, ".txz"):
		return "application/x-xz"
	case strings.HasSuffix(name, ".zst"), strings.HasSuffix(name, ".tzst"):
		return "application/zstd"
	case strings.HasSuffix(name, ".lz4"):
		return "application/x-lz4"
	case strings.HasSuffix(name, ".7z"):
		return "application/x-7z-compressed"
	}
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func intFromEnv(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	x, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return x, true
}

func int64FromEnv(key string) (int64, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	x, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return x, true
}

func defaultString(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

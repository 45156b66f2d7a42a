package media

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"video-uploader/internal/config"
	"video-uploader/internal/models"
	"video-uploader/internal/notify"
)

// Archiver takes an uploaded video out of the videos directory and returns
// where it went.
type Archiver interface {
	Archive(ctx context.Context, videoPath string) (string, error)
}

// NewArchiver builds the archiver for cfg.Mode. Mode "none" returns nil.
func NewArchiver(ctx context.Context, cfg config.ArchiveConfig, lib *Library) (Archiver, error) {
	switch cfg.Mode {
	case "none":
		return nil, nil
	case "", "move":
		return &MoveArchiver{lib: lib, now: time.Now}, nil
	case "s3":
		client, err := NewS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &S3Archiver{client: client, bucket: cfg.S3Bucket, prefix: cfg.S3Prefix, now: time.Now}, nil
	default:
		return nil, fmt.Errorf("unknown archive mode %q", cfg.Mode)
	}
}

// MoveArchiver moves videos into the library's uploaded directory.
type MoveArchiver struct {
	lib *Library
	now func() time.Time
}

func (a *MoveArchiver) Archive(_ context.Context, videoPath string) (string, error) {
	return a.lib.MoveToUploaded(videoPath, a.now())
}

// NewS3Client loads AWS config for the archive bucket. A custom endpoint
// selects S3-compatible storage such as MinIO.
func NewS3Client(ctx context.Context, cfg config.ArchiveConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver uploads the video to a bucket and removes the local copy.
type S3Archiver struct {
	client putObjectAPI
	bucket string
	prefix string
	now    func() time.Time
}

// Key is the object key for a video archived at t.
func (a *S3Archiver) Key(videoPath string, t time.Time) string {
	return path.Join(strings.Trim(a.prefix, "/"), t.UTC().Format("2006/01/02"), filepath.Base(videoPath))
}

func (a *S3Archiver) Archive(ctx context.Context, videoPath string) (string, error) {
	f, err := os.Open(videoPath)
	if err != nil {
		return "", fmt.Errorf("open video: %w", err)
	}
	defer f.Close()

	key := a.Key(videoPath, a.now())
	if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(ContentType(videoPath)),
	}); err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	f.Close()
	if err := os.Remove(videoPath); err != nil {
		return "", fmt.Errorf("remove archived video: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}

// ArchiveNotifier archives the video of every COMPLETED task.
type ArchiveNotifier struct {
	archiver Archiver
	log      *zap.Logger
}

func NewArchiveNotifier(a Archiver, log *zap.Logger) *ArchiveNotifier {
	return &ArchiveNotifier{archiver: a, log: log.Named("archive")}
}

func (n *ArchiveNotifier) Notify(ctx context.Context, e notify.Event) error {
	if e.Status != models.StatusCompleted || e.VideoPath == "" {
		return nil
	}
	dest, err := n.archiver.Archive(ctx, e.VideoPath)
	if err != nil {
		return fmt.Errorf("archive %s: %w", e.VideoPath, err)
	}
	n.log.Info("video archived", zap.String("task_id", e.TaskID), zap.String("dest", dest))
	return nil
}

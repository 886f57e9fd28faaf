package stage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/relex/gotils/logger"

	"github.com/Chichichkin/SnowpipeAgent/internal/logging"
)

type S3Config struct {
	Bucket string
	// Prefix is the path of the external stage location inside the bucket.
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// ExternalStage uploads files to the bucket location behind an external stage.
// Remote paths are reported relative to that location, which is what the pipe
// expects in insertFiles.
type ExternalStage struct {
	client *s3.Client
	bucket string
	prefix string
	logger logger.Logger
}

func NewExternalStage(ctx context.Context, parentLogger logger.Logger, cfg S3Config) (*ExternalStage, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	options := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		options = append(options, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		options = append(options, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})

	return &ExternalStage{
		client: client,
		bucket: strings.TrimSpace(cfg.Bucket),
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: parentLogger.WithFields(logger.Fields{
			logging.LabelComponent: "ExternalStage",
			"bucket":               cfg.Bucket,
		}),
	}, nil
}

func (s *ExternalStage) Key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *ExternalStage) Upload(ctx context.Context, localPath string) (logging.UploadResult, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return logging.UploadResult{}, fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return logging.UploadResult{}, fmt.Errorf("failed to stat %s: %w", localPath, err)
	}

	name := filepath.Base(localPath)
	key := s.Key(name)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/gzip"),
	})
	if err != nil {
		return logging.UploadResult{}, fmt.Errorf("put object failed: %w", err)
	}

	s.logger.Infof("stored %s as s3://%s/%s (%d bytes)", localPath, s.bucket, key, info.Size())
	return logging.UploadResult{RemotePath: name, RemoteSizeBytes: info.Size()}, nil
}

func (s *ExternalStage) Close() error {
	return nil
}

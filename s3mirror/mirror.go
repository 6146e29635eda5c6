// Package s3mirror keeps a copy of uploaded files in an S3 bucket.
package s3mirror

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	numRetries   = 3
	retryWait    = 5 * time.Second
	partSize     = 10 * 1024 * 1024
	maxKeyLength = 1024
)

// Params ...
type Params struct {
	FilePath string
	Key      string
	// Checksum is the hex encoded SHA-256 of the file, computed when empty.
	Checksum    string
	ContentType string

	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

type objectAPI interface {
	manager.UploadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObjectAttributes(ctx context.Context, params *s3.GetObjectAttributesInput, optFns ...func(*s3.Options)) (*s3.GetObjectAttributesOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
}

type mirrorService struct {
	client    objectAPI
	bucket    string
	retryWait time.Duration
	logger    log.Logger
}

// Upload stores the file under params.Key. An object with the same key and checksum is
// copied onto itself instead, which renews its expiration.
func Upload(ctx context.Context, params Params, logger log.Logger) error {
	if err := params.validate(); err != nil {
		return err
	}

	cfg, err := loadAWSConfig(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return fmt.Errorf("load aws credentials: %w", err)
	}

	service := &mirrorService{
		client:    s3.NewFromConfig(*cfg),
		bucket:    params.Bucket,
		retryWait: retryWait,
		logger:    logger,
	}
	return service.upload(ctx, params)
}

func (p Params) validate() error {
	if p.FilePath == "" {
		return fmt.Errorf("file path must not be empty")
	}
	if p.Key == "" {
		return fmt.Errorf("key must not be empty")
	}
	if len(p.Key) > maxKeyLength {
		return fmt.Errorf("key is longer than %d characters", maxKeyLength)
	}
	if p.Bucket == "" {
		return fmt.Errorf("bucket must not be empty")
	}
	if p.Region == "" {
		return fmt.Errorf("region must not be empty")
	}
	return nil
}

func (s *mirrorService) upload(ctx context.Context, params Params) error {
	checksum := params.Checksum
	if checksum == "" {
		var err error
		if checksum, err = fileChecksum(params.FilePath); err != nil {
			return err
		}
	}

	existing, err := s.findChecksumWithRetry(ctx, params.Key)
	if err != nil {
		return fmt.Errorf("validate object: %w", err)
	}

	if existing == checksum {
		s.logger.Debugf("Found object with the same checksum. Extending expiration time...")
		if err := s.copyObjectWithRetry(ctx, params.Key); err != nil {
			return fmt.Errorf("copy object: %w", err)
		}
		return nil
	}

	s.logger.Debugf("Uploading %s to s3://%s/%s", params.FilePath, s.bucket, params.Key)
	if err := s.putObjectWithRetry(ctx, params); err != nil {
		return fmt.Errorf("upload object: %w", err)
	}
	return nil
}

// findChecksumWithRetry returns the hex SHA-256 checksum of the object, or an empty string
// when the object doesn't exist or has no checksum.
func (s *mirrorService) findChecksumWithRetry(ctx context.Context, key string) (string, error) {
	var checksum string
	err := retry.Times(numRetries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			var notFound *types.NotFound
			if errors.As(err, &notFound) {
				return nil, true
			}
			var apiError smithy.APIError
			if errors.As(err, &apiError) {
				return fmt.Errorf("head object: %s: %w", apiError.ErrorCode(), err), false
			}
			return fmt.Errorf("head object: %w", err), false
		}

		attributes, err := s.client.GetObjectAttributes(ctx, &s3.GetObjectAttributesInput{
			Bucket:           aws.String(s.bucket),
			Key:              aws.String(key),
			ObjectAttributes: []types.ObjectAttributes{types.ObjectAttributesChecksum},
		})
		if err != nil {
			return fmt.Errorf("get object attributes: %w", err), false
		}

		if attributes != nil && attributes.Checksum != nil && attributes.Checksum.ChecksumSHA256 != nil {
			decoded, err := base64.StdEncoding.DecodeString(*attributes.Checksum.ChecksumSHA256)
			if err != nil {
				return fmt.Errorf("base64 decode checksum: %w", err), true
			}
			checksum = hex.EncodeToString(decoded)
		}
		return nil, true
	})

	return checksum, err
}

func (s *mirrorService) copyObjectWithRetry(ctx context.Context, key string) error {
	return retry.Times(numRetries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		resp, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:       aws.String(s.bucket),
			Key:          aws.String(key),
			StorageClass: types.StorageClassStandard,
			CopySource:   aws.String(fmt.Sprintf("%s/%s", s.bucket, key)),
		})
		if err != nil {
			return fmt.Errorf("extend expiration: %w", err), false
		}
		if resp != nil && resp.Expiration != nil {
			s.logger.Debugf("New expiration date is %s", *resp.Expiration)
		}
		return nil, true
	})
}

func (s *mirrorService) putObjectWithRetry(ctx context.Context, params Params) error {
	contentType := params.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return retry.Times(numRetries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		file, err := os.Open(params.FilePath)
		if err != nil {
			return fmt.Errorf("open file: %w", err), true
		}
		defer file.Close() //nolint:errcheck

		info, err := file.Stat()
		if err != nil {
			return fmt.Errorf("stat file: %w", err), true
		}

		uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
			u.PartSize = partSize
		})
		_, err = uploader.Upload(ctx, &s3.PutObjectInput{
			Body:              file,
			Bucket:            aws.String(s.bucket),
			Key:               aws.String(params.Key),
			ContentType:       aws.String(contentType),
			ContentLength:     aws.Int64(info.Size()),
			ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		})
		if err != nil {
			return fmt.Errorf("put object: %w", err), false
		}
		return nil, true
	})
}

func fileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer file.Close() //nolint:errcheck

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", fmt.Errorf("checksum file: %w", err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func loadAWSConfig(ctx context.Context, region, accessKeyID, secretKey string, logger log.Logger) (*aws.Config, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}
	return &cfg, nil
}

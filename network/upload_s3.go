package network

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/mamantoha/upload-io/uploadio"
)

const numUploadRetries = 3

// objectKeyOf maps a blob key to the S3 object key it is stored under.
func objectKeyOf(key string) string {
	return fmt.Sprintf("%s.%s", key, "tzst")
}

// S3UploadParams ...
type S3UploadParams struct {
	BlobPath        string
	BlobChecksum    string
	BlobSize        int64
	Key             string
	MaxSpeed        int64
	ShowProgress    bool
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

type s3UploadService struct {
	client       *s3.Client
	bucket       string
	blobPath     string
	blobChecksum string
	blobSize     int64
	maxSpeed     int64
	showProgress bool
}

// S3Uploader satisfies Uploader with uploads going straight to an S3 bucket
// instead of through the transfer service. Pass it to transfer.NewSender to
// switch the send flow to bucket mode.
type S3Uploader struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// Upload ...
func (u S3Uploader) Upload(ctx context.Context, params UploadParams, logger log.Logger) error {
	return UploadToS3(ctx, S3UploadParams{
		BlobPath:        params.BlobPath,
		BlobChecksum:    params.Sha256Sum,
		BlobSize:        params.BlobSize,
		Key:             params.Key,
		MaxSpeed:        params.MaxSpeed,
		ShowProgress:    params.ShowProgress,
		Region:          u.Region,
		Bucket:          u.Bucket,
		AccessKeyID:     u.AccessKeyID,
		SecretAccessKey: u.SecretAccessKey,
	}, logger)
}

// UploadToS3 a blob and associate it with the provided key.
func UploadToS3(ctx context.Context, params S3UploadParams, logger log.Logger) error {
	validatedKey, err := validateKey(params.Key, logger)
	if err != nil {
		return fmt.Errorf("validate key: %w", err)
	}

	if params.Bucket == "" {
		return fmt.Errorf("Bucket must not be empty")
	}

	if params.BlobPath == "" {
		return fmt.Errorf("BlobPath must not be empty")
	}

	if params.BlobSize == 0 {
		return fmt.Errorf("BlobSize must not be empty")
	}

	cfg, err := loadAWSCredentials(
		ctx,
		params.Region,
		params.AccessKeyID,
		params.SecretAccessKey,
		logger,
	)
	if err != nil {
		return fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg)
	service := &s3UploadService{
		client:       client,
		bucket:       params.Bucket,
		blobPath:     params.BlobPath,
		blobChecksum: params.BlobChecksum,
		blobSize:     params.BlobSize,
		maxSpeed:     params.MaxSpeed,
		showProgress: params.ShowProgress,
	}

	return service.uploadWithS3Client(ctx, validatedKey, logger)
}

// If the object for the key & checksum exists in bucket -> extend expiration
// If the object for the key exists in bucket -> upload -> overwrites existing object & expiration
// If the object is not yet present in bucket -> upload
func (service *s3UploadService) uploadWithS3Client(ctx context.Context, key string, logger log.Logger) error {
	objectKey := objectKeyOf(key)
	checksum, err := service.findChecksumWithRetry(ctx, objectKey)
	if err != nil {
		return fmt.Errorf("validate object: %w", err)
	}

	if checksum == service.blobChecksum {
		logger.Debugf("Found blob with the same checksum. Extending expiration time...")
		err := service.copyObjectWithRetry(ctx, objectKey, logger)
		if err != nil {
			return fmt.Errorf("copy object: %w", err)
		}
		return nil
	}

	logger.Debugf("Uploading blob...")
	err = service.putObjectWithRetry(ctx, objectKey, logger)
	if err != nil {
		return fmt.Errorf("upload blob: %w", err)
	}

	return nil
}

// findChecksumWithRetry tries to find the blob in the bucket.
// If the object is present, it returns its SHA-256 checksum.
// If the object isn't present, it returns an empty string.
func (service *s3UploadService) findChecksumWithRetry(ctx context.Context, objectKey string) (string, error) {
	var checksum string
	err := retry.Times(numUploadRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := service.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(service.bucket),
			Key:    aws.String(objectKey),
		})
		if err != nil {
			var apiError smithy.APIError
			if errors.As(err, &apiError) {
				switch apiError.(type) {
				case *types.NotFound:
					// continue with upload
					return nil, true
				default:
					return fmt.Errorf("validating object: %w", err), false
				}
			}
		}

		attributes, err := service.client.GetObjectAttributes(ctx, &s3.GetObjectAttributesInput{
			Bucket: aws.String(service.bucket),
			Key:    aws.String(objectKey),
			ObjectAttributes: []types.ObjectAttributes{
				"Checksum",
			},
		})
		if err != nil {
			return fmt.Errorf("get blob object attributes: %w", err), false
		}

		if attributes != nil && attributes.Checksum != nil && attributes.Checksum.ChecksumSHA256 != nil {
			decodedChecksum, err := base64.StdEncoding.DecodeString(*attributes.Checksum.ChecksumSHA256)
			if err != nil {
				return fmt.Errorf("base64 decode checksum: %w", err), true
			}

			checksum = hex.EncodeToString(decodedChecksum)
		}

		return nil, true
	})

	return checksum, err
}

// By copying an S3 object into itself with the same Storage Class, the expiration date gets extended.
// copyObjectWithRetry uses this trick to extend blob expiration.
func (service *s3UploadService) copyObjectWithRetry(ctx context.Context, objectKey string, logger log.Logger) error {
	return retry.Times(numUploadRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		resp, err := service.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:       aws.String(service.bucket),
			Key:          aws.String(objectKey),
			StorageClass: types.StorageClassStandard,
			CopySource:   aws.String(fmt.Sprintf("%s/%s", service.bucket, objectKey)),
		})
		if err != nil {
			return fmt.Errorf("extend expiration: %w", err), false
		}
		if resp != nil && resp.Expiration != nil {
			logger.Debugf("New expiration date is %s", *resp.Expiration)
		}
		return nil, true
	})
}

func (service *s3UploadService) putObjectWithRetry(ctx context.Context, objectKey string, logger log.Logger) error {
	return retry.Times(numUploadRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		source, err := uploadio.FileSource(service.blobPath)
		if err != nil {
			return fmt.Errorf("open blob path: %w", err), true
		}

		var onProgress func(int)
		if service.showProgress {
			onProgress = newProgressReporter(service.blobSize, logger).report
		}
		body, err := uploadio.New(source, uploadio.Config{
			MaxSpeed:   service.maxSpeed,
			OnProgress: onProgress,
		}, logger)
		if err != nil {
			return fmt.Errorf("wrap blob: %w", err), true
		}
		defer body.Close() //nolint:errcheck

		var partMB int64 = 10
		uploader := manager.NewUploader(service.client, func(u *manager.Uploader) {
			u.PartSize = partMB * 1024 * 1024
		})

		_, err = uploader.Upload(ctx, &s3.PutObjectInput{
			Body:              body,
			Bucket:            aws.String(service.bucket),
			Key:               aws.String(objectKey),
			ContentType:       aws.String("application/zstd"),
			ContentLength:     aws.Int64(service.blobSize),
			ContentEncoding:   aws.String("zstd"),
			ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		})
		if err != nil {
			return fmt.Errorf("upload blob: %w", err), false
		}

		return nil, true
	})
}

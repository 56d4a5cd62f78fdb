package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/tekcloud/go-uploadutils/config"
	"github.com/tekcloud/go-uploadutils/multipart"
)

const (
	numUploadRetries     = 3
	defaultPresignExpiry = 6 * time.Hour
)

// S3Params ...
type S3Params struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey config.Secret
	// Endpoint points the client to an S3 compatible service, addressed path style.
	Endpoint      string
	PresignExpiry time.Duration
}

// S3Backend uploads chunks to presigned S3 UploadPart URLs.
type S3Backend struct {
	client        *s3.Client
	presigner     *s3.PresignClient
	bucket        string
	presignExpiry time.Duration
	retryWait     time.Duration
	logger        log.Logger
}

// NewS3Backend ...
func NewS3Backend(ctx context.Context, params S3Params, logger log.Logger) (*S3Backend, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(
		ctx,
		params.Region,
		params.AccessKeyID,
		params.SecretAccessKey.Value(),
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		// Presigned part URLs must not pin a checksum of an empty body
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
			o.UsePathStyle = true
		}
	})

	expiry := params.PresignExpiry
	if expiry <= 0 {
		expiry = defaultPresignExpiry
	}

	return &S3Backend{
		client:        client,
		presigner:     s3.NewPresignClient(client),
		bucket:        params.Bucket,
		presignExpiry: expiry,
		retryWait:     5 * time.Second,
		logger:        logger,
	}, nil
}

// Prepare creates a multipart upload keyed by name and presigns one UploadPart URL per chunk.
func (b *S3Backend) Prepare(ctx context.Context, name string, descriptors []multipart.ChunkDescriptor) (Session, error) {
	resp, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(name),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return Session{}, fmt.Errorf("create multipart upload: %w", err)
	}
	uploadID := aws.ToString(resp.UploadId)
	b.logger.Debugf("Created multipart upload %s for s3://%s/%s", uploadID, b.bucket, name)

	session := Session{
		ID:           uploadID,
		FileID:       name,
		Destinations: make([]multipart.Destination, len(descriptors)),
	}
	for i, desc := range descriptors {
		session.Destinations[i] = multipart.Destination{Index: desc.Index, SessionID: uploadID}
	}

	return b.presign(ctx, session)
}

// Refresh presigns the part URLs again so a resumed session does not run into expired ones.
func (b *S3Backend) Refresh(ctx context.Context, session Session) (Session, error) {
	return b.presign(ctx, session)
}

// Coordinator ...
func (b *S3Backend) Coordinator(session Session) multipart.Coordinator {
	return &s3Coordinator{backend: b, key: session.FileID}
}

// UploadSingle puts a small file as one object.
func (b *S3Backend) UploadSingle(ctx context.Context, name, path string) (string, error) {
	uploader := manager.NewUploader(b.client)

	err := retry.Times(numUploadRetries).Wait(b.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open file: %w", err), true
		}
		defer file.Close() //nolint:errcheck

		_, err = uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(b.bucket),
			Key:         aws.String(name),
			Body:        file,
			ContentType: aws.String("application/octet-stream"),
		})
		if err != nil {
			b.logger.Debugf("Upload attempt %d failed: %s", attempt+1, err)
			return fmt.Errorf("put object: %w", err), ctx.Err() != nil
		}
		return nil, true
	})
	if err != nil {
		return "", err
	}

	return name, nil
}

// ViewURL ...
func (b *S3Backend) ViewURL(fileID string) string {
	return fmt.Sprintf("s3://%s/%s", b.bucket, fileID)
}

func (b *S3Backend) presign(ctx context.Context, session Session) (Session, error) {
	destinations := make([]multipart.Destination, len(session.Destinations))
	for i, dest := range session.Destinations {
		req, err := b.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(b.bucket),
			Key:        aws.String(session.FileID),
			UploadId:   aws.String(session.ID),
			PartNumber: aws.Int32(int32(dest.Index)),
		}, s3.WithPresignExpires(b.presignExpiry))
		if err != nil {
			return Session{}, fmt.Errorf("presign part %d: %w", dest.Index, err)
		}

		headers := map[string]string{}
		for k, v := range req.SignedHeader {
			if http.CanonicalHeaderKey(k) == "Host" || len(v) == 0 {
				continue
			}
			headers[k] = v[0]
		}

		destinations[i] = multipart.Destination{
			Index:     dest.Index,
			URL:       req.URL,
			SessionID: session.ID,
			Method:    req.Method,
			Headers:   headers,
		}
	}

	session.Destinations = destinations
	return session, nil
}

type s3Coordinator struct {
	backend *S3Backend
	key     string
}

// Finalize completes the multipart upload. Rejections by S3 are final, other failures are retried.
func (c *s3Coordinator) Finalize(ctx context.Context, sessionID string, parts []multipart.Part) (string, error) {
	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.PartNumber)),
		}
	}

	err := retry.Times(numUploadRetries).Wait(c.backend.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := c.backend.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(c.backend.bucket),
			Key:             aws.String(c.key),
			UploadId:        aws.String(sessionID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
		})
		if err == nil {
			return nil, true
		}

		var apiError smithy.APIError
		if errors.As(err, &apiError) {
			return &multipart.FinalizeError{SessionID: sessionID, Err: err}, true
		}
		c.backend.logger.Debugf("Complete attempt %d failed: %s", attempt+1, err)
		return err, ctx.Err() != nil
	})
	if err != nil {
		var finalizeErr *multipart.FinalizeError
		if errors.As(err, &finalizeErr) {
			return "", finalizeErr
		}
		return "", &multipart.FinalizeError{SessionID: sessionID, Err: err}
	}

	return c.key, nil
}

func (c *s3Coordinator) Abort(ctx context.Context, sessionID, reason string) error {
	c.backend.logger.Debugf("Aborting multipart upload %s of s3://%s/%s (%s)", sessionID, c.backend.bucket, c.key, reason)

	_, err := c.backend.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(c.backend.bucket),
		Key:      aws.String(c.key),
		UploadId: aws.String(sessionID),
	})
	if err != nil {
		var noSuchUpload *types.NoSuchUpload
		if errors.As(err, &noSuchUpload) {
			return nil
		}
		return fmt.Errorf("abort multipart upload: %w", err)
	}
	return nil
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}

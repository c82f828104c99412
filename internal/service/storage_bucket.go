package service

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	apperrors "github.com/openclaw/sandbox-controller-go/internal/errors"
	"github.com/openclaw/sandbox-controller-go/internal/model"
)

// R2BucketProber checks bucket reachability through the R2 S3 API.
type R2BucketProber struct {
	// Endpoint overrides the account endpoint, for tests.
	Endpoint string
}

func NewR2BucketProber() *R2BucketProber {
	return &R2BucketProber{}
}

func (p *R2BucketProber) client(creds model.StorageCredentials) *s3.Client {
	endpoint := p.Endpoint
	if endpoint == "" {
		endpoint = R2Endpoint(creds.AccountID)
	}

	return s3.New(s3.Options{
		Region:       "auto",
		BaseEndpoint: aws.String(endpoint),
		UsePathStyle: true,
		Credentials: credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID, creds.SecretAccessKey, "",
		),
	})
}

func (p *R2BucketProber) HeadBucket(ctx context.Context, creds model.StorageCredentials) error {
	if !creds.Configured() {
		return apperrors.StorageNotConfigured(creds.Missing())
	}

	_, err := p.client(creds).HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(creds.Bucket),
	})
	if err != nil {
		return apperrors.External("r2", fmt.Errorf("head bucket %s: %w", creds.Bucket, err))
	}
	return nil
}

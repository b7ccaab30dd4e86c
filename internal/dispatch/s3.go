package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"reportflow/internal/domain"
)

// ObjectStorageChannel puts the artifact into an S3 bucket. PutObject to
// a deterministic key is naturally retry-safe. Secrets: access_key,
// secret_key.
type ObjectStorageChannel struct{}

func (ObjectStorageChannel) Kind() domain.DistributionType { return domain.DistObjectStorage }

func (ObjectStorageChannel) Send(ctx context.Context, art Artifact, rawConfig json.RawMessage, secrets map[string]string) error {
	var cfg ObjectStorageConfig
	if err := strictUnmarshal(rawConfig, &cfg); err != nil {
		return err
	}
	if cfg.Bucket == "" {
		return domain.Configf("object storage: no bucket")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if secrets["access_key"] != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(secrets["access_key"], secrets["secret_key"], "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return domain.Transientf("object storage: aws config: %v", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	key := path.Join(cfg.Prefix, art.Filename)
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(art.Data),
		ContentType: aws.String(art.ContentType()),
	})
	if err != nil {
		return domain.Transientf("object storage: put s3://%s/%s: %v", cfg.Bucket, key, err)
	}
	return nil
}

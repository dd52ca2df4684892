package remote

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/beam-cloud/tarmount/pkg/common"
)

// S3Stream serves ReadAt through ranged GetObject calls.
type S3Stream struct {
	svc    *s3.Client
	bucket string
	key    string
	size   int64
}

func NewS3Stream(bucket, key string) (*S3Stream, error) {
	cfg, err := getAWSConfig(os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY"), os.Getenv("AWS_REGION"))
	if err != nil {
		return nil, err
	}
	svc := s3.NewFromConfig(cfg)

	head, err := svc.HeadObject(context.TODO(), &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("head s3://%s/%s: %v: %w", bucket, key, err, common.ErrIO)
	}
	var size int64
	if head.ContentLength != nil {
		size = *head.ContentLength
	}
	return &S3Stream{svc: svc, bucket: bucket, key: key, size: size}, nil
}

func getAWSConfig(accessKey, secretKey, region string) (aws.Config, error) {
	if accessKey == "" || secretKey == "" {
		return config.LoadDefaultConfig(context.TODO(), config.WithRegion(region))
	}
	provider := credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
	return config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(region), config.WithCredentialsProvider(provider))
}

func (s *S3Stream) Size() int64 { return s.size }

func (s *S3Stream) ReadAt(p []byte, off int64) (int, error) {
	if off >= s.size {
		return 0, io.EOF
	}
	end := off + int64(len(p)) - 1
	if end >= s.size {
		end = s.size - 1
	}

	// Byte ranges in HTTP RANGE requests are inclusive on both ends.
	rangeHeader := fmt.Sprintf("bytes=%d-%d", off, end)
	resp, err := s.svc.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		return 0, fmt.Errorf("range get s3://%s/%s: %v: %w", s.bucket, s.key, err, common.ErrIO)
	}
	defer resp.Body.Close()

	want := int(end - off + 1)
	n, err := io.ReadFull(resp.Body, p[:want])
	if err != nil {
		return n, fmt.Errorf("range get s3://%s/%s: %v: %w", s.bucket, s.key, err, common.ErrIO)
	}
	if want < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (s *S3Stream) Close() error { return nil }

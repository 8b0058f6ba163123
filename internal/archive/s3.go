// Package archive snapshots results reports to object storage so a report
// can be cited later exactly as it was computed.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Uploader is the part of manager.Uploader the archiver uses.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Receipt describes a stored snapshot.
type Receipt struct {
	Bucket     string    `json:"bucket"`
	Key        string    `json:"key"`
	SHA256     string    `json:"sha256"`
	Bytes      int       `json:"bytes"`
	ArchivedAt time.Time `json:"archived_at"`
}

// S3Archiver writes canonical report JSON to paths like:
//
//	s3://<bucket>/<prefix>/results/<experimentID>/YYYY/MM/DD/<unix-nanos>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader Uploader
	now      func() time.Time
}

// NewS3Archiver loads AWS configuration from the environment (AWS_REGION,
// AWS_PROFILE, static keys) and builds an archiver for bucket.
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3ArchiverWithUploader(bucket, prefix, manager.NewUploader(s3.NewFromConfig(cfg))), nil
}

func NewS3ArchiverWithUploader(bucket, prefix string, uploader Uploader) *S3Archiver {
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: uploader,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *S3Archiver) objectKey(experimentID int64, at time.Time) string {
	year, month, day := at.Date()
	return path.Join(s.prefix, "results",
		fmt.Sprintf("%d", experimentID),
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%d.json", at.UnixNano()),
	)
}

// ArchiveReport canonicalizes report and uploads it with its SHA-256 digest
// recorded in object metadata.
func (s *S3Archiver) ArchiveReport(ctx context.Context, experimentID int64, report any) (Receipt, error) {
	if report == nil {
		return Receipt{}, fmt.Errorf("nil report")
	}
	body, err := Canonical(report)
	if err != nil {
		return Receipt{}, fmt.Errorf("canonicalize report: %w", err)
	}
	sum := sha256.Sum256(body)
	digest := hex.EncodeToString(sum[:])

	at := s.now()
	key := s.objectKey(experimentID, at)
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"sha256":        digest,
			"experiment-id": fmt.Sprintf("%d", experimentID),
		},
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("s3 upload failed: %w", err)
	}
	log.Printf("[archive] stored experiment=%d at s3://%s/%s", experimentID, s.bucket, key)
	return Receipt{Bucket: s.bucket, Key: key, SHA256: digest, Bytes: len(body), ArchivedAt: at}, nil
}

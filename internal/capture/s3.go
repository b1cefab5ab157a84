package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Options configure NewS3Client.
type S3Options struct {
	Region string
	// Endpoint overrides the AWS endpoint for S3-compatible services.
	Endpoint  string
	PathStyle bool

	// Static credentials; both empty means anonymous requests.
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Client builds an S3 client without the shared AWS config files.
func NewS3Client(opts S3Options) *s3.Client {
	o := s3.Options{
		Region:       opts.Region,
		UsePathStyle: opts.PathStyle,
	}
	if o.Region == "" {
		o.Region = "us-east-1"
	}
	if opts.Endpoint != "" {
		o.BaseEndpoint = aws.String(opts.Endpoint)
	}
	if opts.AccessKeyID != "" || opts.SecretAccessKey != "" {
		creds := aws.Credentials{
			AccessKeyID:     opts.AccessKeyID,
			SecretAccessKey: opts.SecretAccessKey,
			Source:          "mtwire",
		}
		o.Credentials = aws.NewCredentialsCache(aws.CredentialsProviderFunc(
			func(context.Context) (aws.Credentials, error) { return creds, nil }))
	} else {
		o.Credentials = aws.AnonymousCredentials{}
	}
	return s3.New(o)
}

// S3Store keeps captures as objects under prefix, with the record fields
// in object metadata.
type S3Store struct {
	client  *s3.Client
	bucket  string
	prefix  string
	maxSize int
}

// NewS3Store creates a store. maxSize 0 means no limit.
func NewS3Store(client *s3.Client, bucket, prefix string, maxSize int) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix, maxSize: maxSize}
}

// maxMetaValue keeps a record within the S3 metadata size limit.
const maxMetaValue = 512

// Save uploads rec.
func (s *S3Store) Save(ctx context.Context, rec *Record) (string, error) {
	if s.maxSize > 0 && len(rec.Data) > s.maxSize {
		return "", ErrTooLarge
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	rec.ID = newID(rec.At)

	errText := rec.Error
	if len(errText) > maxMetaValue {
		errText = errText[:maxMetaValue]
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.prefix + rec.ID),
		Body:        bytes.NewReader(rec.Data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"conn-id":   strconv.FormatUint(rec.ConnID, 10),
			"listener":  rec.Listener,
			"remote":    rec.Remote,
			"transport": rec.Transport,
			"error":     strconv.QuoteToASCII(errText),
			"kind":      rec.Kind,
			"at":        rec.At.UTC().Format(time.RFC3339Nano),
			"truncated": strconv.FormatBool(rec.Truncated),
		},
	})
	if err != nil {
		return "", fmt.Errorf("capture: s3 upload failed: %w", err)
	}
	return rec.ID, nil
}

// Load downloads a capture.
func (s *S3Store) Load(ctx context.Context, id string) (*Record, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + id),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}

	md := out.Metadata
	rec := &Record{
		ID:        id,
		Listener:  md["listener"],
		Remote:    md["remote"],
		Transport: md["transport"],
		Kind:      md["kind"],
		Data:      data,
	}
	rec.ConnID, _ = strconv.ParseUint(md["conn-id"], 10, 64)
	rec.At, _ = time.Parse(time.RFC3339Nano, md["at"])
	rec.Truncated, _ = strconv.ParseBool(md["truncated"])
	if rec.Error, err = strconv.Unquote(md["error"]); err != nil {
		rec.Error = md["error"]
	}
	return rec, nil
}

// Cleanup deletes objects under prefix last modified before now-maxAge.
func (s *S3Store) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})

	var expired []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, err
		}
		for _, obj := range page.Contents {
			if obj.Key != nil && obj.LastModified != nil && obj.LastModified.Before(cutoff) {
				expired = append(expired, *obj.Key)
			}
		}
	}

	removed := 0
	for _, key := range expired {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

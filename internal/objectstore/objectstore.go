// Package objectstore provides the Get/Put object-store operations the job
// engine uses to read and publish the sequence pointer and its artifacts. It
// is the only package permitted to talk to S3 directly.
package objectstore

import (
	"bytes"
	"context"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/oriys/osmdbt-worker/internal/joberr"
)

// extContentTypes maps the trailing extension of a key to its content-type
// for the state file and diff payload, the two shapes this service writes.
// Other extensions fall back to mime.TypeByExtension; an extension neither
// knows gets no content-type.
var extContentTypes = map[string]string{
	".txt": "text/plain",
	".gz":  "application/gzip",
}

// Config describes how to reach the bucket this worker publishes diffs to.
type Config struct {
	Endpoint   string
	BucketName string
	ACL        string
	Region     string
	AccessKey  string
	SecretKey  string
}

// Store performs Get/Put against a single S3-compatible bucket, tagging
// every failure with joberr.KindObjectStore.
type Store struct {
	bucket string
	acl    types.ObjectCannedACL
	client *s3.Client
}

// New constructs a Store from cfg, resolving credentials the same way the
// AWS SDK's default credential chain does when AccessKey/SecretKey are left
// blank.
func New(ctx context.Context, cfg Config) (*Store, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, joberr.Tag(joberr.KindObjectStore, "load aws config", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	acl := types.ObjectCannedACLPublicRead
	if cfg.ACL != "" {
		acl = types.ObjectCannedACL(cfg.ACL)
	}

	return &Store{bucket: cfg.BucketName, acl: acl, client: client}, nil
}

// GetObject returns the full body of key.
func (s *Store) GetObject(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, joberr.Tag(joberr.KindObjectStore, "getObject "+key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, joberr.Tag(joberr.KindObjectStore, "getObject read "+key, err)
	}
	return data, nil
}

// PutObject writes data to key with the configured canned ACL, inferring
// content-type from key's trailing extension.
func (s *Store) PutObject(ctx context.Context, key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
		ACL:    s.acl,
	}
	if ct := contentTypeForKey(key); ct != "" {
		input.ContentType = aws.String(ct)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return joberr.Tag(joberr.KindObjectStore, "putObject "+key, err)
	}
	return nil
}

func contentTypeForKey(key string) string {
	ext := path.Ext(key)
	if ct, ok := extContentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return strings.SplitN(ct, ";", 2)[0]
	}
	return ""
}

// JoinKey joins forward-slash path elements into a store key.
func JoinKey(elem ...string) string {
	return strings.Join(elem, "/")
}

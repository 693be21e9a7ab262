/*
Copyright 2025 Impalah

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package aws

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/gravitational/trace"
)

// S3Client is the subset of the S3 API the blob store uses. Tests
// substitute a fake.
type S3Client interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, opts ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutBucketVersioning(ctx context.Context, in *s3.PutBucketVersioningInput, opts ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error)
}

// S3Presigner mints presigned GET URLs. Satisfied by *s3.PresignClient.
type S3Presigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// BlobStoreConfig holds parameters for the S3 blob store.
type BlobStoreConfig struct {
	// Bucket is the S3 bucket holding the objects.
	Bucket string
	// Region is the bucket region, used when auto-creating.
	Region string
	// AutoCreate provisions the bucket on first use when it is missing.
	AutoCreate bool
	// Versioning enables bucket versioning on auto-create.
	Versioning bool
	// Client is the S3 API client.
	Client S3Client
	// Presigner mints presigned URLs.
	Presigner S3Presigner
}

// CheckAndSetDefaults validates the config.
func (c *BlobStoreConfig) CheckAndSetDefaults() error {
	if c.Bucket == "" {
		return trace.BadParameter("missing parameter Bucket")
	}
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Presigner == nil {
		return trace.BadParameter("missing parameter Presigner")
	}
	return nil
}

// NewBlobStore creates the S3 blob store, optionally provisioning the
// bucket.
func NewBlobStore(ctx context.Context, cfg BlobStoreConfig) (*BlobStore, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &BlobStore{cfg: cfg}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	return s, nil
}

// BlobStore keeps objects in S3 with server-side encryption.
type BlobStore struct {
	cfg BlobStoreConfig
}

func (s *BlobStore) ensureBucket(ctx context.Context) error {
	_, err := s.cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.cfg.Bucket),
	})
	if err == nil {
		return nil
	}
	if !isS3NotFound(err) {
		return trace.Wrap(convertS3Error(err))
	}
	if !s.cfg.AutoCreate {
		return trace.NotFound("S3 bucket %q does not exist and auto-create is disabled", s.cfg.Bucket)
	}
	log.InfoContext(ctx, "Creating S3 blob bucket.", "bucket", s.cfg.Bucket)
	input := &s3.CreateBucketInput{
		Bucket: aws.String(s.cfg.Bucket),
	}
	// us-east-1 rejects an explicit location constraint.
	if s.cfg.Region != "" && s.cfg.Region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(s.cfg.Region),
		}
	}
	if _, err := s.cfg.Client.CreateBucket(ctx, input); err != nil {
		if !isS3AlreadyOwned(err) {
			return trace.Wrap(convertS3Error(err), "provisioning S3 bucket %q", s.cfg.Bucket)
		}
	}
	if s.cfg.Versioning {
		_, err := s.cfg.Client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
			Bucket: aws.String(s.cfg.Bucket),
			VersioningConfiguration: &s3types.VersioningConfiguration{
				Status: s3types.BucketVersioningStatusEnabled,
			},
		})
		if err != nil {
			return trace.Wrap(convertS3Error(err), "enabling versioning on S3 bucket %q", s.cfg.Bucket)
		}
	}
	return nil
}

// Upload stores the object with AES-256 server-side encryption and returns
// its s3:// URI.
func (s *BlobStore) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:               aws.String(s.cfg.Bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.cfg.Client.PutObject(ctx, input); err != nil {
		return "", trace.Wrap(convertS3Error(err), "uploading %q", key)
	}
	return "s3://" + s.cfg.Bucket + "/" + key, nil
}

// Download returns the object contents, or a NotFound error.
func (s *BlobStore) Download(ctx context.Context, key string) ([]byte, error) {
	out, err := s.cfg.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, trace.Wrap(convertS3Error(err), "downloading %q", key)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// Delete removes the object, reporting whether it existed.
func (s *BlobStore) Delete(ctx context.Context, key string) (bool, error) {
	exists, err := s.Exists(ctx, key)
	if err != nil {
		return false, trace.Wrap(err)
	}
	if !exists {
		return false, nil
	}
	_, err = s.cfg.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return false, trace.Wrap(convertS3Error(err), "deleting %q", key)
	}
	return true, nil
}

// Exists reports whether the object is present.
func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.cfg.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, trace.Wrap(convertS3Error(err))
	}
	return true, nil
}

// PresignedURL mints a time-limited GET URL for the object.
func (s *BlobStore) PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	exists, err := s.Exists(ctx, key)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if !exists {
		return "", trace.NotFound("blob %q not found", key)
	}
	req, err := s.cfg.Presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", trace.Wrap(convertS3Error(err), "presigning %q", key)
	}
	return req.URL, nil
}

// List returns the keys under the given prefix.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := s.cfg.Client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.cfg.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, trace.Wrap(convertS3Error(err), "listing %q", prefix)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return keys, nil
}

func isS3NotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	var noSuchBucket *s3types.NoSuchBucket
	var notFound *s3types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &noSuchBucket) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return true
		}
	}
	return false
}

func isS3AlreadyOwned(err error) bool {
	var owned *s3types.BucketAlreadyOwnedByYou
	return errors.As(err, &owned)
}

// convertS3Error translates S3 API errors into trace types.
func convertS3Error(err error) error {
	if isS3NotFound(err) {
		return trace.NotFound("%s", err.Error())
	}
	var exists *s3types.BucketAlreadyExists
	if errors.As(err, &exists) {
		return trace.AlreadyExists("%s", err.Error())
	}
	return err
}

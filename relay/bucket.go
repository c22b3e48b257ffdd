// Copyright 2018 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relay

import (
	"bytes"
	"context"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// BucketConfig points at an S3 compatible bucket (Cloudflare R2 in
// production) whose objects are publicly readable under PublicBaseURL.
type BucketConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	PublicBaseURL string
	Prefix        string
	Region        string
}

func (c BucketConfig) complete() bool {
	return configured(c.Endpoint, c.AccessKey, c.SecretKey, c.Bucket, c.PublicBaseURL)
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Bucket relays images by writing them into an object store.
type Bucket struct {
	cfg    BucketConfig
	client objectPutter
	log    logrus.FieldLogger
}

// NewBucket builds the S3 client. An incomplete configuration is not an
// error: the returned relay then always falls back.
func NewBucket(ctx context.Context, cfg BucketConfig, httpClient *http.Client, log logrus.FieldLogger) (*Bucket, error) {
	b := &Bucket{cfg: cfg, log: log}
	if !cfg.complete() {
		return b, nil
	}
	if cfg.Region == "" {
		cfg.Region = "auto"
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	}
	if httpClient != nil {
		opts = append(opts, config.WithHTTPClient(httpClient))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load object store config")
	}
	b.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})
	return b, nil
}

func (b *Bucket) Enabled() bool {
	return b.client != nil
}

func (b *Bucket) Upload(ctx context.Context, image []byte, contentType string) Outcome {
	if reason, ok := checkInput(image, contentType); !ok {
		return fallback(reason)
	}
	if b.client == nil {
		b.log.Debug("object store is not configured, using direct upload")
		return fallback("object store not configured")
	}

	key := path.Join(b.cfg.Prefix, uuid.New().String()+extension(contentType))
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(image),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		b.log.WithError(err).WithField("key", key).Warn("object store upload failed, falling back to direct upload")
		return fallback(err.Error())
	}

	url := strings.TrimRight(b.cfg.PublicBaseURL, "/") + "/" + key
	b.log.WithField("image_url", url).Debug("image relayed to object store")
	return hosted(url)
}

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
	"strings"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	defaultCloudinaryURL = "https://api.cloudinary.com"
	DefaultUploadPreset  = "mealmate_uploads"
	DefaultFolder        = "recipe-images"
)

type CloudinaryConfig struct {
	CloudName    string
	UploadPreset string
	Folder       string
	// APIKey and APISecret switch to signed uploads when both are set.
	APIKey    string
	APISecret string
	// BaseURL overrides the Cloudinary API host.
	BaseURL string
}

// Cloudinary relays images to a Cloudinary account.
type Cloudinary struct {
	cfg    CloudinaryConfig
	client *http.Client
	log    logrus.FieldLogger
}

func NewCloudinary(cfg CloudinaryConfig, client *http.Client, log logrus.FieldLogger) *Cloudinary {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultCloudinaryURL
	}
	if cfg.Folder == "" {
		cfg.Folder = DefaultFolder
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Cloudinary{cfg: cfg, client: client, log: log}
}

func (c *Cloudinary) signed() bool {
	return configured(c.cfg.APIKey, c.cfg.APISecret)
}

// Enabled reports whether enough credentials are present to attempt an
// upload.
func (c *Cloudinary) Enabled() bool {
	return configured(c.cfg.CloudName) && (c.signed() || configured(c.cfg.UploadPreset))
}

func (c *Cloudinary) Upload(ctx context.Context, image []byte, contentType string) Outcome {
	if reason, ok := checkInput(image, contentType); !ok {
		return fallback(reason)
	}
	if !c.Enabled() {
		c.log.Debug("cloudinary is not configured, using direct upload")
		return fallback("cloudinary not configured")
	}

	url, err := c.upload(ctx, image)
	if err != nil {
		c.log.WithError(err).Warn("cloudinary upload failed, falling back to direct upload")
		return fallback(err.Error())
	}
	c.log.WithField("image_url", url).Debug("image relayed to cloudinary")
	return hosted(url)
}

// sdk builds an upload client bound to the configured account, API host
// and HTTP client.
func (c *Cloudinary) sdk() (*cloudinary.Cloudinary, error) {
	key, secret := "", ""
	if c.signed() {
		key, secret = c.cfg.APIKey, c.cfg.APISecret
	}
	cld, err := cloudinary.NewFromParams(c.cfg.CloudName, key, secret)
	if err != nil {
		return nil, errors.Wrap(err, "invalid cloudinary configuration")
	}
	prefix := strings.TrimRight(c.cfg.BaseURL, "/")
	cld.Config.API.UploadPrefix = prefix
	cld.Upload.Config.API.UploadPrefix = prefix
	cld.Upload.Client = *c.client
	return cld, nil
}

func (c *Cloudinary) upload(ctx context.Context, image []byte) (string, error) {
	cld, err := c.sdk()
	if err != nil {
		return "", err
	}

	params := uploader.UploadParams{Folder: c.cfg.Folder, ResourceType: "image"}
	var res *uploader.UploadResult
	if c.signed() {
		res, err = cld.Upload.Upload(ctx, bytes.NewReader(image), params)
	} else {
		res, err = cld.Upload.UnsignedUpload(ctx, bytes.NewReader(image), c.cfg.UploadPreset, params)
	}
	if err != nil {
		return "", errors.Wrap(err, "cloudinary upload request failed")
	}
	if res == nil {
		return "", errors.New("cloudinary returned no upload result")
	}
	if res.Error.Message != "" {
		return "", errors.Errorf("cloudinary rejected the upload: %s", res.Error.Message)
	}
	if res.SecureURL == "" {
		return "", errors.New("cloudinary response has no secure_url")
	}
	return res.SecureURL, nil
}

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

package main

import (
	"context"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/pkg/errors"
)

type secretAccessor func(ctx context.Context, name string) (string, error)

// resolveCloudinarySecret fills the Cloudinary API secret from Secret
// Manager when only CLOUDINARY_API_SECRET_NAME is set. A secret given
// directly always wins.
func resolveCloudinarySecret(ctx context.Context, cfg *config, access secretAccessor) error {
	if cfg.cloudinary.APISecret != "" || cfg.cloudinarySecretName == "" {
		return nil
	}
	secret, err := access(ctx, cfg.cloudinarySecretName)
	if err != nil {
		return err
	}
	cfg.cloudinary.APISecret = strings.TrimSpace(secret)
	return nil
}

// accessSecretVersion reads a secret version such as
// projects/p/secrets/cloudinary-api-secret/versions/latest.
func accessSecretVersion(ctx context.Context, name string) (string, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return "", errors.Wrap(err, "failed to create secret manager client")
	}
	defer client.Close()

	resp, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", errors.Wrapf(err, "failed to access secret %s", name)
	}
	return string(resp.GetPayload().GetData()), nil
}

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
	"os"
	"strings"

	"cloud.google.com/go/compute/metadata"
	"github.com/sirupsen/logrus"
)

type platformDetails struct {
	css      string
	provider string
}

var validEnvs = []string{"local", "gcp", "azure", "aws", "onprem", "alibaba"}

// detectPlatform uses ENV_PLATFORM when it names a known platform, and
// the GCE metadata server overrides it.
func detectPlatform(log logrus.FieldLogger) platformDetails {
	return platformFor(os.Getenv("ENV_PLATFORM"), metadata.OnGCE, log)
}

func platformFor(env string, onGCE func() bool, log logrus.FieldLogger) platformDetails {
	env = strings.ToLower(strings.TrimSpace(env))
	if !stringInSlice(validEnvs, env) {
		log.WithField("env_platform", env).Debug("env platform is either empty or invalid")
		env = "local"
	}
	if onGCE() {
		log.Debug("detected Google metadata server, setting platform to GCP")
		env = "gcp"
	}
	var plat platformDetails
	plat.setPlatformDetails(env)
	return plat
}

func (plat *platformDetails) setPlatformDetails(env string) {
	switch env {
	case "aws":
		plat.provider, plat.css = "AWS", "aws-platform"
	case "onprem":
		plat.provider, plat.css = "On-Premises", "onprem-platform"
	case "azure":
		plat.provider, plat.css = "Azure", "azure-platform"
	case "gcp":
		plat.provider, plat.css = "Google Cloud", "gcp-platform"
	case "alibaba":
		plat.provider, plat.css = "Alibaba Cloud", "alibaba-platform"
	default:
		plat.provider, plat.css = "local", "local"
	}
}

func stringInSlice(slice []string, val string) bool {
	for _, v := range slice {
		if v == val {
			return true
		}
	}
	return false
}

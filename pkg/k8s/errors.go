/*
Copyright 2024 FaST-GShare Authors, KontonGu (Jianfeng Gu), et. al.
@Techinical University of Munich, CAPS Cloud Team

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

package k8s

import (
	"fmt"
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

const maxErrorBody = 512

// ConfigError is returned when the client cannot be set up from the
// available credentials or trust settings.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "kubernetes client configuration: " + e.Reason
}

// TransportError wraps network failures talking to the API server.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("error contacting Kubernetes API: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// APIError is a non-success response from the API server. It implements
// apierrors.APIStatus so apierrors.IsNotFound and friends work on it.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody] + "..."
	}
	return fmt.Sprintf("error contacting Kubernetes API: %s %s: %d - %s", e.Method, e.Path, e.StatusCode, body)
}

// Status maps the response code to the matching Kubernetes status reason.
func (e *APIError) Status() metav1.Status {
	return apierrors.NewGenericServerResponse(e.StatusCode, e.Method, schema.GroupResource{}, "", e.Body, 0, false).ErrStatus
}

// VersionProbeError means the cluster version could not be determined.
// Features gated on the version are treated as absent.
type VersionProbeError struct {
	Err error
}

func (e *VersionProbeError) Error() string {
	return fmt.Sprintf("probing kubernetes version: %v", e.Err)
}

func (e *VersionProbeError) Unwrap() error {
	return e.Err
}

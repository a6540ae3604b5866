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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/version"
	"k8s.io/client-go/rest"
	klog "k8s.io/klog/v2"
)

const (
	// ServiceAccountTokenPath is where the pod's service account token is mounted.
	ServiceAccountTokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"
	// ServiceAccountCAPath is the CA bundle mounted next to the token.
	ServiceAccountCAPath = "/var/run/secrets/kubernetes.io/serviceaccount/ca.crt"

	userAgent = "faas-job-worker"
)

// ClientConfig describes how to reach and authenticate to the API server.
type ClientConfig struct {
	Host string
	Port string

	// Token takes precedence over every other credential source.
	Token string
	// TokenPath is read when no token is given, defaults to ServiceAccountTokenPath.
	TokenPath string
	// CAPath is used for server verification when the file exists.
	CAPath string
	// StrictTLS disables the unverified fallback when CAPath is missing.
	StrictTLS bool

	// Timeout bounds every request, zero means no timeout.
	Timeout time.Duration

	// Base is an optional out-of-cluster config (kubeconfig). Its host and TLS
	// settings replace Host, Port and CAPath.
	Base *rest.Config
}

// Response is a successful API server reply.
type Response struct {
	StatusCode int
	Body       []byte
}

// Requester issues authenticated calls against the API server.
type Requester interface {
	AuthenticatedRequest(ctx context.Context, method, path string, body interface{}) (*Response, error)
}

// Client is a thin authenticated HTTP client for the Kubernetes API.
type Client struct {
	host       string
	httpClient *http.Client
	insecure   bool

	// lazily probed cluster version, see version.go
	versionMtx   sync.Mutex
	versionState probeState
	version      *version.Version
	versionErr   error
}

// NewClient resolves credentials and TLS trust and builds the client.
func NewClient(cfg ClientConfig) (*Client, error) {
	restConfig, err := buildRestConfig(cfg)
	if err != nil {
		return nil, err
	}

	httpClient, err := rest.HTTPClientFor(restConfig)
	if err != nil {
		return nil, &ConfigError{Reason: err.Error()}
	}

	return &Client{
		host:       strings.TrimSuffix(restConfig.Host, "/"),
		httpClient: httpClient,
		insecure:   restConfig.TLSClientConfig.Insecure,
	}, nil
}

func buildRestConfig(cfg ClientConfig) (*rest.Config, error) {
	var restConfig *rest.Config
	if cfg.Base != nil {
		restConfig = rest.CopyConfig(cfg.Base)
	} else {
		restConfig = &rest.Config{
			Host: "https://" + net.JoinHostPort(cfg.Host, cfg.Port),
		}
	}
	restConfig.UserAgent = userAgent
	restConfig.Timeout = cfg.Timeout

	token, err := resolveToken(cfg, restConfig)
	if err != nil {
		return nil, err
	}
	restConfig.BearerToken = token
	restConfig.BearerTokenFile = ""

	if cfg.Base == nil {
		if fileExists(cfg.CAPath) {
			restConfig.TLSClientConfig.CAFile = cfg.CAPath
		} else if cfg.StrictTLS {
			return nil, &ConfigError{Reason: fmt.Sprintf("CA bundle %q not found and strict TLS is enabled", cfg.CAPath)}
		} else {
			klog.Warningf("CA bundle %q not found, server certificate verification is DISABLED", cfg.CAPath)
			restConfig.TLSClientConfig.Insecure = true
		}
	} else if restConfig.TLSClientConfig.Insecure && cfg.StrictTLS {
		return nil, &ConfigError{Reason: "kubeconfig disables certificate verification and strict TLS is enabled"}
	}

	return restConfig, nil
}

// resolveToken applies the credential order: explicit token, kubeconfig
// token, mounted service account token.
func resolveToken(cfg ClientConfig, restConfig *rest.Config) (string, error) {
	if len(cfg.Token) > 0 {
		return cfg.Token, nil
	}
	if len(restConfig.BearerToken) > 0 {
		return restConfig.BearerToken, nil
	}
	tokenPath := cfg.TokenPath
	if len(restConfig.BearerTokenFile) > 0 {
		tokenPath = restConfig.BearerTokenFile
	}
	if len(tokenPath) == 0 {
		tokenPath = ServiceAccountTokenPath
	}
	data, err := os.ReadFile(tokenPath)
	if err != nil {
		return "", &ConfigError{Reason: fmt.Sprintf("no bearer token given and reading %s failed: %v", tokenPath, err)}
	}
	token := strings.TrimSpace(string(data))
	if len(token) == 0 {
		return "", &ConfigError{Reason: fmt.Sprintf("no bearer token given and %s is empty", tokenPath)}
	}
	return token, nil
}

func fileExists(path string) bool {
	if len(path) == 0 {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Insecure reports whether server certificates are not verified.
func (c *Client) Insecure() bool {
	return c.insecure
}

// AuthenticatedRequest sends a bearer-authenticated request. A non-nil body is
// encoded as JSON. Statuses 200, 201 and 202 are successes, any other status
// is an *APIError and network failures are a *TransportError.
func (c *Client) AuthenticatedRequest(ctx context.Context, method, path string, body interface{}) (*Response, error) {
	url := c.host + path

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body for %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, &TransportError{Method: method, URL: url, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Method: method, URL: url, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Method: method, URL: url, Err: err}
	}

	if !isSuccess(resp.StatusCode) {
		return nil, &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(data)}
	}
	klog.V(4).Infof("%s %s -> %d", method, path, resp.StatusCode)
	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}

func isSuccess(code int) bool {
	switch code {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		return true
	}
	return false
}

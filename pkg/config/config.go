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

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/KontonGu/faas-job-worker/pkg/k8s"
	"github.com/openfaas/faas-provider/types"
	klog "k8s.io/klog/v2"
)

const redacted = "<redacted>"

// BootstrapConfig holds the worker settings resolved from the environment.
type BootstrapConfig struct {
	// NATS Streaming
	NATSAddress        string
	NATSPort           int
	NATSClusterID      string
	NATSClientID       string
	NATSSubject        string
	NATSQueueGroup     string
	NATSDurableName    string
	NATSAckWait        time.Duration
	NATSMaxInflight    int
	NATSConnectRetries int
	NATSRetryInterval  time.Duration

	// Kubernetes API
	KubeHost           string
	KubePort           string
	KubeToken          string
	KubeCAFile         string
	KubeStrictTLS      bool
	KubeRequestTimeout time.Duration

	FunctionNamespace string
	JobNamespace      string

	JobTTLSecondsAfterFinished int
	JobBackoffLimit            int

	EventDedupeWindow time.Duration
	MetricsPort       int
}

// ReadConfig constitutes the worker config from env variables
type ReadConfig struct {
}

// Read fetches config from environmental variables.
func (ReadConfig) Read(hasEnv types.HasEnv) (BootstrapConfig, error) {
	cfg := BootstrapConfig{}

	cfg.NATSAddress = types.ParseString(hasEnv.Getenv("NATS_ADDRESS"), "nats")
	cfg.NATSPort = types.ParseIntValue(hasEnv.Getenv("NATS_PORT"), 4222)
	cfg.NATSClusterID = types.ParseString(hasEnv.Getenv("NATS_CLUSTER_ID"), "faas-cluster")
	cfg.NATSClientID = types.ParseString(hasEnv.Getenv("NATS_CLIENT_ID"), defaultClientID())
	cfg.NATSSubject = types.ParseString(hasEnv.Getenv("NATS_SUBJECT"), "faas-request")
	cfg.NATSQueueGroup = types.ParseString(hasEnv.Getenv("NATS_QUEUE_GROUP"), "faas")
	cfg.NATSDurableName = hasEnv.Getenv("NATS_DURABLE_NAME")
	cfg.NATSAckWait = types.ParseIntOrDurationValue(hasEnv.Getenv("NATS_ACK_WAIT"), 30*time.Second)
	cfg.NATSMaxInflight = types.ParseIntValue(hasEnv.Getenv("NATS_MAX_INFLIGHT"), 16)
	cfg.NATSConnectRetries = types.ParseIntValue(hasEnv.Getenv("NATS_CONNECT_RETRIES"), 0)
	cfg.NATSRetryInterval = types.ParseIntOrDurationValue(hasEnv.Getenv("NATS_RETRY_INTERVAL"), 2*time.Second)

	cfg.KubeHost = types.ParseString(hasEnv.Getenv("KUBERNETES_SERVICE_HOST"), "kubernetes.default")
	cfg.KubePort = types.ParseString(hasEnv.Getenv("KUBERNETES_SERVICE_PORT"), "443")
	cfg.KubeToken = hasEnv.Getenv("KUBE_TOKEN")
	cfg.KubeCAFile = types.ParseString(hasEnv.Getenv("KUBE_CA_FILE"), k8s.ServiceAccountCAPath)
	cfg.KubeStrictTLS = types.ParseBoolValue(hasEnv.Getenv("KUBE_STRICT_TLS"), false)
	cfg.KubeRequestTimeout = types.ParseIntOrDurationValue(hasEnv.Getenv("KUBE_REQUEST_TIMEOUT"), 30*time.Second)

	cfg.FunctionNamespace = types.ParseString(hasEnv.Getenv("FUNCTION_NAMESPACE"), "openfaas-fn")
	cfg.JobNamespace = types.ParseString(hasEnv.Getenv("JOB_NAMESPACE"), "oscar-fn")

	cfg.JobTTLSecondsAfterFinished = types.ParseIntValue(hasEnv.Getenv("JOB_TTL_SECONDS_AFTER_FINISHED"), 60)
	cfg.JobBackoffLimit = types.ParseIntValue(hasEnv.Getenv("JOB_BACKOFF_LIMIT"), 6)

	cfg.EventDedupeWindow = types.ParseIntOrDurationValue(hasEnv.Getenv("EVENT_DEDUPE_WINDOW"), 5*time.Minute)
	cfg.MetricsPort = types.ParseIntValue(hasEnv.Getenv("METRICS_PORT"), 8081)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c BootstrapConfig) validate() error {
	if c.NATSPort <= 0 || c.NATSPort > 65535 {
		return fmt.Errorf("NATS_PORT %d is out of range", c.NATSPort)
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("METRICS_PORT %d is out of range", c.MetricsPort)
	}
	if c.NATSMaxInflight <= 0 {
		return fmt.Errorf("NATS_MAX_INFLIGHT must be positive, got %d", c.NATSMaxInflight)
	}
	if c.NATSConnectRetries < 0 {
		return fmt.Errorf("NATS_CONNECT_RETRIES must not be negative, got %d", c.NATSConnectRetries)
	}
	if c.JobTTLSecondsAfterFinished < 0 {
		return fmt.Errorf("JOB_TTL_SECONDS_AFTER_FINISHED must not be negative, got %d", c.JobTTLSecondsAfterFinished)
	}
	if c.JobBackoffLimit < 0 {
		return fmt.Errorf("JOB_BACKOFF_LIMIT must not be negative, got %d", c.JobBackoffLimit)
	}
	return nil
}

// NATSURL is the transport address of the bus.
func (c BootstrapConfig) NATSURL() string {
	return fmt.Sprintf("nats://%s:%d", c.NATSAddress, c.NATSPort)
}

// Fprint logs the resolved configuration, the bearer token is never printed.
func (c BootstrapConfig) Fprint(verbose bool) {
	if !verbose {
		return
	}
	token := ""
	if len(c.KubeToken) > 0 {
		token = redacted
	}
	klog.Infof("NATS: url=%s cluster=%s client=%s subject=%s queue=%s durable=%q",
		c.NATSURL(), c.NATSClusterID, c.NATSClientID, c.NATSSubject, c.NATSQueueGroup, c.NATSDurableName)
	klog.Infof("NATS: ackWait=%s maxInflight=%d connectRetries=%d retryInterval=%s",
		c.NATSAckWait, c.NATSMaxInflight, c.NATSConnectRetries, c.NATSRetryInterval)
	klog.Infof("Kubernetes: host=%s port=%s token=%q caFile=%s strictTLS=%t timeout=%s",
		c.KubeHost, c.KubePort, token, c.KubeCAFile, c.KubeStrictTLS, c.KubeRequestTimeout)
	klog.Infof("Namespaces: functions=%s jobs=%s", c.FunctionNamespace, c.JobNamespace)
	klog.Infof("Jobs: ttlSecondsAfterFinished=%d backoffLimit=%d dedupeWindow=%s",
		c.JobTTLSecondsAfterFinished, c.JobBackoffLimit, c.EventDedupeWindow)
	klog.Infof("Metrics port: %d", c.MetricsPort)
}

func defaultClientID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "faas-worker"
	}
	// streaming client ids only allow alphanumerics, '-' and '_'
	return "faas-worker-" + strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, hostname)
}

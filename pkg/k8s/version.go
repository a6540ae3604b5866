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
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/version"
	klog "k8s.io/klog/v2"
)

const nodesPath = "/api/v1/nodes"

// TTLAfterFinishedVersion is the first release accepting ttlSecondsAfterFinished on Jobs.
var TTLAfterFinishedVersion = version.MustParseGeneric("v1.12")

type probeState int

const (
	probeUnfetched probeState = iota
	probeFetched
	probeFailed
)

// ServerVersion returns the kubelet version of the first node. The probe runs
// once per client, both the value and a failure are cached.
func (c *Client) ServerVersion(ctx context.Context) (*version.Version, error) {
	c.versionMtx.Lock()
	defer c.versionMtx.Unlock()

	switch c.versionState {
	case probeFetched:
		return c.version, nil
	case probeFailed:
		return nil, c.versionErr
	}

	v, err := c.probeVersion(ctx)
	if err != nil {
		c.versionState = probeFailed
		c.versionErr = &VersionProbeError{Err: err}
		klog.Errorf("Error getting nodes info: %v", err)
		return nil, c.versionErr
	}
	c.versionState = probeFetched
	c.version = v
	klog.Infof("Kubernetes version: %s", v)
	return v, nil
}

func (c *Client) probeVersion(ctx context.Context) (*version.Version, error) {
	resp, err := c.AuthenticatedRequest(ctx, http.MethodGet, nodesPath, nil)
	if err != nil {
		return nil, err
	}

	nodes := corev1.NodeList{}
	if err := json.Unmarshal(resp.Body, &nodes); err != nil {
		return nil, fmt.Errorf("decoding node list: %w", err)
	}
	if len(nodes.Items) == 0 {
		return nil, fmt.Errorf("node list is empty")
	}

	kubelet := nodes.Items[0].Status.NodeInfo.KubeletVersion
	v, err := version.ParseGeneric(kubelet)
	if err != nil {
		return nil, fmt.Errorf("parsing kubelet version %q: %w", kubelet, err)
	}
	return v, nil
}

// SupportsTTLAfterFinished reports whether jobs may carry
// ttlSecondsAfterFinished. A failed probe means no.
func (c *Client) SupportsTTLAfterFinished(ctx context.Context) bool {
	v, err := c.ServerVersion(ctx)
	if err != nil {
		return false
	}
	return v.AtLeast(TTLAfterFinishedVersion)
}

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
	"net/url"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

var deploymentResource = schema.GroupResource{Group: "apps", Resource: "deployments"}

// DeploymentTemplate is the part of a function deployment a job is built from.
// It is fetched on every invocation and never cached.
type DeploymentTemplate struct {
	FunctionName string
	Namespace    string

	// Container is the first container of the pod template. Deployments with
	// more containers are not supported, the rest are ignored.
	Container corev1.Container

	Volumes          []corev1.Volume
	ImagePullSecrets []corev1.LocalObjectReference
}

// DeploymentIntrospector reads function deployments.
type DeploymentIntrospector struct {
	client    Requester
	namespace string
}

// NewDeploymentIntrospector looks up deployments in the function namespace.
func NewDeploymentIntrospector(client Requester, namespace string) *DeploymentIntrospector {
	return &DeploymentIntrospector{client: client, namespace: namespace}
}

func deploymentPath(namespace, name string) string {
	return fmt.Sprintf("/apis/apps/v1/namespaces/%s/deployments/%s", url.PathEscape(namespace), url.PathEscape(name))
}

// Fetch returns the template of the deployment named after the function. A
// missing deployment is reported as a NotFound status error, any other
// failure as returned by the client.
func (d *DeploymentIntrospector) Fetch(ctx context.Context, functionName string) (*DeploymentTemplate, error) {
	resp, err := d.client.AuthenticatedRequest(ctx, http.MethodGet, deploymentPath(d.namespace, functionName), nil)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, apierrors.NewNotFound(deploymentResource, functionName)
		}
		return nil, err
	}

	deployment := appsv1.Deployment{}
	if err := json.Unmarshal(resp.Body, &deployment); err != nil {
		return nil, fmt.Errorf("decoding deployment %s/%s: %w", d.namespace, functionName, err)
	}

	podSpec := deployment.Spec.Template.Spec
	if len(podSpec.Containers) == 0 {
		return nil, fmt.Errorf("deployment %s/%s has no containers", d.namespace, functionName)
	}

	return &DeploymentTemplate{
		FunctionName:     functionName,
		Namespace:        d.namespace,
		Container:        podSpec.Containers[0],
		Volumes:          podSpec.Volumes,
		ImagePullSecrets: podSpec.ImagePullSecrets,
	}, nil
}

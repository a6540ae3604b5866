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

	batchv1 "k8s.io/api/batch/v1"
	klog "k8s.io/klog/v2"
)

// JobSubmitter hands job manifests to the orchestrator.
type JobSubmitter struct {
	client Requester
}

func NewJobSubmitter(client Requester) *JobSubmitter {
	return &JobSubmitter{client: client}
}

func jobsPath(namespace string) string {
	return fmt.Sprintf("/apis/batch/v1/namespaces/%s/jobs", url.PathEscape(namespace))
}

// Submit creates the job in its own namespace and returns the object the API
// server stored.
func (s *JobSubmitter) Submit(ctx context.Context, job *batchv1.Job) (*batchv1.Job, error) {
	resp, err := s.client.AuthenticatedRequest(ctx, http.MethodPost, jobsPath(job.Namespace), job)
	if err != nil {
		return nil, err
	}

	created := &batchv1.Job{}
	if err := json.Unmarshal(resp.Body, created); err != nil {
		// the job exists at this point, only the echo is unreadable
		klog.Warningf("Job %s/%s created but response could not be decoded: %v", job.Namespace, job.Name, err)
		return job, nil
	}
	return created, nil
}

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

package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/KontonGu/faas-job-worker/pkg/event"
	"github.com/KontonGu/faas-job-worker/pkg/k8s"
	"github.com/KontonGu/faas-job-worker/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	functionNamespace = "openfaas-fn"
	jobNamespace      = "oscar-fn"
	scenarioPayload   = `{"Function":"echo","Body":"aGVsbG8="}`
)

// fakeAPIServer serves the three calls the worker makes. Only the echo
// deployment exists.
type fakeAPIServer struct {
	kubeletVersion string
	createStatus   int

	mu   sync.Mutex
	jobs []batchv1.Job
}

func (f *fakeAPIServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/nodes":
		fmt.Fprintf(w, `{"items":[{"status":{"nodeInfo":{"kubeletVersion":%q}}}]}`, f.kubeletVersion)

	case r.Method == http.MethodGet && r.URL.Path == "/apis/apps/v1/namespaces/"+functionNamespace+"/deployments/echo":
		d := appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{Name: "echo", Namespace: functionNamespace},
			Spec: appsv1.DeploymentSpec{
				Template: corev1.PodTemplateSpec{
					Spec: corev1.PodSpec{
						Containers: []corev1.Container{{Name: "echo", Image: "echo:latest"}},
					},
				},
			},
		}
		_ = json.NewEncoder(w).Encode(d)

	case r.Method == http.MethodPost && r.URL.Path == "/apis/batch/v1/namespaces/"+jobNamespace+"/jobs":
		data, _ := io.ReadAll(r.Body)
		job := batchv1.Job{}
		if err := json.Unmarshal(data, &job); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if f.createStatus != 0 {
			w.WriteHeader(f.createStatus)
			return
		}
		f.mu.Lock()
		f.jobs = append(f.jobs, job)
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(data)

	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"kind":"Status","reason":"NotFound"}`))
	}
}

func (f *fakeAPIServer) posted() []batchv1.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]batchv1.Job(nil), f.jobs...)
}

func newTestController(t *testing.T, api *fakeAPIServer, dedupe time.Duration) (*Controller, *metrics.Metrics) {
	t.Helper()
	ts := httptest.NewTLSServer(api)
	t.Cleanup(ts.Close)

	host, port, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)

	// no CA file, the client falls back to unverified TLS
	client, err := k8s.NewClient(k8s.ClientConfig{Host: host, Port: port, Token: "token"})
	require.NoError(t, err)

	m := metrics.New()
	ctr := NewController(
		k8s.NewDeploymentIntrospector(client, functionNamespace),
		k8s.NewJobSubmitter(client),
		NewSynthesizer(JobPolicy{Namespace: jobNamespace, TTLSecondsAfterFinished: 60, BackoffLimit: 6}, client),
		dedupe,
		m,
	)
	return ctr, m
}

func TestLaunch_ScenarioA(t *testing.T) {
	tests := []struct {
		kubelet string
		wantTTL bool
	}{
		{kubelet: "v1.29.4", wantTTL: true},
		{kubelet: "v1.11.0", wantTTL: false},
		{kubelet: "garbage", wantTTL: false},
	}

	for _, tc := range tests {
		t.Run(tc.kubelet, func(t *testing.T) {
			api := &fakeAPIServer{kubeletVersion: tc.kubelet}
			ctr, m := newTestController(t, api, 0)

			created, err := ctr.Launch(context.Background(), []byte(scenarioPayload))
			require.NoError(t, err)

			jobs := api.posted()
			require.Len(t, jobs, 1)
			job := jobs[0]
			assert.Equal(t, job.Name, created.Name)

			c := job.Spec.Template.Spec.Containers[0]
			assert.Equal(t, "echo:latest", c.Image)
			assert.Equal(t, "256Mi", c.Resources.Requests.Memory().String())
			assert.Equal(t, "250m", c.Resources.Requests.Cpu().String())
			assert.Equal(t, "256Mi", c.Resources.Limits.Memory().String())
			assert.Equal(t, "250m", c.Resources.Limits.Cpu().String())

			assert.Equal(t, []corev1.EnvVar{
				{Name: event.EventVariable, Value: "hello"},
				{Name: "Http_Method", Value: http.MethodPost},
			}, c.Env)

			if tc.wantTTL {
				require.NotNil(t, job.Spec.TTLSecondsAfterFinished)
				assert.Equal(t, int32(60), *job.Spec.TTLSecondsAfterFinished)
			} else {
				assert.Nil(t, job.Spec.TTLSecondsAfterFinished)
			}

			assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsReceived))
			assert.Equal(t, float64(1), testutil.ToFloat64(m.JobsLaunched.WithLabelValues("echo")))
		})
	}
}

func TestLaunch_ScenarioB(t *testing.T) {
	api := &fakeAPIServer{kubeletVersion: "v1.29.4"}
	ctr, m := newTestController(t, api, 0)

	_, err := ctr.Launch(context.Background(), []byte(`{"Function":"missing","Body":"aGVsbG8="}`))
	require.Error(t, err)
	assert.True(t, apierrors.IsNotFound(err))
	assert.Empty(t, api.posted())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LaunchFailures.WithLabelValues(metrics.ReasonNotFound)))

	// the next event is still handled
	ctr.HandleMessage(context.Background(), []byte(scenarioPayload))
	assert.Len(t, api.posted(), 1)
}

func TestLaunch_DecodeFailure(t *testing.T) {
	api := &fakeAPIServer{kubeletVersion: "v1.29.4"}
	ctr, m := newTestController(t, api, 0)

	_, err := ctr.Launch(context.Background(), []byte(`not json`))
	require.Error(t, err)
	var decodeErr *event.DecodeError
	assert.True(t, errors.As(err, &decodeErr))
	assert.Empty(t, api.posted())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LaunchFailures.WithLabelValues(metrics.ReasonDecode)))
}

func TestLaunch_SubmitFailure(t *testing.T) {
	api := &fakeAPIServer{kubeletVersion: "v1.29.4", createStatus: http.StatusForbidden}
	ctr, m := newTestController(t, api, 0)

	_, err := ctr.Launch(context.Background(), []byte(scenarioPayload))
	require.Error(t, err)
	var apiErr *k8s.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LaunchFailures.WithLabelValues(metrics.ReasonSubmit)))
}

func TestLaunch_RedeliveredEventIsSkipped(t *testing.T) {
	api := &fakeAPIServer{kubeletVersion: "v1.29.4"}
	ctr, m := newTestController(t, api, time.Minute)

	payload := []byte(`{"Function":"echo","Body":"aGVsbG8=","Header":{"X-Call-Id":["6f1d2c3b-aaaa-bbbb-cccc-0123456789ab"]}}`)

	created, err := ctr.Launch(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, "echo-6f1d2c3b-aaaa-bbbb-cccc-0123456789ab", created.Name)

	_, err = ctr.Launch(context.Background(), payload)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateEvent))
	assert.Len(t, api.posted(), 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsDuplicate))
}

func TestLaunch_EventsWithoutIDAreNotDeduplicated(t *testing.T) {
	api := &fakeAPIServer{kubeletVersion: "v1.29.4"}
	ctr, _ := newTestController(t, api, time.Minute)

	for i := 0; i < 3; i++ {
		_, err := ctr.Launch(context.Background(), []byte(scenarioPayload))
		require.NoError(t, err)
	}
	assert.Len(t, api.posted(), 3)
}

func TestLaunch_AlreadyExistsIsDuplicate(t *testing.T) {
	api := &fakeAPIServer{kubeletVersion: "v1.29.4", createStatus: http.StatusConflict}
	ctr, m := newTestController(t, api, 0)

	_, err := ctr.Launch(context.Background(), []byte(scenarioPayload))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateEvent))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.LaunchFailures.WithLabelValues(metrics.ReasonSubmit)))
}

func TestLaunch_HTTPEnvAppended(t *testing.T) {
	api := &fakeAPIServer{kubeletVersion: "v1.29.4"}
	ctr, _ := newTestController(t, api, 0)

	payload := []byte(`{"Function":"echo","Body":"aGk=","Method":"PUT","Path":"/function/echo","QueryString":"a=1","Header":{"Content-Type":["text/plain"]}}`)
	_, err := ctr.Launch(context.Background(), payload)
	require.NoError(t, err)

	env := api.posted()[0].Spec.Template.Spec.Containers[0].Env
	assert.Equal(t, []corev1.EnvVar{
		{Name: event.EventVariable, Value: "hi"},
		{Name: "Http_Method", Value: "PUT"},
		{Name: "Http_Path", Value: "/function/echo"},
		{Name: "Http_Query", Value: "a=1"},
		{Name: "Http_Content_Type", Value: "text/plain"},
	}, env)
}

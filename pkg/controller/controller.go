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
	"errors"
	"fmt"
	"time"

	"github.com/KontonGu/faas-job-worker/pkg/event"
	"github.com/KontonGu/faas-job-worker/pkg/k8s"
	"github.com/KontonGu/faas-job-worker/pkg/metrics"
	gcache "github.com/patrickmn/go-cache"
	batchv1 "k8s.io/api/batch/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	klog "k8s.io/klog/v2"
)

// ErrDuplicateEvent is returned when an event's job was already created.
var ErrDuplicateEvent = errors.New("event already launched")

// DeploymentFetcher reads the template of a function deployment.
type DeploymentFetcher interface {
	Fetch(ctx context.Context, functionName string) (*k8s.DeploymentTemplate, error)
}

// JobCreator submits a job manifest.
type JobCreator interface {
	Submit(ctx context.Context, job *batchv1.Job) (*batchv1.Job, error)
}

// Controller runs the launch pipeline for bus messages: decode the event,
// read the function deployment, build the job and submit it.
type Controller struct {
	introspector DeploymentFetcher
	submitter    JobCreator
	synthesizer  *Synthesizer
	metrics      *metrics.Metrics

	// recently launched event ids, nil when redelivery dedupe is off
	recent *gcache.Cache
}

// NewController returns a launch pipeline. A zero dedupeWindow disables
// skipping of redelivered events.
func NewController(
	introspector DeploymentFetcher,
	submitter JobCreator,
	synthesizer *Synthesizer,
	dedupeWindow time.Duration,
	m *metrics.Metrics) *Controller {

	ctr := &Controller{
		introspector: introspector,
		submitter:    submitter,
		synthesizer:  synthesizer,
		metrics:      m,
	}
	if dedupeWindow > 0 {
		ctr.recent = gcache.New(dedupeWindow, 2*dedupeWindow)
	}
	return ctr
}

// HandleMessage is the bus message handler. Every outcome is logged and
// nothing is returned, a failed event is dropped.
func (ctr *Controller) HandleMessage(ctx context.Context, payload []byte) {
	job, err := ctr.Launch(ctx, payload)
	switch {
	case errors.Is(err, ErrDuplicateEvent):
		klog.Infof("Skipping redelivered event: %v", err)
	case err != nil:
		klog.Errorf("Error launching job: %v", err)
	default:
		klog.Infof("Job %s/%s created for function %s", job.Namespace, job.Name, job.Labels[LabelFunction])
	}
}

// Launch creates the job for one raw bus payload.
func (ctr *Controller) Launch(ctx context.Context, payload []byte) (*batchv1.Job, error) {
	started := time.Now()
	if ctr.metrics != nil {
		ctr.metrics.EventsReceived.Inc()
	}

	evt, err := event.Decode(payload)
	if err != nil {
		ctr.observe("", metrics.ReasonDecode, started)
		return nil, err
	}
	klog.Infof("Received event for function %s (id %q)", evt.Function, evt.ID)

	dedupeKey := evt.Function + "/" + evt.ID
	if ctr.seen(evt, dedupeKey) {
		ctr.duplicate()
		return nil, fmt.Errorf("%w: function %s, id %s", ErrDuplicateEvent, evt.Function, evt.ID)
	}

	tmpl, err := ctr.introspector.Fetch(ctx, evt.Function)
	if err != nil {
		if apierrors.IsNotFound(err) {
			ctr.observe(evt.Function, metrics.ReasonNotFound, started)
			return nil, fmt.Errorf("no deployment for function %s: %w", evt.Function, err)
		}
		ctr.observe(evt.Function, metrics.ReasonIntrospect, started)
		return nil, fmt.Errorf("reading deployment of function %s: %w", evt.Function, err)
	}

	job := ctr.synthesizer.Build(ctx, tmpl, evt, evt.ExtraEnv())
	klog.V(4).Infof("Submitting job %s/%s with %d env entries", job.Namespace, job.Name, len(job.Spec.Template.Spec.Containers[0].Env))

	created, err := ctr.submitter.Submit(ctx, job)
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			ctr.remember(evt, dedupeKey)
			ctr.duplicate()
			return nil, fmt.Errorf("%w: job %s/%s exists", ErrDuplicateEvent, job.Namespace, job.Name)
		}
		ctr.observe(evt.Function, metrics.ReasonSubmit, started)
		return nil, fmt.Errorf("submitting job %s/%s: %w", job.Namespace, job.Name, err)
	}

	ctr.remember(evt, dedupeKey)
	ctr.observe(evt.Function, "", started)
	return created, nil
}

func (ctr *Controller) seen(evt *event.FunctionEvent, key string) bool {
	if ctr.recent == nil || len(evt.ID) == 0 {
		return false
	}
	_, found := ctr.recent.Get(key)
	return found
}

func (ctr *Controller) remember(evt *event.FunctionEvent, key string) {
	if ctr.recent == nil || len(evt.ID) == 0 {
		return
	}
	ctr.recent.SetDefault(key, struct{}{})
}

func (ctr *Controller) observe(function, reason string, started time.Time) {
	if ctr.metrics != nil {
		ctr.metrics.ObserveLaunch(function, reason, started)
	}
}

func (ctr *Controller) duplicate() {
	if ctr.metrics != nil {
		ctr.metrics.EventsDuplicate.Inc()
	}
}

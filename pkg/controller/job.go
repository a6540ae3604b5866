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
	"strings"

	"github.com/KontonGu/faas-job-worker/pkg/event"
	"github.com/KontonGu/faas-job-worker/pkg/k8s"
	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation"
)

const (
	// LabelFunction marks jobs and their pods with the function they run.
	LabelFunction = "faas_function"
	// AnnotationEventID records the bus event a job was launched for.
	AnnotationEventID = "faas-worker/event-id"

	defaultMemory = "256Mi"
	defaultCPU    = "250m"

	// stdin of the function process is the event body, classic watchdog style
	jobEntrypoint = `printf "%s" "$EVENT" | $fprocess`

	// longest event id used verbatim as job name suffix, the length of a UUID
	maxEventSuffix = 36
)

// CapabilityProbe answers version-gated feature questions about the cluster.
type CapabilityProbe interface {
	SupportsTTLAfterFinished(ctx context.Context) bool
}

// JobPolicy holds the settings every synthesized job shares.
type JobPolicy struct {
	Namespace               string
	TTLSecondsAfterFinished int32
	BackoffLimit            int32
}

// Synthesizer turns a deployment template and an event into a Job.
type Synthesizer struct {
	policy JobPolicy
	probe  CapabilityProbe
	newID  func() string
}

func NewSynthesizer(policy JobPolicy, probe CapabilityProbe) *Synthesizer {
	return &Synthesizer{
		policy: policy,
		probe:  probe,
		newID:  uuid.NewString,
	}
}

// Build creates the job manifest for one invocation. The container env is the
// template env, then the event variable, then extraEnv, in that order and
// without removing duplicate keys.
func (s *Synthesizer) Build(ctx context.Context, tmpl *k8s.DeploymentTemplate, evt *event.FunctionEvent, extraEnv []corev1.EnvVar) *batchv1.Job {
	name := jobName(tmpl.FunctionName, s.nameSuffix(evt.ID))
	labels := makeLabels(tmpl.FunctionName)

	annotations := map[string]string{}
	if len(evt.ID) > 0 {
		annotations[AnnotationEventID] = evt.ID
	}

	src := tmpl.Container
	containerName := src.Name
	if len(containerName) == 0 {
		containerName = tmpl.FunctionName
	}

	container := corev1.Container{
		Name:            containerName,
		Image:           src.Image,
		Command:         []string{"/bin/sh"},
		Args:            []string{"-c", jobEntrypoint},
		WorkingDir:      src.WorkingDir,
		Env:             mergeEnv(src.Env, evt.Body, extraEnv),
		EnvFrom:         copyEnvFrom(src.EnvFrom),
		Resources:       jobResources(src.Resources),
		VolumeMounts:    copyVolumeMounts(src.VolumeMounts),
		ImagePullPolicy: src.ImagePullPolicy,
		SecurityContext: src.SecurityContext.DeepCopy(),
	}

	job := &batchv1.Job{
		TypeMeta: metav1.TypeMeta{
			APIVersion: "batch/v1",
			Kind:       "Job",
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   s.policy.Namespace,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: int32p(s.policy.BackoffLimit),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: makeLabels(tmpl.FunctionName),
				},
				Spec: corev1.PodSpec{
					Containers:       []corev1.Container{container},
					RestartPolicy:    corev1.RestartPolicyOnFailure,
					Volumes:          copyVolumes(tmpl.Volumes),
					ImagePullSecrets: copyPullSecrets(tmpl.ImagePullSecrets),
				},
			},
		},
	}

	if s.probe != nil && s.probe.SupportsTTLAfterFinished(ctx) {
		job.Spec.TTLSecondsAfterFinished = int32p(s.policy.TTLSecondsAfterFinished)
	}
	return job
}

// nameSuffix prefers the event id so a redelivered event maps onto the same
// job name. Ids that are not usable in a name fall back to a fresh UUID.
func (s *Synthesizer) nameSuffix(eventID string) string {
	if len(eventID) > 0 && len(eventID) <= maxEventSuffix && len(validation.IsDNS1123Label(eventID)) == 0 {
		return eventID
	}
	return s.newID()
}

// jobName joins function name and suffix, cutting the function name so the
// result stays a valid label.
func jobName(function, suffix string) string {
	maxPrefix := validation.DNS1123LabelMaxLength - len(suffix) - 1
	prefix := function
	if len(prefix) > maxPrefix {
		prefix = strings.TrimRight(prefix[:maxPrefix], "-")
	}
	return prefix + "-" + suffix
}

func makeLabels(function string) map[string]string {
	return map[string]string{
		LabelFunction: function,
	}
}

func mergeEnv(templateEnv []corev1.EnvVar, body []byte, extraEnv []corev1.EnvVar) []corev1.EnvVar {
	env := make([]corev1.EnvVar, 0, len(templateEnv)+1+len(extraEnv))
	for i := range templateEnv {
		env = append(env, *templateEnv[i].DeepCopy())
	}
	env = append(env, corev1.EnvVar{Name: event.EventVariable, Value: string(body)})
	for i := range extraEnv {
		env = append(env, *extraEnv[i].DeepCopy())
	}
	return env
}

// DefaultResources is what a job gets when its template declares nothing.
func DefaultResources() corev1.ResourceRequirements {
	return corev1.ResourceRequirements{
		Requests: corev1.ResourceList{
			corev1.ResourceMemory: resource.MustParse(defaultMemory),
			corev1.ResourceCPU:    resource.MustParse(defaultCPU),
		},
		Limits: corev1.ResourceList{
			corev1.ResourceMemory: resource.MustParse(defaultMemory),
			corev1.ResourceCPU:    resource.MustParse(defaultCPU),
		},
	}
}

func jobResources(declared corev1.ResourceRequirements) corev1.ResourceRequirements {
	if len(declared.Requests) == 0 && len(declared.Limits) == 0 {
		return DefaultResources()
	}
	return *declared.DeepCopy()
}

func copyEnvFrom(in []corev1.EnvFromSource) []corev1.EnvFromSource {
	if in == nil {
		return nil
	}
	out := make([]corev1.EnvFromSource, len(in))
	for i := range in {
		in[i].DeepCopyInto(&out[i])
	}
	return out
}

func copyVolumeMounts(in []corev1.VolumeMount) []corev1.VolumeMount {
	if in == nil {
		return nil
	}
	out := make([]corev1.VolumeMount, len(in))
	for i := range in {
		in[i].DeepCopyInto(&out[i])
	}
	return out
}

func copyVolumes(in []corev1.Volume) []corev1.Volume {
	if in == nil {
		return nil
	}
	out := make([]corev1.Volume, len(in))
	for i := range in {
		in[i].DeepCopyInto(&out[i])
	}
	return out
}

func copyPullSecrets(in []corev1.LocalObjectReference) []corev1.LocalObjectReference {
	if in == nil {
		return nil
	}
	out := make([]corev1.LocalObjectReference, len(in))
	copy(out, in)
	return out
}

func int32p(i int32) *int32 {
	return &i
}

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

package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/openfaas/faas-provider/types"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/validation"
)

const (
	// EventVariable is the env var carrying the invocation body into the job.
	EventVariable = "EVENT"

	// CallIDHeader is set by the OpenFaaS gateway on every async invocation.
	CallIDHeader = "X-Call-Id"

	httpEnvPrefix  = "Http_"
	defaultMethod  = http.MethodPost
	bucketInSuffix = "-in"
)

// FunctionEvent is a single decoded invocation.
type FunctionEvent struct {
	// ID is the upstream event id, empty when the producer supplied none.
	ID       string
	Function string
	Body     []byte

	Method      string
	Host        string
	Path        string
	QueryString string
	Header      http.Header
}

// DecodeError reports a malformed event payload.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed event: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed event: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// envelope holds the fields needed to tell the supported payload shapes apart.
type envelope struct {
	EventID  string          `json:"eventID"`
	Data     json.RawMessage `json:"data"`
	Function string          `json:"Function"`
}

type cloudEventData struct {
	Body json.RawMessage `json:"body"`
}

type storageNotification struct {
	Records []struct {
		S3 struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
		} `json:"s3"`
	} `json:"Records"`
}

// Decode parses a bus payload. Two shapes are accepted: the OpenFaaS async
// QueueRequest and a CloudEvent wrapping a storage bucket notification.
func Decode(payload []byte) (*FunctionEvent, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, &DecodeError{Reason: "empty payload"}
	}

	env := envelope{}
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, &DecodeError{Reason: "payload is not a JSON object", Err: err}
	}

	var evt *FunctionEvent
	var err error
	if len(env.EventID) > 0 && len(env.Data) > 0 {
		evt, err = decodeCloudEvent(env)
	} else {
		evt, err = decodeQueueRequest(payload)
	}
	if err != nil {
		return nil, err
	}

	if errs := validation.IsDNS1123Label(evt.Function); len(errs) > 0 {
		return nil, &DecodeError{Reason: fmt.Sprintf("invalid function name %q: %s", evt.Function, strings.Join(errs, "; "))}
	}
	return evt, nil
}

func decodeQueueRequest(payload []byte) (*FunctionEvent, error) {
	req := types.QueueRequest{}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &DecodeError{Reason: "invalid queue request", Err: err}
	}
	if len(req.Function) == 0 {
		return nil, &DecodeError{Reason: "no function name in queue request"}
	}

	return &FunctionEvent{
		ID:          req.Header.Get(CallIDHeader),
		Function:    req.Function,
		Body:        req.Body,
		Method:      req.Method,
		Host:        req.Host,
		Path:        req.Path,
		QueryString: req.QueryString,
		Header:      req.Header,
	}, nil
}

func decodeCloudEvent(env envelope) (*FunctionEvent, error) {
	data := cloudEventData{}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, &DecodeError{Reason: "invalid cloudevent data", Err: err}
	}
	if len(data.Body) == 0 {
		return nil, &DecodeError{Reason: "cloudevent has no data.body"}
	}

	notification := storageNotification{}
	if err := json.Unmarshal(data.Body, &notification); err != nil {
		return nil, &DecodeError{Reason: "invalid storage notification", Err: err}
	}
	if len(notification.Records) == 0 {
		return nil, &DecodeError{Reason: "storage notification has no records"}
	}

	// input buckets are named after the function with an "-in" suffix
	bucket := notification.Records[0].S3.Bucket.Name
	function := strings.TrimSuffix(bucket, bucketInSuffix)
	if len(function) == 0 || function == bucket {
		return nil, &DecodeError{Reason: fmt.Sprintf("bucket %q is not a function input bucket", bucket)}
	}

	return &FunctionEvent{
		ID:       env.EventID,
		Function: function,
		Body:     []byte(data.Body),
	}, nil
}

// ExtraEnv derives the HTTP variables exposed to the function, named the way
// the OpenFaaS watchdog names them. Order: method, host, path, query, then
// headers sorted by key.
func (e *FunctionEvent) ExtraEnv() []corev1.EnvVar {
	method := e.Method
	if len(method) == 0 {
		method = defaultMethod
	}
	envs := []corev1.EnvVar{{Name: httpEnvPrefix + "Method", Value: method}}

	if len(e.Host) > 0 {
		envs = append(envs, corev1.EnvVar{Name: httpEnvPrefix + "Host", Value: e.Host})
	}
	if len(e.Path) > 0 {
		envs = append(envs, corev1.EnvVar{Name: httpEnvPrefix + "Path", Value: e.Path})
	}
	if len(e.QueryString) > 0 {
		envs = append(envs, corev1.EnvVar{Name: httpEnvPrefix + "Query", Value: e.QueryString})
	}

	keys := make([]string, 0, len(e.Header))
	for k := range e.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		envs = append(envs, corev1.EnvVar{
			Name:  HeaderEnvName(k),
			Value: strings.Join(e.Header[k], ","),
		})
	}
	return envs
}

// HeaderEnvName maps an HTTP header key to its env var name.
func HeaderEnvName(key string) string {
	return httpEnvPrefix + strings.ReplaceAll(key, "-", "_")
}

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
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
)

func TestDecode_QueueRequest(t *testing.T) {
	payload := []byte(`{"Function":"echo","Body":"aGVsbG8="}`)

	evt, err := Decode(payload)
	require.NoError(t, err)

	assert.Equal(t, "echo", evt.Function)
	assert.Equal(t, "hello", string(evt.Body))
	assert.Empty(t, evt.ID)
}

func TestDecode_QueueRequestWithHTTPFields(t *testing.T) {
	payload := []byte(`{
		"Function": "resize",
		"Body": "aW1hZ2U=",
		"Method": "PUT",
		"Host": "gateway:8080",
		"Path": "/async-function/resize",
		"QueryString": "w=100",
		"Header": {"X-Call-Id": ["5e1c4a9b-7bd4-4f53-9b0e-0d3c2a1f9e11"], "Content-Type": ["image/png"]}
	}`)

	evt, err := Decode(payload)
	require.NoError(t, err)

	assert.Equal(t, "resize", evt.Function)
	assert.Equal(t, "image", string(evt.Body))
	assert.Equal(t, "5e1c4a9b-7bd4-4f53-9b0e-0d3c2a1f9e11", evt.ID)
	assert.Equal(t, "PUT", evt.Method)
	assert.Equal(t, "gateway:8080", evt.Host)
	assert.Equal(t, "/async-function/resize", evt.Path)
	assert.Equal(t, "w=100", evt.QueryString)
}

func TestDecode_CloudEvent(t *testing.T) {
	payload := []byte(`{
		"eventID": "abc123",
		"data": {"body": {"Records": [{"s3": {"bucket": {"name": "imagemagick-in"}}}]}}
	}`)

	evt, err := Decode(payload)
	require.NoError(t, err)

	assert.Equal(t, "imagemagick", evt.Function)
	assert.Equal(t, "abc123", evt.ID)
	assert.JSONEq(t, `{"Records": [{"s3": {"bucket": {"name": "imagemagick-in"}}}]}`, string(evt.Body))
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"empty", ""},
		{"not json", "hello"},
		{"json array", `["echo"]`},
		{"missing function", `{"Body":"aGVsbG8="}`},
		{"body not base64", `{"Function":"echo","Body":"%%%"}`},
		{"invalid function name", `{"Function":"../../secrets"}`},
		{"upper case function name", `{"Function":"Echo"}`},
		{"cloudevent without body", `{"eventID":"1","data":{}}`},
		{"cloudevent without records", `{"eventID":"1","data":{"body":{"Records":[]}}}`},
		{"cloudevent bucket without suffix", `{"eventID":"1","data":{"body":{"Records":[{"s3":{"bucket":{"name":"images"}}}]}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, err := Decode([]byte(tt.payload))
			assert.Nil(t, evt)

			var decodeErr *DecodeError
			assert.True(t, errors.As(err, &decodeErr), "expected DecodeError, got %v", err)
		})
	}
}

func TestExtraEnv_DefaultsToPostMethod(t *testing.T) {
	evt := &FunctionEvent{Function: "echo"}

	assert.Equal(t, []corev1.EnvVar{{Name: "Http_Method", Value: "POST"}}, evt.ExtraEnv())
}

func TestExtraEnv_Order(t *testing.T) {
	evt := &FunctionEvent{
		Function:    "echo",
		Method:      "GET",
		Host:        "gateway:8080",
		Path:        "/async-function/echo",
		QueryString: "a=1",
		Header: http.Header{
			"X-Forwarded-For": {"10.0.0.1", "10.0.0.2"},
			"Content-Type":    {"text/plain"},
		},
	}

	want := []corev1.EnvVar{
		{Name: "Http_Method", Value: "GET"},
		{Name: "Http_Host", Value: "gateway:8080"},
		{Name: "Http_Path", Value: "/async-function/echo"},
		{Name: "Http_Query", Value: "a=1"},
		{Name: "Http_Content_Type", Value: "text/plain"},
		{Name: "Http_X_Forwarded_For", Value: "10.0.0.1,10.0.0.2"},
	}
	assert.Equal(t, want, evt.ExtraEnv())
}

func TestHeaderEnvName(t *testing.T) {
	assert.Equal(t, "Http_X_Call_Id", HeaderEnvName("X-Call-Id"))
	assert.Equal(t, "Http_Accept", HeaderEnvName("Accept"))
}

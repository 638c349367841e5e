// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package job

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// httpClient is the small outbound-HTTP surface the Coordinator,
// Worker, and Client use to talk to each other across nodes: scene/
// metadata push, frame upload, and video delivery are all multipart
// POSTs per spec.md §6.
type httpClient struct {
	client *http.Client
}

func newHTTPClient(timeout time.Duration) *httpClient {
	return &httpClient{client: &http.Client{Timeout: timeout}}
}

type multipartField struct {
	name string
	data []byte
}

type multipartFile struct {
	field    string
	filename string
	data     []byte
}

func (h *httpClient) postMultipart(ctx context.Context, url string, fields []multipartField, files []multipartFile) (*http.Response, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, f := range fields {
		if err := w.WriteField(f.name, string(f.data)); err != nil {
			return nil, fmt.Errorf("job: build multipart field %s: %w", f.name, err)
		}
	}
	for _, f := range files {
		part, err := w.CreateFormFile(f.field, f.filename)
		if err != nil {
			return nil, fmt.Errorf("job: build multipart file %s: %w", f.field, err)
		}
		if _, err := part.Write(f.data); err != nil {
			return nil, fmt.Errorf("job: write multipart file %s: %w", f.field, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("job: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, fmt.Errorf("job: build request %s: %w", url, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("job: post %s: %w", url, err)
	}
	return resp, nil
}

func metadataField(name string, v any) multipartField {
	data, _ := json.Marshal(v)
	return multipartField{name: name, data: data}
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// decodeJobID extracts "job_id" from a {"job_id": "..."} JSON response
// body, closing the body once read.
func decodeJobID(resp *http.Response) (string, error) {
	defer drainAndClose(resp)
	var body struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("job: decode job_id from response: %w", err)
	}
	if body.JobID == "" {
		return "", fmt.Errorf("job: response missing job_id")
	}
	return body.JobID, nil
}

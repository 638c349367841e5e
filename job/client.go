// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/renderfarm/membership"
	"github.com/luxfi/renderfarm/rflog"
)

// Client is the job-submitting role of spec.md §4.8: it posts a new
// job to the current leader, tracks the jobs it initiated locally, and
// drops them from that list if the leader is lost mid-flight.
// Resubmission after a leader change is left to the caller (spec.md §4.8 Non-goals).
type Client struct {
	table *membership.Table
	http  *httpClient
	port  int

	mu   sync.Mutex
	jobs map[string]string // job_id -> last known leader ip

	logger log.Logger
}

// NewClient constructs a Client.
func NewClient(table *membership.Table, httpPort int, httpTimeout time.Duration, logger log.Logger) *Client {
	if logger == nil {
		logger = rflog.NewNoOp()
	}
	return &Client{
		table:  table,
		http:   newHTTPClient(httpTimeout),
		port:   httpPort,
		jobs:   make(map[string]string),
		logger: logger,
	}
}

// currentLeader resolves the current leader's IP from the membership
// table, returning ErrNoLeader if none is known.
func (c *Client) currentLeader() (string, error) {
	for _, e := range c.table.Snapshot() {
		if e.Role == membership.RoleLeader {
			return e.IP, nil
		}
	}
	return "", ErrNoLeader
}

// Submit posts filename/sceneData/meta to the current leader's
// /jobs/create endpoint, per spec.md §6. Fails fast with ErrNoLeader
// if no leader is currently known (spec.md §4.8).
func (c *Client) Submit(ctx context.Context, filename string, sceneData []byte, meta Metadata) (string, error) {
	leader, err := c.currentLeader()
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("http://%s:%d/jobs/create", leader, c.port)
	resp, err := c.http.postMultipart(ctx, url,
		[]multipartField{
			metadataField("metadata", meta),
		},
		[]multipartFile{{field: "blend_file", filename: filename, data: sceneData}},
	)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 300 {
		drainAndClose(resp)
		return "", fmt.Errorf("job: leader rejected submission: status %d", resp.StatusCode)
	}

	jobID, err := decodeJobID(resp)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.jobs[jobID] = leader
	c.mu.Unlock()
	return jobID, nil
}

// LeaderLost forgets every job this client submitted through the given
// leader ip and returns their job_ids. The client keeps no other local
// record of those jobs, so no job status is set to canceled.
func (c *Client) LeaderLost(ip string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var canceled []string
	for jobID, leader := range c.jobs {
		if leader == ip {
			canceled = append(canceled, jobID)
			delete(c.jobs, jobID)
		}
	}
	return canceled
}

// Jobs returns the job_ids this client currently believes are in flight.
func (c *Client) Jobs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.jobs))
	for id := range c.jobs {
		out = append(out, id)
	}
	return out
}

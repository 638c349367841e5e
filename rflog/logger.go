// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package rflog adapts github.com/luxfi/log for the renderfarm node: a
// single constructor for named component loggers, and a no-op logger
// for tests.
package rflog

import (
	"github.com/luxfi/log"
)

// New returns a logger scoped to the given component name, e.g.
// "discovery", "election", "job-coordinator".
func New(component string) log.Logger {
	return log.NewLogger(component)
}

// NewNoOp returns a logger that discards everything, for use in tests
// where output would otherwise be noise.
func NewNoOp() log.Logger {
	return log.NewNoOpLogger()
}

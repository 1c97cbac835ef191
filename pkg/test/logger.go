// SPDX-License-Identifier: AGPL-3.0-only

// Package test holds helpers shared by the package tests.
package test

import (
	"bytes"
	"testing"

	"github.com/go-kit/log"
)

// testWriter forwards each logfmt line to the test log, so output only shows
// for failing or verbose tests.
type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}

// NewTestingLogger returns a logfmt logger writing through t.Log. Components
// add their own "component" key.
func NewTestingLogger(t testing.TB) log.Logger {
	return log.NewLogfmtLogger(log.NewSyncWriter(testWriter{t: t}))
}

// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-udsstack contributors.

package diaglog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingProvider struct {
	criticals, errors, warns, debugs []string
}

func (r *recordingProvider) Critical(format string, v ...interface{}) {
	r.criticals = append(r.criticals, format)
}
func (r *recordingProvider) Error(format string, v ...interface{}) {
	r.errors = append(r.errors, format)
}
func (r *recordingProvider) Warn(format string, v ...interface{}) {
	r.warns = append(r.warns, format)
}
func (r *recordingProvider) Debug(format string, v ...interface{}) {
	r.debugs = append(r.debugs, format)
}

func TestLogDefaultLevelOffSuppressesEverything(t *testing.T) {
	l := NewLog("test")
	rec := &recordingProvider{}
	l.SetProvider(rec)

	l.Critical("c")
	l.Error("e")
	l.Warn("w")
	l.Debug("d")

	assert.Empty(t, rec.criticals)
	assert.Empty(t, rec.errors)
	assert.Empty(t, rec.warns)
	assert.Empty(t, rec.debugs)
}

func TestLogLevelGatesBySeverity(t *testing.T) {
	l := NewLog("test")
	rec := &recordingProvider{}
	l.SetProvider(rec)
	l.SetLevel(LevelWarn)

	l.Critical("c")
	l.Error("e")
	l.Warn("w")
	l.Debug("d") // more verbose than Warn, suppressed

	assert.Len(t, rec.criticals, 1)
	assert.Len(t, rec.errors, 1)
	assert.Len(t, rec.warns, 1)
	assert.Empty(t, rec.debugs)
}

func TestLogSetProviderIgnoresNil(t *testing.T) {
	l := NewLog("test")
	rec := &recordingProvider{}
	l.SetProvider(rec)
	l.SetProvider(nil)
	l.SetLevel(LevelDebug)

	l.Debug("still routed to rec")
	assert.Len(t, rec.debugs, 1)
}

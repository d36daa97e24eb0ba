// Package testutils holds shared mock implementations of the effector
// and telemetry interfaces for package tests.
package testutils

import (
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/perfhint/sessiond/internal/arbiter"
)

// MockClamper is a mock effector.ThreadClamper that additionally records
// the last envelope applied per thread.
type MockClamper struct {
	mock.Mock

	mu   sync.Mutex
	last map[int]arbiter.Envelope
}

func (m *MockClamper) ApplyEnvelope(tid int, env arbiter.Envelope) error {
	m.mu.Lock()
	if m.last == nil {
		m.last = map[int]arbiter.Envelope{}
	}
	m.last[tid] = env
	m.mu.Unlock()
	return m.Called(tid, env).Error(0)
}

func (m *MockClamper) InitThread(tid int) error {
	return m.Called(tid).Error(0)
}

func (m *MockClamper) ReleaseThread(tid int) error {
	return m.Called(tid).Error(0)
}

// LastEnvelope returns the most recent envelope applied to tid.
func (m *MockClamper) LastEnvelope(tid int) (arbiter.Envelope, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.last[tid]
	return env, ok
}

// MockCapacityWriter is a mock effector.CapacityWriter.
type MockCapacityWriter struct {
	mock.Mock
}

func (m *MockCapacityWriter) ApplyCapacity(capacity int64) error {
	return m.Called(capacity).Error(0)
}

// MockBoostToggle is a mock effector.BoostToggle tracking the last value
// set.
type MockBoostToggle struct {
	mock.Mock

	mu      sync.Mutex
	enabled bool
	set     bool
}

func (m *MockBoostToggle) SetGlobalBoost(enabled bool) error {
	m.mu.Lock()
	m.enabled = enabled
	m.set = true
	m.mu.Unlock()
	return m.Called(enabled).Error(0)
}

// LastBoost returns the last boost value set, false when never called.
func (m *MockBoostToggle) LastBoost() (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled, m.set
}

// MockSink is a mock telemetry.Sink.
type MockSink struct {
	mock.Mock
}

func (m *MockSink) ReportEnvelope(tid int, env arbiter.Envelope) {
	m.Called(tid, env)
}

func (m *MockSink) ReportCapacity(capacity int64) {
	m.Called(capacity)
}

func (m *MockSink) ReportControl(session string, pTerm, iTerm, dTerm, output int64) {
	m.Called(session, pTerm, iTerm, dTerm, output)
}

func (m *MockSink) ReportBoost(enabled bool) {
	m.Called(enabled)
}

package network

import (
	"net/http"

	"go.uber.org/atomic"
)

// MockHttp is a func-field Http used by tests that don't need gomock expectations.
type MockHttp struct {
	GetFunc func(req *http.Request) ([]byte, error)

	calls atomic.Int32
}

func (m *MockHttp) Get(req *http.Request) ([]byte, error) {
	m.calls.Inc()
	if m.GetFunc != nil {
		return m.GetFunc(req)
	}

	return nil, nil
}

// Calls returns how many times Get was invoked.
func (m *MockHttp) Calls() int {
	return int(m.calls.Load())
}

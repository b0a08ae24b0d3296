package gateway

import (
	"context"
	"sync"

	"github.com/smallbiznis/recoup/internal/gateway/domain"
)

// MockGateway is a scripted gateway for tests. Outcomes are consumed in order;
// when the script is exhausted the last outcome repeats.
type MockGateway struct {
	mu       sync.Mutex
	name     string
	script   []MockOutcome
	consumed int
	Requests []domain.ChargeRequest
}

type MockOutcome struct {
	Result *domain.ChargeResult
	Err    error
}

func NewMockGateway(name string, script ...MockOutcome) *MockGateway {
	return &MockGateway{name: name, script: script}
}

func (m *MockGateway) Provider() string { return m.name }

func (m *MockGateway) Charge(_ context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	if len(m.script) == 0 {
		return &domain.ChargeResult{Succeeded: true, TransactionRef: "mock-" + req.InvoiceID.String()}, nil
	}
	idx := m.consumed
	if idx >= len(m.script) {
		idx = len(m.script) - 1
	}
	m.consumed++
	outcome := m.script[idx]
	return outcome.Result, outcome.Err
}

// Calls reports how many charges were attempted.
func (m *MockGateway) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

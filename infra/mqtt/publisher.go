package mqtt

import (
	"fmt"
	"sync"
	"time"

	"github.com/kilianp07/feederdispatch/core/setpoint"
)

// MockPublisher records messages in memory. Buses listed in FailBuses
// fail to publish.
type MockPublisher struct {
	Setpoints  map[int]setpoint.Setpoint
	Orders     map[int]setpoint.Order
	FailBuses  map[int]bool
	AckResults map[string]bool
	mu         sync.Mutex
}

var _ setpoint.Publisher = (*MockPublisher)(nil)

// NewMockPublisher creates a new MockPublisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		Setpoints:  make(map[int]setpoint.Setpoint),
		Orders:     make(map[int]setpoint.Order),
		FailBuses:  make(map[int]bool),
		AckResults: make(map[string]bool),
	}
}

// SendSetpoint records the set-point.
func (m *MockPublisher) SendSetpoint(s setpoint.Setpoint) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailBuses[s.Bus] {
		return "", fmt.Errorf("publish failed")
	}
	m.Setpoints[s.Bus] = s
	id := fmt.Sprintf("sp-%d", s.Bus)
	m.AckResults[id] = true
	return id, nil
}

// SendOrder records the order.
func (m *MockPublisher) SendOrder(o setpoint.Order) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailBuses[o.Bus] {
		return "", fmt.Errorf("publish failed")
	}
	m.Orders[o.Bus] = o
	id := fmt.Sprintf("dr-%d", o.Bus)
	m.AckResults[id] = true
	return id, nil
}

// WaitForAck simulates an immediate acknowledgment.
func (m *MockPublisher) WaitForAck(commandID string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	ok, exists := m.AckResults[commandID]
	m.mu.Unlock()
	if !exists {
		return false, fmt.Errorf("unknown command")
	}
	return ok, nil
}

package tokens

import (
	"context"
	"sync"
)

// InmemAccumulator provides an in-memory implementation of the token accumulator
type InmemAccumulator struct {
	mu    sync.Mutex
	data  map[string]*Summary
	total Summary
}

// NewInmem creates a new in-memory token accumulator
func NewInmem() *InmemAccumulator {
	return &InmemAccumulator{data: map[string]*Summary{}}
}

// Add records one call for a session
func (a *InmemAccumulator) Add(_ context.Context, sessionID string, u Usage) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.data[sessionID]
	if !ok {
		s = &Summary{SessionID: sessionID}
		a.data[sessionID] = s
	}
	s.Calls++
	s.Usage = s.Usage.Plus(u)
	a.total.Calls++
	a.total.Usage = a.total.Usage.Plus(u)
	return nil
}

func (a *InmemAccumulator) Summary(_ context.Context, sessionID string) (Summary, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.data[sessionID]; ok {
		return *s, nil
	}
	return Summary{SessionID: sessionID}, nil
}

func (a *InmemAccumulator) Total(_ context.Context) (Summary, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total, nil
}

// Cleanup clears stats for a session; the process total is kept
func (a *InmemAccumulator) Cleanup(_ context.Context, sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.data, sessionID)
	return nil
}

package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxEvents is the default maximum number of events to store.
const DefaultMaxEvents = 10000

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// MemoryAuditLogger keeps the most recent events in memory. Events are stored
// oldest first and returned newest first.
type MemoryAuditLogger struct {
	mu        sync.RWMutex
	events    []*AuditEvent
	maxEvents int
	now       func() time.Time
}

var _ AuditLogger = (*MemoryAuditLogger)(nil)

// MemoryAuditLoggerOption configures a MemoryAuditLogger.
type MemoryAuditLoggerOption func(*MemoryAuditLogger)

// WithMaxEvents sets the maximum number of events to store.
func WithMaxEvents(max int) MemoryAuditLoggerOption {
	return func(m *MemoryAuditLogger) {
		if max > 0 {
			m.maxEvents = max
		}
	}
}

func NewMemoryAuditLogger(opts ...MemoryAuditLoggerOption) *MemoryAuditLogger {
	m := &MemoryAuditLogger{
		maxEvents: DefaultMaxEvents,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Log stores a copy of event, assigning an ID and timestamp when unset.
func (m *MemoryAuditLogger) Log(_ context.Context, event *AuditEvent) error {
	if event == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now()
	}
	m.events = append(m.events, copyEvent(event))
	if over := len(m.events) - m.maxEvents; over > 0 {
		clear(m.events[:over])
		m.events = m.events[over:]
	}
	return nil
}

func (m *MemoryAuditLogger) List(_ context.Context, opts ListOptions) ([]*AuditEvent, int, error) {
	if opts.Limit <= 0 {
		opts.Limit = defaultListLimit
	}
	if opts.Limit > maxListLimit {
		opts.Limit = maxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*AuditEvent
	total := 0
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if !matchesFilters(e, opts) {
			continue
		}
		if total >= opts.Offset && len(out) < opts.Limit {
			out = append(out, copyEvent(e))
		}
		total++
	}
	return out, total, nil
}

func (m *MemoryAuditLogger) GetByResource(_ context.Context, resourceType, resourceID string) ([]*AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*AuditEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if e.ResourceType == resourceType && e.ResourceID == resourceID {
			out = append(out, copyEvent(e))
		}
	}
	return out, nil
}

func matchesFilters(e *AuditEvent, opts ListOptions) bool {
	switch {
	case opts.Actor != "" && e.Actor != opts.Actor:
		return false
	case opts.Action != "" && e.Action != opts.Action:
		return false
	case opts.ResourceType != "" && e.ResourceType != opts.ResourceType:
		return false
	case opts.OrganisationID != "" && e.OrganisationID != opts.OrganisationID:
		return false
	case opts.Since != nil && e.Timestamp.Before(*opts.Since):
		return false
	case opts.Until != nil && e.Timestamp.After(*opts.Until):
		return false
	}
	return true
}

func copyEvent(e *AuditEvent) *AuditEvent {
	cp := *e
	if e.Details != nil {
		cp.Details = make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			cp.Details[k] = v
		}
	}
	return &cp
}

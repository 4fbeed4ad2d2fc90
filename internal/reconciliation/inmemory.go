package reconciliation

import (
	"context"
	"sync"
)

// InMemoryReportStore keeps reports in memory for tests.
type InMemoryReportStore struct {
	mu      sync.RWMutex
	reports []Report
}

// NewInMemoryReportStore constructs an empty in-memory report store.
func NewInMemoryReportStore() *InMemoryReportStore {
	return &InMemoryReportStore{}
}

func (s *InMemoryReportStore) Save(_ context.Context, report Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, report)
	return nil
}

func (s *InMemoryReportStore) Reports(_ context.Context, q ReportQuery) ([]Report, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []Report
	for i := len(s.reports) - 1; i >= 0; i-- {
		r := s.reports[i]
		if q.OwnerID != "" && r.OwnerID != q.OwnerID {
			continue
		}
		if q.Currency != "" && r.Currency != q.Currency {
			continue
		}
		if q.Status != "" && r.Status != q.Status {
			continue
		}
		matched = append(matched, r)
	}
	total := len(matched)

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil, total, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}
	return matched, total, nil
}

func (s *InMemoryReportStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{TotalRuns: len(s.reports)}
	for _, r := range s.reports {
		switch r.Status {
		case StatusReconciled:
			stats.Reconciled++
		case StatusDiscrepancy:
			stats.Discrepancies++
		case StatusCritical:
			stats.Critical++
		}
		if stats.LastRunAt == nil || r.CompletedAt.After(*stats.LastRunAt) {
			completed := r.CompletedAt
			stats.LastRunAt = &completed
		}
	}
	return stats, nil
}

// InMemoryExternalSource serves payment records from memory for tests.
type InMemoryExternalSource struct {
	mu       sync.RWMutex
	payments []PaymentRecord
}

// NewInMemoryExternalSource constructs an empty in-memory payment source.
func NewInMemoryExternalSource() *InMemoryExternalSource {
	return &InMemoryExternalSource{}
}

// Add registers payment records.
func (s *InMemoryExternalSource) Add(records ...PaymentRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments = append(s.payments, records...)
}

func (s *InMemoryExternalSource) Payments(_ context.Context, ownerID, currency string) ([]PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []PaymentRecord
	for _, p := range s.payments {
		if p.OwnerID == ownerID && p.Currency == currency {
			out = append(out, p)
		}
	}
	return out, nil
}

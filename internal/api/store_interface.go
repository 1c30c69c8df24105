package api

import (
	"context"

	"github.com/soaringjerry/Cotation/internal/services"
)

// Store is the persistence backend behind the HTTP surface. Both the SQLite
// store and the in-memory store satisfy it.
type Store interface {
	services.GridStore
	services.CotationStore
	services.ObjectiveStore
	services.AnalyticsStore

	ListAudit(ctx context.Context, limit int) ([]services.AuditEntry, error)
}

var _ Store = (*MemoryStore)(nil)

package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/redbco/redb-modules/pkg/database"
)

// AuditEntry records one permitted cross-module access.
type AuditEntry struct {
	Source     uuid.UUID `json:"source_module"`
	Target     uuid.UUID `json:"target_module"`
	Table      string    `json:"table"`
	Operation  Operation `json:"operation"`
	AgencyID   uuid.UUID `json:"agency_id"`
	SiteID     uuid.UUID `json:"site_id"`
	UserID     uuid.UUID `json:"user_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

type AuditSink interface {
	Record(ctx context.Context, e AuditEntry) error
}

// MemoryAudit keeps audit entries in process.
type MemoryAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func NewMemoryAudit() *MemoryAudit {
	return &MemoryAudit{}
}

func (m *MemoryAudit) Record(ctx context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

// Entries returns a copy of the recorded entries.
func (m *MemoryAudit) Entries() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.entries...)
}

// PostgresAudit appends to modules.access_audit.
type PostgresAudit struct {
	db *database.PostgreSQL
}

func NewPostgresAudit(db *database.PostgreSQL) *PostgresAudit {
	return &PostgresAudit{db: db}
}

func nullUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}

// BuildAuditInsert renders the insert for e.
func BuildAuditInsert(e AuditEntry) (string, []any, error) {
	return sq.Insert("modules.access_audit").
		Columns("source_module", "target_module", "table_name", "operation", "agency_id", "site_id", "user_id", "occurred_at").
		Values(e.Source.String(), e.Target.String(), e.Table, string(e.Operation),
			nullUUID(e.AgencyID), nullUUID(e.SiteID), nullUUID(e.UserID), e.OccurredAt).
		PlaceholderFormat(sq.Dollar).
		ToSql()
}

func (p *PostgresAudit) Record(ctx context.Context, e AuditEntry) error {
	query, args, err := BuildAuditInsert(e)
	if err != nil {
		return fmt.Errorf("failed to build audit insert: %w", err)
	}
	if _, err := p.db.Pool().Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

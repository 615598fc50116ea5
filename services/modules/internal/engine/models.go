package engine

import (
	"github.com/google/uuid"
	"github.com/redbco/redb-modules/pkg/scoped"
	"github.com/redbco/redb-modules/pkg/tenancy"
	"github.com/redbco/redb-modules/services/modules/internal/reconcile"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Status  Status `json:"status"`
}

// PlanResponse is the dry-run output of POST /modules?plan=true.
type PlanResponse struct {
	ShortID       string   `json:"short_id"`
	Existing      bool     `json:"existing"`
	Noop          bool     `json:"noop"`
	NewTables     []string `json:"new_tables,omitempty"`
	RemovedTables []string `json:"removed_tables,omitempty"`
	SQL           []string `json:"sql"`
}

type OrphansResponse struct {
	Orphans []reconcile.OrphanRecord `json:"orphans"`
	Count   int                      `json:"count"`
}

type CleanupResponse struct {
	ShortID string                    `json:"short_id"`
	DryRun  bool                      `json:"dry_run"`
	Actions []reconcile.CleanupAction `json:"actions"`
}

// BrokerRequest names a cross-module table and the data for the operation.
type BrokerRequest struct {
	Source uuid.UUID    `json:"source_module"`
	Target uuid.UUID    `json:"target_module"`
	Table  string       `json:"table"`
	Where  scoped.Where `json:"where,omitempty"`
	Values scoped.Row   `json:"values,omitempty"`
}

type BrokerSelectResponse struct {
	Rows  []scoped.Row `json:"rows"`
	Count int          `json:"count"`
}

type BrokerInsertResponse struct {
	Row scoped.Row `json:"row"`
}

type ReloadResponse struct {
	Status          Status `json:"status"`
	ReservedNames   int    `json:"reserved_names"`
	ReservedVersion int    `json:"reserved_version"`
	Grants          int    `json:"grants"`
}

// WhoAmIResponse echoes the resolved tenant context.
type WhoAmIResponse struct {
	AgencyID string       `json:"agency_id"`
	SiteID   string       `json:"site_id,omitempty"`
	UserID   string       `json:"user_id"`
	Role     tenancy.Role `json:"role"`
	ModuleID string       `json:"module_id,omitempty"`
}

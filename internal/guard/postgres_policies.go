package guard

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_router/internal/cache"
)

// PolicyStore abstracts DB queries for testability.
type PolicyStore interface {
	LookupPolicy(ctx context.Context, projectID, toolName string) (*policyRow, error)
}

type policyRow struct {
	ID              string
	ProjectID       string
	ToolName        string
	Description     sql.NullString
	RiskTier        string
	RequiresConfirm bool
	Preconditions   string // JSONB as string
	ArgumentSchema  sql.NullString
	ArgumentPolicy  string
	ContextualRules string
	InformationFlow string
}

// sqlPolicyStore is the real implementation using *sql.DB.
type sqlPolicyStore struct {
	db *sql.DB
}

func (s *sqlPolicyStore) LookupPolicy(ctx context.Context, projectID, toolName string) (*policyRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, tool_name, description, risk_tier,
		       requires_confirmation, preconditions, argument_schema,
		       argument_policy, contextual_rules, information_flow
		FROM tool_policies
		WHERE project_id = $1 AND tool_name = $2
	`, projectID, toolName)

	var r policyRow
	if err := row.Scan(
		&r.ID, &r.ProjectID, &r.ToolName, &r.Description, &r.RiskTier,
		&r.RequiresConfirm, &r.Preconditions, &r.ArgumentSchema,
		&r.ArgumentPolicy, &r.ContextualRules, &r.InformationFlow,
	); err != nil {
		return nil, err
	}
	return &r, nil
}

// PostgresPolicies fetches policies from the tool_policies table, fronted
// by a stale-while-revalidate cache with negative entries.
type PostgresPolicies struct {
	store  PolicyStore
	cache  *cache.TTL[*Policy]
	logger *zap.Logger
}

// PostgresPoliciesConfig configures PostgresPolicies.
type PostgresPoliciesConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewPostgresPolicies creates a Postgres-backed PolicySource.
func NewPostgresPolicies(cfg PostgresPoliciesConfig) *PostgresPolicies {
	return newPostgresPoliciesWithStore(&sqlPolicyStore{db: cfg.DB}, cfg.CacheTTL, cfg.Logger)
}

// newPostgresPoliciesWithStore creates a source with a custom store (for testing).
func newPostgresPoliciesWithStore(store PolicyStore, cacheTTL time.Duration, logger *zap.Logger) *PostgresPolicies {
	if cacheTTL == 0 {
		cacheTTL = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresPolicies{
		store:  store,
		cache:  cache.New[*Policy](cacheTTL),
		logger: logger,
	}
}

func policyKey(projectID, toolName string) string {
	return projectID + ":" + toolName
}

func (r *PostgresPolicies) GetPolicy(ctx context.Context, projectID, toolName string) (*Policy, error) {
	key := policyKey(projectID, toolName)
	cached := r.cache.Get(key)
	if cached.Hit {
		if cached.NeedsRefresh {
			go r.refreshInBackground(projectID, toolName)
		}
		return cached.Value, nil
	}

	p, err := r.fetchFromDB(ctx, projectID, toolName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.cache.SetMissing(key)
			return nil, nil
		}
		return nil, fmt.Errorf("GetPolicy: %w", err)
	}

	r.cache.Set(key, p)
	return p, nil
}

func (r *PostgresPolicies) fetchFromDB(ctx context.Context, projectID, toolName string) (*Policy, error) {
	row, err := r.store.LookupPolicy(ctx, projectID, toolName)
	if err != nil {
		return nil, err
	}
	return parsePolicyRow(row)
}

func (r *PostgresPolicies) refreshInBackground(projectID, toolName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := policyKey(projectID, toolName)
	p, err := r.fetchFromDB(ctx, projectID, toolName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.cache.SetMissing(key)
			return
		}
		r.logger.Warn("background policy refresh failed",
			zap.String("project_id", projectID),
			zap.String("tool_name", toolName),
			zap.Error(err),
		)
		return
	}
	r.cache.Set(key, p)
}

// parsePolicyRow decodes the JSONB columns; "{}" and "[]" are treated as
// unset.
func parsePolicyRow(row *policyRow) (*Policy, error) {
	p := &Policy{
		ID:              row.ID,
		ProjectID:       row.ProjectID,
		ToolName:        row.ToolName,
		RiskTier:        row.RiskTier,
		RequiresConfirm: row.RequiresConfirm,
	}
	if row.Description.Valid {
		p.Description = row.Description.String
	}
	var argumentSchema string
	if row.ArgumentSchema.Valid {
		argumentSchema = row.ArgumentSchema.String
	}

	for _, col := range []struct {
		name   string
		raw    string
		target any
	}{
		{"preconditions", row.Preconditions, &p.Preconditions},
		{"argument_schema", argumentSchema, &p.ArgumentSchema},
		{"argument_policy", row.ArgumentPolicy, &p.ArgumentPolicy},
		{"contextual_rules", row.ContextualRules, &p.ContextualRules},
		{"information_flow", row.InformationFlow, &p.InformationFlow},
	} {
		if col.raw == "" || col.raw == "{}" || col.raw == "[]" {
			continue
		}
		if err := json.Unmarshal([]byte(col.raw), col.target); err != nil {
			return nil, fmt.Errorf("parsePolicyRow: %s: %w", col.name, err)
		}
	}
	return p, nil
}

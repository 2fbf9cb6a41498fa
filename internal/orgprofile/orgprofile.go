// Package orgprofile composes per-organization context for prompt assembly.
//
// A Profile describes the organization whose feedback is being queried.
// The Composer renders it into a short context block that grounds the
// model's answers; when no profile exists a generic block is used so a
// chat turn never fails on missing profile data.
package orgprofile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/feedbackloop/insight/internal/log"
)

// ErrNotFound indicates no profile exists for the organization.
var ErrNotFound = errors.New("org profile not found")

// Profile describes an organization.
type Profile struct {
	OrgID          string
	Name           string
	Industry       string
	ProductSummary string
	Attributes     map[string]string
	UpdatedAt      time.Time
}

// Provider loads organization profiles. The Composer is the consumer;
// *PGProvider and StaticProvider satisfy it.
type Provider interface {
	Profile(ctx context.Context, orgID string) (*Profile, error)
}

// PGProvider loads profiles from the org_profiles table.
type PGProvider struct {
	pool *pgxpool.Pool
}

// NewPGProvider creates a PostgreSQL-backed profile provider.
func NewPGProvider(pool *pgxpool.Pool) (*PGProvider, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PGProvider{pool: pool}, nil
}

// Profile returns the stored profile for orgID, or ErrNotFound.
func (p *PGProvider) Profile(ctx context.Context, orgID string) (*Profile, error) {
	var (
		profile  Profile
		attrJSON []byte
	)
	err := p.pool.QueryRow(ctx,
		`SELECT org_id, name, industry, product_summary, attributes, updated_at
		 FROM org_profiles WHERE org_id = $1`, orgID).
		Scan(&profile.OrgID, &profile.Name, &profile.Industry,
			&profile.ProductSummary, &attrJSON, &profile.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, orgID)
		}
		return nil, fmt.Errorf("loading org profile %q: %w", orgID, err)
	}

	if err := json.Unmarshal(attrJSON, &profile.Attributes); err != nil {
		return nil, fmt.Errorf("parsing profile attributes for %q: %w", orgID, err)
	}
	return &profile, nil
}

// Upsert stores or replaces the profile for its OrgID.
func (p *PGProvider) Upsert(ctx context.Context, profile Profile) error {
	if profile.OrgID == "" {
		return fmt.Errorf("org id must not be empty")
	}

	attrJSON, err := json.Marshal(profile.Attributes)
	if err != nil {
		return fmt.Errorf("marshaling profile attributes: %w", err)
	}
	if profile.Attributes == nil {
		attrJSON = []byte("{}")
	}

	_, err = p.pool.Exec(ctx,
		`INSERT INTO org_profiles (org_id, name, industry, product_summary, attributes)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (org_id) DO UPDATE SET
			name = EXCLUDED.name,
			industry = EXCLUDED.industry,
			product_summary = EXCLUDED.product_summary,
			attributes = EXCLUDED.attributes,
			updated_at = now()`,
		profile.OrgID, profile.Name, profile.Industry, profile.ProductSummary, attrJSON)
	if err != nil {
		return fmt.Errorf("upserting org profile %q: %w", profile.OrgID, err)
	}
	return nil
}

// StaticProvider serves profiles from a fixed map. Useful for tests and
// single-tenant deployments without a profiles table.
type StaticProvider map[string]Profile

// Profile returns the mapped profile for orgID, or ErrNotFound.
func (s StaticProvider) Profile(_ context.Context, orgID string) (*Profile, error) {
	p, ok := s[orgID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, orgID)
	}
	return &p, nil
}

// genericContext grounds answers when no profile is available.
const genericContext = "You are analyzing customer feedback for a product team. " +
	"Base your answers on the feedback excerpts provided."

// Composer renders organization profiles into prompt context.
type Composer struct {
	provider Provider
	logger   log.Logger
}

// NewComposer creates a Composer over provider.
func NewComposer(provider Provider, logger log.Logger) (*Composer, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Composer{provider: provider, logger: logger}, nil
}

// BuildContext returns the context block for orgID. The output is
// deterministic for a given profile. Lookup failures degrade to the
// generic block; BuildContext never fails a chat turn.
func (c *Composer) BuildContext(ctx context.Context, orgID string) string {
	profile, err := c.provider.Profile(ctx, orgID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.Warn("org profile lookup failed, using generic context",
				"org_id", orgID, "error", err)
		}
		return genericContext
	}
	return renderProfile(profile)
}

// renderProfile formats a profile into the context block. Attributes are
// emitted in sorted key order so the output is stable.
func renderProfile(p *Profile) string {
	var sb strings.Builder

	sb.WriteString("You are analyzing customer feedback for ")
	sb.WriteString(p.Name)
	if p.Industry != "" {
		sb.WriteString(", a company in the ")
		sb.WriteString(p.Industry)
		sb.WriteString(" industry")
	}
	sb.WriteString(".")

	if p.ProductSummary != "" {
		sb.WriteString("\nProduct: ")
		sb.WriteString(p.ProductSummary)
	}

	if len(p.Attributes) > 0 {
		keys := make([]string, 0, len(p.Attributes))
		for k := range p.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString("\nAdditional context:")
		for _, k := range keys {
			sb.WriteString("\n- ")
			sb.WriteString(k)
			sb.WriteString(": ")
			sb.WriteString(p.Attributes[k])
		}
	}

	sb.WriteString("\nBase your answers on the feedback excerpts provided.")
	return sb.String()
}

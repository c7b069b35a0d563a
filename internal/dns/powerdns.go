package dns

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB is the subset of pgxpool.Pool used here.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const defaultTTL = 300

// PowerDNS writes records straight into the PowerDNS generic SQL backend.
// The zone must already exist in the domains table.
type PowerDNS struct {
	logger zerolog.Logger
	db     DB
	zone   string
	ttl    int
}

// NewPowerDNS creates a collaborator for zone.
func NewPowerDNS(logger zerolog.Logger, db DB, zone string) *PowerDNS {
	return &PowerDNS{
		logger: logger.With().Str("component", "dns-powerdns").Logger(),
		db:     db,
		zone:   strings.ToLower(strings.Trim(zone, ".")),
		ttl:    defaultTTL,
	}
}

// NewPool opens and pings the PowerDNS database.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse powerdns db config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create powerdns db pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping powerdns db: %w", err)
	}
	return pool, nil
}

func (p *PowerDNS) recordName(subdomain string) string {
	return strings.ToLower(strings.Trim(subdomain, ".")) + "." + p.zone
}

func (p *PowerDNS) zoneID(ctx context.Context) (int, error) {
	var id int
	err := p.db.QueryRow(ctx, `SELECT id FROM domains WHERE name = $1`, p.zone).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("zone %s not found in powerdns", p.zone)
	}
	if err != nil {
		return 0, fmt.Errorf("get dns zone id: %w", err)
	}
	return id, nil
}

// CreateCNAME points subdomain.zone at target, replacing any earlier CNAME for the name.
func (p *PowerDNS) CreateCNAME(ctx context.Context, subdomain, target string) error {
	if target == "" {
		return errors.New("no CNAME target configured")
	}
	name := p.recordName(subdomain)
	content := strings.ToLower(strings.TrimSuffix(target, "."))

	domainID, err := p.zoneID(ctx)
	if err != nil {
		return err
	}

	// Replace in one transaction so a failed insert keeps the earlier record.
	err = pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM records WHERE domain_id = $1 AND name = $2 AND type = 'CNAME'`,
			domainID, name,
		); err != nil {
			return fmt.Errorf("clear existing CNAME %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO records (domain_id, name, type, content, ttl, prio, disabled, auth) VALUES ($1, $2, 'CNAME', $3, $4, 0, false, true)`,
			domainID, name, content, p.ttl,
		); err != nil {
			return fmt.Errorf("write CNAME %s: %w", name, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("powerdns: %w", err)
	}

	p.logger.Info().Str("name", name).Str("target", content).Msg("CNAME record written")
	return nil
}

// DeleteRecord removes the CNAME for subdomain. A missing record is not an error.
func (p *PowerDNS) DeleteRecord(ctx context.Context, subdomain string) error {
	name := p.recordName(subdomain)

	domainID, err := p.zoneID(ctx)
	if err != nil {
		return err
	}
	tag, err := p.db.Exec(ctx,
		`DELETE FROM records WHERE domain_id = $1 AND name = $2 AND type = 'CNAME'`,
		domainID, name,
	)
	if err != nil {
		return fmt.Errorf("delete CNAME %s: %w", name, err)
	}
	p.logger.Info().Str("name", name).Int64("deleted", tag.RowsAffected()).Msg("CNAME record removed")
	return nil
}

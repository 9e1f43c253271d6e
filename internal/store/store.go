// Package store persists the registry snapshot and audit records on a
// relational database via Bun. SQLite (modernc, CGO-free) is the default
// engine; anything Bun dialects cover would do.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"

	"github.com/ljhlovehui/rustdesk-server/internal/audit"
	"github.com/ljhlovehui/rustdesk-server/internal/natcheck"
	"github.com/ljhlovehui/rustdesk-server/internal/registry"
)

type Store struct {
	db *bun.DB
}

type deviceModel struct {
	bun.BaseModel `bun:"table:devices"`

	ID        string    `bun:"id,pk"`
	PK        []byte    `bun:"pk"`
	Addr      string    `bun:"addr"`
	Transport string    `bun:"transport"`
	NATType   string    `bun:"nat_type"`
	LastSeen  time.Time `bun:"last_seen"`
	LastTS    int64     `bun:"last_ts"`
	Owner     string    `bun:"owner"`
	Groups    string    `bun:"groups"`
}

type auditModel struct {
	bun.BaseModel `bun:"table:audit_logs"`

	ID         string    `bun:"id,pk"`
	Time       time.Time `bun:"time"`
	Device     string    `bun:"device"`
	PeerDevice string    `bun:"peer_device"`
	UserName   string    `bun:"user_name"`
	Action     string    `bun:"action"`
	Outcome    string    `bun:"outcome"`
	SourceAddr string    `bun:"source_addr"`
	Detail     string    `bun:"detail"`
	BytesUp    uint64    `bun:"bytes_up"`
	BytesDown  uint64    `bun:"bytes_down"`
}

// Open opens (creating if necessary) the snapshot database. A database that
// fails its integrity check is reported as an error; startup treats that as
// fatal rather than serving from a corrupt snapshot.
func Open(ctx context.Context, dsn string) (*Store, error) {
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	db := bun.NewDB(sqldb, sqlitedialect.New())

	var res string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check;").Scan(&res); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("snapshot integrity check: %w", err)
	}
	if res != "ok" {
		_ = db.Close()
		return nil, fmt.Errorf("snapshot db corrupt: integrity_check=%s", res)
	}

	for _, model := range []any{(*deviceModel)(nil), (*auditModel)(nil)} {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveDevices replaces the snapshot with the given devices in one
// transaction so a crash mid-save never leaves a half-written snapshot.
func (s *Store) SaveDevices(ctx context.Context, devices []registry.Device) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Bun requires a WHERE clause on deletes; raw truncate is intentional.
	if _, err := tx.ExecContext(ctx, "DELETE FROM devices"); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}

	if len(devices) > 0 {
		models := make([]deviceModel, 0, len(devices))
		for _, dev := range devices {
			models = append(models, deviceModel{
				ID:        dev.ID,
				PK:        dev.PK,
				Addr:      dev.Addr,
				Transport: dev.Transport,
				NATType:   string(dev.NATType),
				LastSeen:  dev.LastSeen,
				LastTS:    dev.LastTS,
				Owner:     dev.Owner,
				Groups:    strings.Join(dev.Groups, ","),
			})
		}
		if _, err := tx.NewInsert().Model(&models).Exec(ctx); err != nil {
			return fmt.Errorf("write snapshot: %w", err)
		}
	}
	return tx.Commit()
}

// LoadDevices reads the snapshot back for registry restore at startup.
func (s *Store) LoadDevices(ctx context.Context) ([]registry.Device, error) {
	var models []deviceModel
	if err := s.db.NewSelect().Model(&models).Scan(ctx); err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	devices := make([]registry.Device, 0, len(models))
	for _, m := range models {
		var groups []string
		if m.Groups != "" {
			groups = strings.Split(m.Groups, ",")
		}
		devices = append(devices, registry.Device{
			ID:        m.ID,
			PK:        m.PK,
			Addr:      m.Addr,
			Transport: m.Transport,
			NATType:   natcheck.NATType(m.NATType),
			LastSeen:  m.LastSeen,
			LastTS:    m.LastTS,
			Owner:     m.Owner,
			Groups:    groups,
		})
	}
	return devices, nil
}

// AppendAudit implements audit.Appender.
func (s *Store) AppendAudit(ctx context.Context, rec audit.Record) error {
	m := auditModel{
		ID:         rec.ID,
		Time:       rec.Time,
		Device:     rec.Device,
		PeerDevice: rec.PeerDevice,
		UserName:   rec.User,
		Action:     rec.Action,
		Outcome:    rec.Outcome,
		SourceAddr: rec.SourceAddr,
		Detail:     rec.Detail,
		BytesUp:    rec.BytesUp,
		BytesDown:  rec.BytesDown,
	}
	if _, err := s.db.NewInsert().Model(&m).Exec(ctx); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// AuditFilter narrows QueryAudit. Zero values mean "any".
type AuditFilter struct {
	Device  string
	Outcome string
	Since   time.Time
	Limit   int
}

func (s *Store) QueryAudit(ctx context.Context, f AuditFilter) ([]audit.Record, error) {
	q := s.db.NewSelect().Model((*auditModel)(nil)).Order("time DESC")
	if f.Device != "" {
		q = q.Where("device = ? OR peer_device = ?", f.Device, f.Device)
	}
	if f.Outcome != "" {
		q = q.Where("outcome = ?", f.Outcome)
	}
	if !f.Since.IsZero() {
		q = q.Where("time >= ?", f.Since)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q = q.Limit(limit)

	var models []auditModel
	if err := q.Scan(ctx, &models); err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}

	recs := make([]audit.Record, 0, len(models))
	for _, m := range models {
		recs = append(recs, audit.Record{
			ID:         m.ID,
			Time:       m.Time,
			Device:     m.Device,
			PeerDevice: m.PeerDevice,
			User:       m.UserName,
			Action:     m.Action,
			Outcome:    m.Outcome,
			SourceAddr: m.SourceAddr,
			Detail:     m.Detail,
			BytesUp:    m.BytesUp,
			BytesDown:  m.BytesDown,
		})
	}
	return recs, nil
}

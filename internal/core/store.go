package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the persistence layer for campaigns, recipients and contacts.
// All mutation goes through single-row conditional updates; the scheduler
// keeps no authoritative in-memory copy of anything here.
type Store struct{ DB *pgxpool.Pool }

var (
	ErrNotFound      = errors.New("not_found")
	ErrNotRecurring  = errors.New("campaign_not_recurring")
	ErrStaleCycle    = errors.New("cycle_already_advanced")
	ErrNoSMTPConfig  = errors.New("smtp_config_missing")
	ErrEmptyAudience = errors.New("empty_audience")
)

const campaignCols = `id, user_id, subject, body, from_name, from_address, reply_to,
	cc, bcc, status, send_type, scheduled_at, COALESCE(timezone, ''), recurring_rule,
	last_sent, cycle, footers, transport, smtp_config_id, created_at`

func scanCampaign(row pgx.Row) (Campaign, error) {
	var c Campaign
	var footers []byte
	err := row.Scan(&c.ID, &c.UserID, &c.Subject, &c.Body, &c.FromName, &c.FromAddress,
		&c.ReplyTo, &c.CC, &c.BCC, &c.Status, &c.SendType, &c.ScheduledAt, &c.Timezone,
		&c.RecurringRule, &c.LastSent, &c.Cycle, &footers, &c.Transport, &c.SMTPConfigID,
		&c.CreatedAt)
	if err != nil {
		return Campaign{}, err
	}
	if len(footers) > 0 {
		if err := json.Unmarshal(footers, &c.Footers); err != nil {
			return Campaign{}, fmt.Errorf("decode footers: %w", err)
		}
	}
	return c, nil
}

// CreateContact inserts a contact; the unsubscribe token is generated by the DB.
func (s *Store) CreateContact(ctx context.Context, email string) (Contact, error) {
	var c Contact
	err := s.DB.QueryRow(ctx, `
		INSERT INTO contacts(email) VALUES($1)
		RETURNING id, email, unsubscribe_token, unsubscribed
	`, email).Scan(&c.ID, &c.Email, &c.UnsubscribeToken, &c.Unsubscribed)
	return c, err
}

// Unsubscribe flips the contact flag for a token. Returns false when the
// token matches no contact.
func (s *Store) Unsubscribe(ctx context.Context, token string) (bool, error) {
	tag, err := s.DB.Exec(ctx, `UPDATE contacts SET unsubscribed=true WHERE unsubscribe_token=$1`, token)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) CreateSMTPConfig(ctx context.Context, cfg SMTPConfig) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.DB.QueryRow(ctx, `
		INSERT INTO smtp_configs(host, port, username, password) VALUES($1,$2,$3,$4)
		RETURNING id
	`, cfg.Host, cfg.Port, cfg.Username, cfg.Password).Scan(&id)
	return id, err
}

func (s *Store) SMTPConfig(ctx context.Context, id uuid.UUID) (SMTPConfig, error) {
	var cfg SMTPConfig
	err := s.DB.QueryRow(ctx, `SELECT id, host, port, username, password FROM smtp_configs WHERE id=$1`, id).
		Scan(&cfg.ID, &cfg.Host, &cfg.Port, &cfg.Username, &cfg.Password)
	if errors.Is(err, pgx.ErrNoRows) {
		return cfg, ErrNoSMTPConfig
	}
	return cfg, err
}

// CreateCampaignRequest carries a campaign definition plus its audience.
type CreateCampaignRequest struct {
	UserID        *uuid.UUID
	Subject       string
	Body          string
	FromName      string
	FromAddress   string
	ReplyTo       string
	CC            []string
	BCC           []string
	SendType      string
	ScheduledAt   *time.Time
	Timezone      string
	RecurringRule string
	Footers       []FooterBlock
	Transport     string
	SMTPConfigID  *uuid.UUID
	ContactIDs    []uuid.UUID
	Draft         bool
}

func (r CreateCampaignRequest) initialStatus() string {
	if r.Draft {
		return StatusDraft
	}
	if r.SendType == SendScheduled {
		return StatusScheduled
	}
	return StatusPending
}

// CreateCampaign inserts the campaign and one recipient row per contact.
// Contacts already unsubscribed are inserted directly as skipped, so they
// never appear in any pending worklist for this campaign.
func (s *Store) CreateCampaign(ctx context.Context, req CreateCampaignRequest) (Campaign, error) {
	if len(req.ContactIDs) == 0 {
		return Campaign{}, ErrEmptyAudience
	}
	if req.RecurringRule == "" {
		req.RecurringRule = "none"
	}
	if req.Transport == "" {
		req.Transport = TransportSES
	}
	// nil slices would encode as SQL NULL; the columns are NOT NULL.
	if req.CC == nil {
		req.CC = []string{}
	}
	if req.BCC == nil {
		req.BCC = []string{}
	}
	if req.ScheduledAt != nil {
		utc := req.ScheduledAt.UTC()
		req.ScheduledAt = &utc
	}
	footers, err := json.Marshal(req.Footers)
	if err != nil {
		return Campaign{}, fmt.Errorf("encode footers: %w", err)
	}
	if req.Footers == nil {
		footers = []byte(`[]`)
	}

	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Campaign{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		INSERT INTO campaigns(user_id, subject, body, from_name, from_address, reply_to,
			cc, bcc, status, send_type, scheduled_at, timezone, recurring_rule,
			footers, transport, smtp_config_id)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING `+campaignCols,
		req.UserID, req.Subject, req.Body, req.FromName, req.FromAddress, req.ReplyTo,
		req.CC, req.BCC, req.initialStatus(), req.SendType, req.ScheduledAt,
		nullable(req.Timezone), req.RecurringRule, footers, req.Transport, req.SMTPConfigID)
	c, err := scanCampaign(row)
	if err != nil {
		return Campaign{}, err
	}

	// Unsubscribe filtering happens here, not in the scheduler pass.
	_, err = tx.Exec(ctx, `
		INSERT INTO campaign_recipients(campaign_id, contact_id, cycle, status, filter_reason)
		SELECT $1, ct.id, 1,
			CASE WHEN ct.unsubscribed THEN 'skipped' ELSE 'pending' END,
			CASE WHEN ct.unsubscribed THEN 'unsubscribed' END
		FROM contacts ct WHERE ct.id = ANY($2)
	`, c.ID, req.ContactIDs)
	if err != nil {
		return Campaign{}, err
	}
	return c, tx.Commit(ctx)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *Store) GetCampaign(ctx context.Context, id uuid.UUID) (Campaign, error) {
	c, err := scanCampaign(s.DB.QueryRow(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

// ListLiveCampaigns returns every campaign in a live status (scheduled or
// pending). Drafts and terminally sent campaigns are never candidates.
func (s *Store) ListLiveCampaigns(ctx context.Context) ([]Campaign, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+campaignCols+` FROM campaigns
		WHERE status IN ('scheduled','pending')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PendingRecipients returns the pending worklist of one cycle joined to
// contact email and token. Scoping to the cycle the caller observed keeps a
// scheduler replica with a stale campaign snapshot from touching a batch
// that a concurrent advance created.
func (s *Store) PendingRecipients(ctx context.Context, campaignID uuid.UUID, cycle int) ([]PendingRecipient, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT ct.id, ct.email, ct.unsubscribe_token, ct.unsubscribed
		FROM campaign_recipients cr
		JOIN contacts ct ON ct.id = cr.contact_id
		WHERE cr.campaign_id=$1 AND cr.cycle=$2 AND cr.status='pending'
		ORDER BY ct.email
	`, campaignID, cycle)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PendingRecipient
	for rows.Next() {
		var r PendingRecipient
		if err := rows.Scan(&r.ContactID, &r.Email, &r.UnsubscribeToken, &r.Unsubscribed); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ListRecipients(ctx context.Context, campaignID uuid.UUID) ([]CampaignRecipient, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT cr.campaign_id, cr.contact_id, cr.cycle, cr.status, cr.filter_reason, cr.sent_at, ct.email
		FROM campaign_recipients cr
		JOIN contacts ct ON ct.id = cr.contact_id
		WHERE cr.campaign_id=$1
		ORDER BY cr.cycle, ct.email
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CampaignRecipient
	for rows.Next() {
		var r CampaignRecipient
		if err := rows.Scan(&r.CampaignID, &r.ContactID, &r.Cycle, &r.Status, &r.FilterReason, &r.SentAt, &r.Email); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) RecipientCounts(ctx context.Context, campaignID uuid.UUID) (RecipientCounts, error) {
	var c RecipientCounts
	err := s.DB.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status='pending'),
			COUNT(*) FILTER (WHERE status='sent'),
			COUNT(*) FILTER (WHERE status='skipped')
		FROM campaign_recipients WHERE campaign_id=$1
	`, campaignID).Scan(&c.Pending, &c.Sent, &c.Skipped)
	return c, err
}

// MarkRecipientSent transitions pending->sent within one cycle. The update
// is conditional on the row still being pending so that concurrent scheduler
// processes race safely: exactly one caller wins, the rest see won=false and
// move on.
func (s *Store) MarkRecipientSent(ctx context.Context, campaignID, contactID uuid.UUID, cycle int, at time.Time) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
		UPDATE campaign_recipients SET status='sent', sent_at=$4
		WHERE campaign_id=$1 AND contact_id=$2 AND cycle=$3 AND status='pending'
	`, campaignID, contactID, cycle, at.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkRecipientSkipped records a policy skip (never used for transport
// failures; those leave the row pending for the next tick).
func (s *Store) MarkRecipientSkipped(ctx context.Context, campaignID, contactID uuid.UUID, cycle int, reason string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaign_recipients SET status='skipped', filter_reason=$4
		WHERE campaign_id=$1 AND contact_id=$2 AND cycle=$3 AND status='pending'
	`, campaignID, contactID, cycle, reason)
	return err
}

func (s *Store) CountPendingRecipients(ctx context.Context, campaignID uuid.UUID, cycle int) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM campaign_recipients WHERE campaign_id=$1 AND cycle=$2 AND status='pending'
	`, campaignID, cycle).Scan(&n)
	return n, err
}

// MarkCampaignSent finalizes a non-recurring campaign. Conditional on a live
// status so a concurrent pass, or a stray call after the fact, is a no-op.
func (s *Store) MarkCampaignSent(ctx context.Context, campaignID uuid.UUID) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET status='sent'
		WHERE id=$1 AND status IN ('scheduled','pending') AND recurring_rule='none'
	`, campaignID)
	return err
}

// AdvanceCycle records a recurring campaign's firing: sets last_sent, bumps
// the cycle counter, and inserts a fresh recipient batch for the new cycle
// from the distinct contacts of prior cycles. Contacts unsubscribed since
// the last cycle land directly in skipped, mirroring creation-time
// filtering. The whole advance is one transaction.
//
// The bump is conditional on fromCycle, the cycle the caller observed when
// it resolved the worklist. When two scheduler processes both see a
// completed cycle, exactly one advance lands; the loser gets ErrStaleCycle
// and must not insert a second batch.
func (s *Store) AdvanceCycle(ctx context.Context, campaignID uuid.UUID, firedAt time.Time, fromCycle int) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cycle int
	err = tx.QueryRow(ctx, `
		UPDATE campaigns SET last_sent=$2, cycle=cycle+1
		WHERE id=$1 AND recurring_rule<>'none' AND status IN ('scheduled','pending') AND cycle=$3
		RETURNING cycle
	`, campaignID, firedAt.UTC(), fromCycle).Scan(&cycle)
	if errors.Is(err, pgx.ErrNoRows) {
		var rule string
		qerr := tx.QueryRow(ctx, `SELECT recurring_rule FROM campaigns WHERE id=$1`, campaignID).Scan(&rule)
		if qerr == nil && rule != "none" {
			return ErrStaleCycle
		}
		return ErrNotRecurring
	}
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO campaign_recipients(campaign_id, contact_id, cycle, status, filter_reason)
		SELECT $1, ct.id, $2,
			CASE WHEN ct.unsubscribed THEN 'skipped' ELSE 'pending' END,
			CASE WHEN ct.unsubscribed THEN 'unsubscribed' END
		FROM contacts ct
		WHERE ct.id IN (SELECT DISTINCT contact_id FROM campaign_recipients WHERE campaign_id=$1)
		ON CONFLICT (campaign_id, contact_id, cycle) DO NOTHING
	`, campaignID, cycle)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

package core

import (
	"time"

	"github.com/google/uuid"
)

// Campaign statuses. Transitions only move forward; 'sent' is terminal and
// only reachable by non-recurring campaigns.
const (
	StatusDraft     = "draft"
	StatusScheduled = "scheduled"
	StatusPending   = "pending"
	StatusSent      = "sent"
)

const (
	SendImmediate = "immediate"
	SendScheduled = "scheduled"
)

const (
	TransportSES  = "ses"
	TransportSMTP = "smtp"
)

// Recipient statuses. Once sent or skipped a row never reverts to pending.
const (
	RecipientPending = "pending"
	RecipientSent    = "sent"
	RecipientSkipped = "skipped"
)

const FilterUnsubscribed = "unsubscribed"

// FooterBlock is one location line appended to the campaign body, in
// insertion order.
type FooterBlock struct {
	Location string `json:"location"`
	Address  string `json:"address"`
	Phone    string `json:"phone"`
}

type Campaign struct {
	ID            uuid.UUID     `json:"id"`
	UserID        *uuid.UUID    `json:"user_id,omitempty"`
	Subject       string        `json:"subject"`
	Body          string        `json:"body"`
	FromName      string        `json:"from_name"`
	FromAddress   string        `json:"from_address"`
	ReplyTo       string        `json:"reply_to,omitempty"`
	CC            []string      `json:"cc,omitempty"`
	BCC           []string      `json:"bcc,omitempty"`
	Status        string        `json:"status"`
	SendType      string        `json:"send_type"`
	ScheduledAt   *time.Time    `json:"scheduled_at,omitempty"`
	Timezone      string        `json:"timezone,omitempty"`
	RecurringRule string        `json:"recurring_rule"`
	LastSent      *time.Time    `json:"last_sent,omitempty"`
	Cycle         int           `json:"cycle"`
	Footers       []FooterBlock `json:"footers,omitempty"`
	Transport     string        `json:"transport"`
	SMTPConfigID  *uuid.UUID    `json:"smtp_config_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Recurring reports whether the campaign repeats instead of reaching 'sent'.
func (c Campaign) Recurring() bool {
	return c.RecurringRule != "" && c.RecurringRule != "none"
}

// CampaignRecipient is one (campaign, contact, cycle) delivery-tracking row.
type CampaignRecipient struct {
	CampaignID   uuid.UUID  `json:"campaign_id"`
	ContactID    uuid.UUID  `json:"contact_id"`
	Cycle        int        `json:"cycle"`
	Status       string     `json:"status"`
	FilterReason *string    `json:"filter_reason,omitempty"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	Email        string     `json:"email,omitempty"`
}

// PendingRecipient is the per-cycle worklist entry handed to the renderer.
// Unsubscribed reflects the contact's flag at resolution time; batches are
// filtered at creation, but an opt-out can land between cycles.
type PendingRecipient struct {
	ContactID        uuid.UUID
	Email            string
	UnsubscribeToken string
	Unsubscribed     bool
}

type Contact struct {
	ID               uuid.UUID `json:"id"`
	Email            string    `json:"email"`
	UnsubscribeToken string    `json:"unsubscribe_token"`
	Unsubscribed     bool      `json:"unsubscribed"`
}

type SMTPConfig struct {
	ID       uuid.UUID `json:"id"`
	Host     string    `json:"host"`
	Port     int       `json:"port"`
	Username string    `json:"username"`
	Password string    `json:"-"`
}

// Email is one fully rendered outbound message handed to a delivery gateway.
type Email struct {
	To          string
	CC          []string
	BCC         []string
	Subject     string
	HTML        string
	Text        string
	FromName    string
	FromAddress string
	ReplyTo     string
	CampaignID  uuid.UUID
	ContactID   uuid.UUID
}

// RecipientCounts summarizes delivery progress for one campaign.
type RecipientCounts struct {
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Skipped int `json:"skipped"`
}

// Package gateway abstracts outbound email transport. The scheduler is
// agnostic to which transport a campaign uses; it only sees send succeed or
// fail per recipient.
package gateway

import (
	"context"
	"errors"

	"github.com/driftmark/mailcast/internal/core"
)

type Gateway interface {
	Send(ctx context.Context, msg core.Email) error
}

var ErrTransportUnavailable = errors.New("transport_unavailable")

// Router picks the concrete gateway per campaign: the shared cloud sender,
// or a per-campaign SMTP transport built from stored credentials.
type Router struct {
	SES     Gateway
	NewSMTP func(cfg core.SMTPConfig) Gateway
}

// For resolves the campaign's transport. smtpCfg is only consulted for SMTP
// campaigns.
func (r *Router) For(c core.Campaign, smtpCfg core.SMTPConfig) (Gateway, error) {
	switch c.Transport {
	case core.TransportSMTP:
		if r.NewSMTP == nil {
			return nil, ErrTransportUnavailable
		}
		return r.NewSMTP(smtpCfg), nil
	case core.TransportSES, "":
		if r.SES == nil {
			return nil, ErrTransportUnavailable
		}
		return r.SES, nil
	}
	return nil, ErrTransportUnavailable
}

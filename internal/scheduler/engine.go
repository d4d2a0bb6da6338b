// Package scheduler drives campaign delivery: a fixed-interval polling loop
// that classifies due campaigns, resolves their pending recipients, renders
// and dispatches messages, and commits the resulting status transitions.
//
// Dependencies (storage, gateways, clock) are injected so a tick can be
// exercised in tests with fakes instead of wall-clock timers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/driftmark/mailcast/internal/core"
	"github.com/driftmark/mailcast/internal/gateway"
	"github.com/driftmark/mailcast/internal/metrics"
	"github.com/driftmark/mailcast/internal/render"
	"github.com/driftmark/mailcast/internal/schedule"
)

// Storage is the persistence contract the engine needs. *core.Store
// satisfies it; tests use an in-memory implementation.
type Storage interface {
	ListLiveCampaigns(ctx context.Context) ([]core.Campaign, error)
	PendingRecipients(ctx context.Context, campaignID uuid.UUID, cycle int) ([]core.PendingRecipient, error)
	MarkRecipientSent(ctx context.Context, campaignID, contactID uuid.UUID, cycle int, at time.Time) (bool, error)
	MarkRecipientSkipped(ctx context.Context, campaignID, contactID uuid.UUID, cycle int, reason string) error
	CountPendingRecipients(ctx context.Context, campaignID uuid.UUID, cycle int) (int, error)
	MarkCampaignSent(ctx context.Context, campaignID uuid.UUID) error
	AdvanceCycle(ctx context.Context, campaignID uuid.UUID, firedAt time.Time, fromCycle int) error
	SMTPConfig(ctx context.Context, id uuid.UUID) (core.SMTPConfig, error)
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Options struct {
	PollInterval    time.Duration  // default 1m
	SendTimeout     time.Duration  // per-send timeout
	GatewayQPS      float64        // sustained outbound rate
	GatewayBurst    int            // burst allowance
	DefaultTimezone *time.Location // fallback for campaigns without one
	UnsubscribeBase string         // base URL for unsubscribe links
}

func (o *Options) fillDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Minute
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.GatewayQPS <= 0 {
		o.GatewayQPS = 50
	}
	if o.GatewayBurst <= 0 {
		o.GatewayBurst = 100
	}
	if o.DefaultTimezone == nil {
		o.DefaultTimezone = time.UTC
	}
}

type Engine struct {
	store    Storage
	gateways *gateway.Router
	clock    Clock
	opt      Options
	limiter  *rate.Limiter
}

func New(store Storage, gateways *gateway.Router, clock Clock, opt Options) *Engine {
	opt.fillDefaults()
	if clock == nil {
		clock = systemClock{}
	}
	return &Engine{
		store:    store,
		gateways: gateways,
		clock:    clock,
		opt:      opt,
		limiter:  rate.NewLimiter(rate.Limit(opt.GatewayQPS), opt.GatewayBurst),
	}
}

// Run polls until ctx is canceled. A tick in flight finishes its current
// recipient before the loop exits; nothing is killed mid-write.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opt.PollInterval)
	defer ticker.Stop()

	log.Printf("scheduler: polling every %s", e.opt.PollInterval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.Tick(ctx, e.clock.Now()); err != nil {
				log.Printf("scheduler: tick aborted: %v", err)
			}
		}
	}
}

// Tick runs one poll as of now. Only a storage failure on the initial
// campaign listing aborts the tick; every narrower failure is terminal to
// its own campaign or recipient and the tick carries on.
func (e *Engine) Tick(ctx context.Context, now time.Time) error {
	start := time.Now()

	campaigns, err := e.store.ListLiveCampaigns(ctx)
	if err != nil {
		metrics.Ticks.WithLabelValues("error").Inc()
		return fmt.Errorf("list live campaigns: %w", err)
	}

	due := schedule.SelectDue(campaigns, now, e.opt.DefaultTimezone, func(c core.Campaign, err error) {
		metrics.CampaignConfigErrors.Inc()
		log.Printf("scheduler: campaign %s skipped: %v", c.ID, err)
	})
	metrics.CampaignsDue.Add(float64(len(due)))

	for _, c := range due {
		if ctx.Err() != nil {
			break
		}
		if err := e.processCampaign(ctx, c, now); err != nil {
			log.Printf("scheduler: campaign %s: %v", c.ID, err)
		}
	}

	metrics.Ticks.WithLabelValues("ok").Inc()
	metrics.TickDuration.Observe(time.Since(start).Seconds())
	return nil
}

// Dispatch sends one campaign synchronously, outside the polling path. Used
// for immediate campaigns at creation time.
func (e *Engine) Dispatch(ctx context.Context, c core.Campaign) error {
	return e.processCampaign(ctx, c, e.clock.Now())
}

// processCampaign works entirely on the cycle observed when the campaign was
// listed. If a concurrent scheduler process advances the campaign meanwhile,
// every operation here scopes to the old cycle and degrades to a no-op.
func (e *Engine) processCampaign(ctx context.Context, c core.Campaign, now time.Time) error {
	recipients, err := e.store.PendingRecipients(ctx, c.ID, c.Cycle)
	if err != nil {
		return fmt.Errorf("resolve recipients: %w", err)
	}
	if len(recipients) == 0 {
		// No worklist, no transition, no error. A campaign stuck here shows
		// up in the empty-resolution counter every tick.
		metrics.EmptyResolutions.Inc()
		return nil
	}

	gw, err := e.gatewayFor(ctx, c)
	if err != nil {
		return fmt.Errorf("resolve transport: %w", err)
	}

	for _, r := range recipients {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Opt-outs since the batch was created are honored here, not sent.
		if r.Unsubscribed {
			if err := e.store.MarkRecipientSkipped(ctx, c.ID, r.ContactID, c.Cycle, core.FilterUnsubscribed); err != nil {
				log.Printf("scheduler: campaign %s contact %s: record skip: %v", c.ID, r.ContactID, err)
				continue
			}
			metrics.RecipientSends.WithLabelValues("skipped").Inc()
			continue
		}
		e.sendOne(ctx, gw, c, r)
	}

	// The state machine only advances once zero recipients remain pending:
	// a transport failure above left its row pending, which blocks the
	// transition until a later tick succeeds.
	remaining, err := e.store.CountPendingRecipients(ctx, c.ID, c.Cycle)
	if err != nil {
		return fmt.Errorf("count pending: %w", err)
	}
	if remaining > 0 {
		return nil
	}

	if c.Recurring() {
		if err := e.store.AdvanceCycle(ctx, c.ID, now, c.Cycle); err != nil {
			// Another process advanced first; its batch stands.
			if errors.Is(err, core.ErrStaleCycle) {
				return nil
			}
			return fmt.Errorf("advance cycle: %w", err)
		}
		metrics.CampaignTransitions.WithLabelValues("cycle_advanced").Inc()
		return nil
	}
	if err := e.store.MarkCampaignSent(ctx, c.ID); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	metrics.CampaignTransitions.WithLabelValues("sent").Inc()
	return nil
}

// sendOne renders, sends and records one recipient. Failures never
// propagate: a transport error leaves the row pending for the next tick, a
// lost write-back race means another process already recorded the send.
func (e *Engine) sendOne(ctx context.Context, gw gateway.Gateway, c core.Campaign, r core.PendingRecipient) {
	msg := render.Render(c, r, e.opt.UnsubscribeBase)

	if err := e.limiter.Wait(ctx); err != nil {
		return // shutting down
	}

	// Once a message is handed to the transport, the write-back must not be
	// interrupted by shutdown: a sent-but-unrecorded message would go out
	// again next tick.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opt.SendTimeout)
	defer cancel()

	start := time.Now()
	err := gw.Send(sctx, msg)
	metrics.SendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RecipientSends.WithLabelValues("transport_error").Inc()
		log.Printf("scheduler: campaign %s contact %s: send failed, left pending: %v", c.ID, r.ContactID, err)
		return
	}

	won, err := e.store.MarkRecipientSent(context.WithoutCancel(ctx), c.ID, r.ContactID, c.Cycle, e.clock.Now())
	if err != nil {
		log.Printf("scheduler: campaign %s contact %s: record send: %v", c.ID, r.ContactID, err)
		return
	}
	if !won {
		metrics.RecipientSends.WithLabelValues("lost_race").Inc()
		return
	}
	metrics.RecipientSends.WithLabelValues("sent").Inc()
}

func (e *Engine) gatewayFor(ctx context.Context, c core.Campaign) (gateway.Gateway, error) {
	var cfg core.SMTPConfig
	if c.Transport == core.TransportSMTP {
		if c.SMTPConfigID == nil {
			return nil, fmt.Errorf("smtp campaign without smtp_config_id")
		}
		var err error
		cfg, err = e.store.SMTPConfig(ctx, *c.SMTPConfigID)
		if err != nil {
			return nil, fmt.Errorf("load smtp config: %w", err)
		}
	}
	return e.gateways.For(c, cfg)
}

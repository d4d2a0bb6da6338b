package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/driftmark/mailcast/internal/core"
	"github.com/driftmark/mailcast/internal/gateway"
)

// ---- fakes ----

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memRecipient struct {
	contactID uuid.UUID
	cycle     int
	status    string
	reason    string
}

type memStore struct {
	mu         sync.Mutex
	campaigns  map[uuid.UUID]*core.Campaign
	recipients map[uuid.UUID][]*memRecipient
	contacts   map[uuid.UUID]*core.Contact
	smtp       map[uuid.UUID]core.SMTPConfig
	listErr    error

	// stealResolved simulates a competing process winning the row between
	// resolution and write-back.
	stealResolved bool

	// afterCount runs once after a pending count, between the engine's
	// completion check and its cycle advance.
	afterCount func()
}

func newMemStore() *memStore {
	return &memStore{
		campaigns:  map[uuid.UUID]*core.Campaign{},
		recipients: map[uuid.UUID][]*memRecipient{},
		contacts:   map[uuid.UUID]*core.Contact{},
		smtp:       map[uuid.UUID]core.SMTPConfig{},
	}
}

func (s *memStore) addContact(email string, unsubscribed bool) uuid.UUID {
	id := uuid.New()
	s.contacts[id] = &core.Contact{ID: id, Email: email, UnsubscribeToken: "tok-" + email, Unsubscribed: unsubscribed}
	return id
}

func (s *memStore) addCampaign(c core.Campaign, contactIDs ...uuid.UUID) uuid.UUID {
	c.ID = uuid.New()
	if c.Cycle == 0 {
		c.Cycle = 1
	}
	s.campaigns[c.ID] = &c
	for _, id := range contactIDs {
		status := core.RecipientPending
		reason := ""
		if s.contacts[id].Unsubscribed {
			status = core.RecipientSkipped
			reason = core.FilterUnsubscribed
		}
		s.recipients[c.ID] = append(s.recipients[c.ID], &memRecipient{contactID: id, cycle: 1, status: status, reason: reason})
	}
	return c.ID
}

func (s *memStore) ListLiveCampaigns(ctx context.Context) ([]core.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []core.Campaign
	for _, c := range s.campaigns {
		if c.Status == core.StatusScheduled || c.Status == core.StatusPending {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *memStore) PendingRecipients(ctx context.Context, campaignID uuid.UUID, cycle int) ([]core.PendingRecipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.PendingRecipient
	for _, r := range s.recipients[campaignID] {
		if r.cycle == cycle && r.status == core.RecipientPending {
			ct := s.contacts[r.contactID]
			out = append(out, core.PendingRecipient{ContactID: ct.ID, Email: ct.Email, UnsubscribeToken: ct.UnsubscribeToken, Unsubscribed: ct.Unsubscribed})
			if s.stealResolved {
				r.status = core.RecipientSent
			}
		}
	}
	return out, nil
}

func (s *memStore) MarkRecipientSent(ctx context.Context, campaignID, contactID uuid.UUID, cycle int, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.recipients[campaignID] {
		if r.contactID == contactID && r.cycle == cycle && r.status == core.RecipientPending {
			r.status = core.RecipientSent
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) MarkRecipientSkipped(ctx context.Context, campaignID, contactID uuid.UUID, cycle int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.recipients[campaignID] {
		if r.contactID == contactID && r.cycle == cycle && r.status == core.RecipientPending {
			r.status = core.RecipientSkipped
			r.reason = reason
		}
	}
	return nil
}

func (s *memStore) CountPendingRecipients(ctx context.Context, campaignID uuid.UUID, cycle int) (int, error) {
	s.mu.Lock()
	n := 0
	for _, r := range s.recipients[campaignID] {
		if r.cycle == cycle && r.status == core.RecipientPending {
			n++
		}
	}
	hook := s.afterCount
	s.afterCount = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return n, nil
}

func (s *memStore) MarkCampaignSent(ctx context.Context, campaignID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.campaigns[campaignID]
	if c != nil && !c.Recurring() && (c.Status == core.StatusScheduled || c.Status == core.StatusPending) {
		c.Status = core.StatusSent
	}
	return nil
}

func (s *memStore) AdvanceCycle(ctx context.Context, campaignID uuid.UUID, firedAt time.Time, fromCycle int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advanceLocked(campaignID, firedAt, fromCycle)
}

func (s *memStore) advanceLocked(campaignID uuid.UUID, firedAt time.Time, fromCycle int) error {
	c := s.campaigns[campaignID]
	if c == nil || !c.Recurring() {
		return core.ErrNotRecurring
	}
	if c.Cycle != fromCycle {
		return core.ErrStaleCycle
	}
	fired := firedAt
	c.LastSent = &fired
	c.Cycle++
	seen := map[uuid.UUID]bool{}
	for _, r := range s.recipients[campaignID] {
		seen[r.contactID] = true
	}
	for id := range seen {
		status := core.RecipientPending
		reason := ""
		if s.contacts[id].Unsubscribed {
			status = core.RecipientSkipped
			reason = core.FilterUnsubscribed
		}
		s.recipients[campaignID] = append(s.recipients[campaignID], &memRecipient{contactID: id, cycle: c.Cycle, status: status, reason: reason})
	}
	return nil
}

func (s *memStore) SMTPConfig(ctx context.Context, id uuid.UUID) (core.SMTPConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.smtp[id]
	if !ok {
		return cfg, core.ErrNoSMTPConfig
	}
	return cfg, nil
}

func (s *memStore) campaign(id uuid.UUID) core.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.campaigns[id]
}

func (s *memStore) statuses(campaignID uuid.UUID) map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int{}
	for _, r := range s.recipients[campaignID] {
		out[r.status]++
	}
	return out
}

type fakeGateway struct {
	mu   sync.Mutex
	sent []core.Email
	fail map[string]error // by recipient address
}

func (g *fakeGateway) Send(ctx context.Context, msg core.Email) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail[msg.To]; err != nil {
		return err
	}
	g.sent = append(g.sent, msg)
	return nil
}

func (g *fakeGateway) sentTo() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for _, m := range g.sent {
		out = append(out, m.To)
	}
	return out
}

func newTestEngine(store *memStore, gw *fakeGateway, clock *fakeClock) *Engine {
	return New(store, &gateway.Router{SES: gw, NewSMTP: gateway.NewSMTP}, clock, Options{
		UnsubscribeBase: "https://mail.test",
		GatewayQPS:      10000,
		GatewayBurst:    10000,
	})
}

func ptr[T any](v T) *T { return &v }

// ---- scenarios ----

func TestTickSendsDueCampaignAndMarksSent(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{}
	clock := &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	eng := newTestEngine(store, gw, clock)

	a := store.addContact("a@x.test", false)
	b := store.addContact("b@x.test", false)
	c := store.addContact("c@x.test", false)
	id := store.addCampaign(core.Campaign{
		Subject: "s", Body: "b", FromAddress: "f@x.test",
		Status: core.StatusScheduled, SendType: core.SendScheduled,
		ScheduledAt:   ptr(clock.Now().Add(time.Second)),
		RecurringRule: "none", Transport: core.TransportSES,
	}, a, b, c)

	// Before the scheduled instant: nothing happens.
	require.NoError(t, eng.Tick(context.Background(), clock.Now()))
	require.Empty(t, gw.sentTo())
	require.Equal(t, core.StatusScheduled, store.campaign(id).Status)

	// Past the instant: all three recipients sent, campaign terminal.
	clock.Advance(2 * time.Second)
	require.NoError(t, eng.Tick(context.Background(), clock.Now()))
	require.Len(t, gw.sentTo(), 3)
	require.Equal(t, map[string]int{core.RecipientSent: 3}, store.statuses(id))
	require.Equal(t, core.StatusSent, store.campaign(id).Status)

	// Never selected again after reaching sent.
	clock.Advance(time.Hour)
	require.NoError(t, eng.Tick(context.Background(), clock.Now()))
	require.Len(t, gw.sentTo(), 3)
}

func TestTransportFailureLeavesRecipientPending(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{fail: map[string]error{"b@x.test": errors.New("boom")}}
	clock := &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	eng := newTestEngine(store, gw, clock)

	a := store.addContact("a@x.test", false)
	b := store.addContact("b@x.test", false)
	c := store.addContact("c@x.test", false)
	id := store.addCampaign(core.Campaign{
		Subject: "s", Body: "b", FromAddress: "f@x.test",
		Status: core.StatusScheduled, SendType: core.SendScheduled,
		ScheduledAt:   ptr(clock.Now().Add(-time.Minute)),
		RecurringRule: "none", Transport: core.TransportSES,
	}, a, b, c)

	require.NoError(t, eng.Tick(context.Background(), clock.Now()))

	// Two sent, the failing one stays pending; no terminal transition while
	// a pending recipient remains.
	require.Equal(t, map[string]int{core.RecipientSent: 2, core.RecipientPending: 1}, store.statuses(id))
	require.Equal(t, core.StatusScheduled, store.campaign(id).Status)

	// Transport recovers: the next tick retries only the pending row and
	// then finalizes the campaign.
	gw.mu.Lock()
	gw.fail = nil
	gw.mu.Unlock()
	clock.Advance(time.Minute)
	require.NoError(t, eng.Tick(context.Background(), clock.Now()))
	require.Equal(t, map[string]int{core.RecipientSent: 3}, store.statuses(id))
	require.Equal(t, core.StatusSent, store.campaign(id).Status)
	require.Len(t, gw.sentTo(), 3) // a and c were not re-sent
}

func TestRecurringDailyCycle(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{}
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	eng := newTestEngine(store, gw, clock)

	a := store.addContact("a@x.test", false)
	b := store.addContact("b@x.test", false)
	id := store.addCampaign(core.Campaign{
		Subject: "s", Body: "b", FromAddress: "f@x.test",
		Status: core.StatusPending, SendType: core.SendScheduled,
		ScheduledAt:   ptr(start.Add(-time.Hour)), // already due
		RecurringRule: "daily", Transport: core.TransportSES,
	}, a, b)

	// First fire: sends to both, anchors last_sent, replenishes a fresh
	// pending batch for the next cycle. Status never reaches sent.
	require.NoError(t, eng.Tick(context.Background(), clock.Now()))
	require.Len(t, gw.sentTo(), 2)
	got := store.campaign(id)
	require.Equal(t, core.StatusPending, got.Status)
	require.NotNil(t, got.LastSent)
	require.True(t, got.LastSent.Equal(start))
	require.Equal(t, 2, got.Cycle)
	require.Equal(t, map[string]int{core.RecipientSent: 2, core.RecipientPending: 2}, store.statuses(id))

	// 23 hours later: not due, no re-fire.
	clock.Advance(23 * time.Hour)
	require.NoError(t, eng.Tick(context.Background(), clock.Now()))
	require.Len(t, gw.sentTo(), 2)

	// Exactly last_sent+24h: fires again on the fresh batch.
	clock.Advance(time.Hour)
	require.NoError(t, eng.Tick(context.Background(), clock.Now()))
	require.Len(t, gw.sentTo(), 4)
	got = store.campaign(id)
	require.Equal(t, 3, got.Cycle)
	require.True(t, got.LastSent.Equal(start.Add(24*time.Hour)))
}

func TestRecurringReplenishSkipsNewlyUnsubscribed(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{}
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	eng := newTestEngine(store, gw, clock)

	a := store.addContact("a@x.test", false)
	b := store.addContact("b@x.test", false)
	store.addCampaign(core.Campaign{
		Subject: "s", Body: "b", FromAddress: "f@x.test",
		Status: core.StatusPending, SendType: core.SendScheduled,
		ScheduledAt:   ptr(start.Add(-time.Hour)),
		RecurringRule: "daily", Transport: core.TransportSES,
	}, a, b)

	require.NoError(t, eng.Tick(context.Background(), clock.Now()))
	require.Len(t, gw.sentTo(), 2)

	// b unsubscribes between cycles.
	store.mu.Lock()
	store.contacts[b].Unsubscribed = true
	store.mu.Unlock()

	clock.Advance(24 * time.Hour)
	require.NoError(t, eng.Tick(context.Background(), clock.Now()))
	require.Len(t, gw.sentTo(), 3)
	require.Equal(t, []string{"a@x.test", "b@x.test", "a@x.test"}, gw.sentTo())
}

func TestConcurrentCycleAdvanceOnlyOneBatch(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{}
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	eng := newTestEngine(store, gw, clock)

	a := store.addContact("a@x.test", false)
	id := store.addCampaign(core.Campaign{
		Subject: "s", Body: "b", FromAddress: "f@x.test",
		Status: core.StatusPending, SendType: core.SendScheduled,
		ScheduledAt:   ptr(start.Add(-time.Hour)),
		RecurringRule: "daily", Transport: core.TransportSES,
	}, a)

	// A second scheduler process observes the completed cycle and advances
	// it right after this process's completion check.
	store.afterCount = func() {
		store.mu.Lock()
		defer store.mu.Unlock()
		require.NoError(t, store.advanceLocked(id, start, 1))
	}

	require.NoError(t, eng.Tick(context.Background(), clock.Now()))

	// The local advance lost and inserted nothing: one fresh batch, cycle
	// bumped exactly once.
	got := store.campaign(id)
	require.Equal(t, 2, got.Cycle)
	require.Equal(t, map[string]int{core.RecipientSent: 1, core.RecipientPending: 1}, store.statuses(id))

	// The next fire delivers exactly one copy.
	clock.Advance(24 * time.Hour)
	require.NoError(t, eng.Tick(context.Background(), clock.Now()))
	require.Equal(t, []string{"a@x.test", "a@x.test"}, gw.sentTo())
	require.Equal(t, 3, store.campaign(id).Cycle)
}

func TestEmptyResolutionIsNoOp(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{}
	clock := &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	eng := newTestEngine(store, gw, clock)

	a := store.addContact("a@x.test", true) // unsubscribed at creation
	id := store.addCampaign(core.Campaign{
		Subject: "s", Body: "b", FromAddress: "f@x.test",
		Status: core.StatusScheduled, SendType: core.SendScheduled,
		ScheduledAt:   ptr(clock.Now().Add(-time.Minute)),
		RecurringRule: "none", Transport: core.TransportSES,
	}, a)

	require.NoError(t, eng.Tick(context.Background(), clock.Now()))
	require.Empty(t, gw.sentTo())
	// No transition: the campaign stays live with zero resolvable
	// recipients, forever if need be.
	require.Equal(t, core.StatusScheduled, store.campaign(id).Status)
	require.Equal(t, map[string]int{core.RecipientSkipped: 1}, store.statuses(id))
}

func TestLostWriteBackRaceDoesNotDoubleCount(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{}
	clock := &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	eng := newTestEngine(store, gw, clock)

	a := store.addContact("a@x.test", false)
	id := store.addCampaign(core.Campaign{
		Subject: "s", Body: "b", FromAddress: "f@x.test",
		Status: core.StatusScheduled, SendType: core.SendScheduled,
		ScheduledAt:   ptr(clock.Now().Add(-time.Minute)),
		RecurringRule: "none", Transport: core.TransportSES,
	}, a)

	store.stealResolved = true
	require.NoError(t, eng.Tick(context.Background(), clock.Now()))

	// The write-back lost, the store records exactly one send, and the
	// campaign still finalizes because zero pending rows remain.
	require.Equal(t, map[string]int{core.RecipientSent: 1}, store.statuses(id))
	require.Equal(t, core.StatusSent, store.campaign(id).Status)
	require.Len(t, gw.sentTo(), 1)
}

func TestMisconfiguredCampaignSkippedNotFatal(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{}
	clock := &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	eng := newTestEngine(store, gw, clock)

	a := store.addContact("a@x.test", false)
	badID := store.addCampaign(core.Campaign{
		Subject: "s", Body: "b", FromAddress: "f@x.test",
		Status: core.StatusScheduled, SendType: core.SendScheduled,
		ScheduledAt:   ptr(clock.Now().Add(-time.Minute)),
		Timezone:      "Not/AZone",
		RecurringRule: "none", Transport: core.TransportSES,
	}, a)
	goodID := store.addCampaign(core.Campaign{
		Subject: "s", Body: "b", FromAddress: "f@x.test",
		Status: core.StatusScheduled, SendType: core.SendScheduled,
		ScheduledAt:   ptr(clock.Now().Add(-time.Minute)),
		RecurringRule: "none", Transport: core.TransportSES,
	}, a)

	require.NoError(t, eng.Tick(context.Background(), clock.Now()))

	// The bad campaign is skipped for the tick, the good one proceeds.
	require.Equal(t, core.StatusScheduled, store.campaign(badID).Status)
	require.Equal(t, core.StatusSent, store.campaign(goodID).Status)
}

func TestStorageFailureAbortsTick(t *testing.T) {
	store := newMemStore()
	store.listErr = errors.New("db down")
	eng := newTestEngine(store, &fakeGateway{}, &fakeClock{now: time.Now()})

	err := eng.Tick(context.Background(), time.Now())
	require.Error(t, err)
}

func TestDispatchSendsImmediately(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{}
	clock := &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	eng := newTestEngine(store, gw, clock)

	a := store.addContact("a@x.test", false)
	id := store.addCampaign(core.Campaign{
		Subject: "s", Body: "b", FromAddress: "f@x.test",
		Status: core.StatusPending, SendType: core.SendImmediate,
		RecurringRule: "none", Transport: core.TransportSES,
	}, a)

	// The polling path never touches immediate campaigns.
	require.NoError(t, eng.Tick(context.Background(), clock.Now()))
	require.Empty(t, gw.sentTo())

	require.NoError(t, eng.Dispatch(context.Background(), store.campaign(id)))
	require.Len(t, gw.sentTo(), 1)
	require.Equal(t, core.StatusSent, store.campaign(id).Status)
}

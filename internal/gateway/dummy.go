package gateway

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/driftmark/mailcast/internal/core"
)

// Dummy simulates a transport for local development: a little latency and
// an occasional temporary failure.
type Dummy struct {
	FailurePercent int
	Latency        time.Duration
}

func NewDummy() *Dummy {
	return &Dummy{FailurePercent: 3, Latency: 50 * time.Millisecond}
}

func (d *Dummy) Send(ctx context.Context, msg core.Email) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d.Latency):
	}
	if rand.Intn(100) < d.FailurePercent {
		return errors.New("transport_temporary_error")
	}
	return nil
}

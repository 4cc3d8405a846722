package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/intralog/outreach-engine/internal/domain"
)

// DenialReason says why a slot request was refused.
type DenialReason string

const (
	DeniedPaused DenialReason = "paused"
	DeniedWindow DenialReason = "window"
	DeniedQuota  DenialReason = "quota"
)

// Denial carries the refusal reason and, when computable, the earliest
// instant a retry could succeed. Paused senders have no such instant.
type Denial struct {
	Reason         DenialReason
	NextEligibleAt time.Time
}

// CounterStore persists committed send counts per sender per local day.
type CounterStore interface {
	SendsOn(ctx context.Context, senderEmail, day string) (int, error)
	RecordSend(ctx context.Context, senderEmail, day string) error
}

// Governor grants dispatch slots. A granted slot is a reservation: it
// holds a unit of today's quota in memory until the caller commits (send
// succeeded) or releases (send did not happen). Reservations keep
// concurrent executors from overshooting a cap they have all read.
type Governor struct {
	counters CounterStore

	mu      sync.Mutex
	senders map[string]*senderState
}

type senderState struct {
	pending  int
	dispatch sync.Mutex
}

// New builds a Governor over the given counter store.
func New(counters CounterStore) *Governor {
	return &Governor{
		counters: counters,
		senders:  make(map[string]*senderState),
	}
}

func (g *Governor) state(email string) *senderState {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.senders[email]
	if !ok {
		st = &senderState{}
		g.senders[email] = st
	}
	return st
}

// SeedPending pre-loads a sender's reservation count, used at startup to
// account for claims that were in flight when the previous process died.
func (g *Governor) SeedPending(senderEmail string, n int) {
	if n <= 0 {
		return
	}
	st := g.state(senderEmail)
	g.mu.Lock()
	st.pending += n
	g.mu.Unlock()
}

// dayKey is the sender-local calendar day quota counters key on.
func dayKey(s *domain.Sender, now time.Time) string {
	return now.In(windowLocation(s.Window)).Format("2006-01-02")
}

// RequestSlot checks hold state, send window and daily quota in that
// order. Exactly one of (*Grant, *Denial) is non-nil on success.
func (g *Governor) RequestSlot(ctx context.Context, s *domain.Sender, now time.Time) (*Grant, *Denial, error) {
	if s.OnHold {
		return nil, &Denial{Reason: DeniedPaused}, nil
	}
	if !WindowContains(s.Window, now) {
		return nil, &Denial{Reason: DeniedWindow, NextEligibleAt: NextOpening(s.Window, now)}, nil
	}

	cap := EffectiveCap(s, now)
	day := dayKey(s, now)
	sent, err := g.counters.SendsOn(ctx, s.Email, day)
	if err != nil {
		return nil, nil, fmt.Errorf("read send count for %s: %w", s.Email, err)
	}

	st := g.state(s.Email)
	g.mu.Lock()
	if sent+st.pending >= cap {
		g.mu.Unlock()
		return nil, &Denial{Reason: DeniedQuota, NextEligibleAt: NextDayOpening(s.Window, now)}, nil
	}
	st.pending++
	g.mu.Unlock()

	return &Grant{g: g, st: st, sender: s.Email, day: day}, nil, nil
}

// LockSender serializes dispatch for one sender. The returned func
// releases the lock; callers hold it across the whole adapter call.
func (g *Governor) LockSender(email string) func() {
	st := g.state(email)
	st.dispatch.Lock()
	return st.dispatch.Unlock
}

// Grant is a reserved dispatch slot awaiting Commit or Release. Exactly
// one of the two must be called, once.
type Grant struct {
	g      *Governor
	st     *senderState
	sender string
	day    string
	done   bool
}

// Commit records the send against the sender's daily counter and drops
// the reservation.
func (gr *Grant) Commit(ctx context.Context) error {
	if gr.done {
		return nil
	}
	gr.done = true
	gr.release()
	if err := gr.g.counters.RecordSend(ctx, gr.sender, gr.day); err != nil {
		return fmt.Errorf("record send for %s: %w", gr.sender, err)
	}
	return nil
}

// Release drops the reservation without counting a send.
func (gr *Grant) Release() {
	if gr.done {
		return
	}
	gr.done = true
	gr.release()
}

func (gr *Grant) release() {
	gr.g.mu.Lock()
	if gr.st.pending > 0 {
		gr.st.pending--
	}
	gr.g.mu.Unlock()
}

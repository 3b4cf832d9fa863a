package extraction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/clause-crawler/internal/crawler"
	"github.com/JakeFAU/clause-crawler/internal/metrics"
)

// SlotState is the health of one credential slot.
type SlotState string

// Slot states.
const (
	SlotActive  SlotState = "active"
	SlotEvicted SlotState = "evicted"
)

// SlotStatus describes a slot for diagnostics.
type SlotStatus struct {
	Index     int        `json:"index"`
	State     SlotState  `json:"state"`
	Reason    string     `json:"reason,omitempty"`
	EvictedAt *time.Time `json:"evicted_at,omitempty"`
}

// Lease is a slot handed out by the pool.
type Lease struct {
	Index  int
	Client crawler.Completer
}

type slot struct {
	client    crawler.Completer
	state     SlotState
	reason    string
	evictedAt time.Time
}

// CredentialPool rotates round-robin across completion clients, one per credential.
// Evicted slots are never handed out again.
type CredentialPool struct {
	mu     sync.Mutex
	slots  []*slot
	cursor int
	active int
	clock  crawler.Clock
	logger *zap.Logger
}

// NewCredentialPool builds a pool over clients. An empty client list is an error.
func NewCredentialPool(clients []crawler.Completer, clock crawler.Clock, logger *zap.Logger) (*CredentialPool, error) {
	if len(clients) == 0 {
		return nil, fmt.Errorf("new credential pool: %w", crawler.ErrCredentialsExhausted)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	slots := make([]*slot, 0, len(clients))
	for i, c := range clients {
		if c == nil {
			return nil, fmt.Errorf("credential slot %d has no client", i)
		}
		slots = append(slots, &slot{client: c, state: SlotActive})
	}
	metrics.SetActiveCredentials(len(slots))
	return &CredentialPool{
		slots:  slots,
		active: len(slots),
		clock:  clock,
		logger: logger,
	}, nil
}

// Next returns the next active slot in round-robin order.
func (p *CredentialPool) Next() (Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active == 0 {
		return Lease{}, crawler.ErrCredentialsExhausted
	}
	for i := 0; i < len(p.slots); i++ {
		idx := (p.cursor + i) % len(p.slots)
		if p.slots[idx].state != SlotActive {
			continue
		}
		p.cursor = (idx + 1) % len(p.slots)
		return Lease{Index: idx, Client: p.slots[idx].client}, nil
	}
	return Lease{}, crawler.ErrCredentialsExhausted
}

// Evict permanently removes slot index from rotation and returns the number of
// active slots left. Evicting an evicted slot is a no-op.
func (p *CredentialPool) Evict(index int, reason string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= len(p.slots) || p.slots[index].state == SlotEvicted {
		return p.active
	}
	s := p.slots[index]
	s.state = SlotEvicted
	s.reason = reason
	if p.clock != nil {
		s.evictedAt = p.clock.Now()
	} else {
		s.evictedAt = time.Now().UTC()
	}
	p.active--
	metrics.ObserveEviction(p.active)
	p.logger.Warn("credential evicted",
		zap.Int("slot", index),
		zap.String("reason", reason),
		zap.Int("active", p.active),
		zap.Int("capacity", len(p.slots)),
	)
	return p.active
}

// Active returns the number of usable slots.
func (p *CredentialPool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Capacity returns the original number of slots.
func (p *CredentialPool) Capacity() int {
	return len(p.slots)
}

// Status lists every slot with its state.
func (p *CredentialPool) Status() []SlotStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SlotStatus, 0, len(p.slots))
	for i, s := range p.slots {
		st := SlotStatus{Index: i, State: s.state, Reason: s.reason}
		if s.state == SlotEvicted {
			at := s.evictedAt
			st.EvictedAt = &at
		}
		out = append(out, st)
	}
	return out
}

// Completer returns a crawler.Completer that rotates across the pool and
// evicts slots whose credential is rejected.
func (p *CredentialPool) Completer() crawler.Completer {
	return &rotatingCompleter{pool: p}
}

type rotatingCompleter struct {
	pool *CredentialPool
}

func (r *rotatingCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	for {
		lease, err := r.pool.Next()
		if err != nil {
			return "", err
		}
		out, err := lease.Client.Complete(ctx, prompt)
		if errors.Is(err, crawler.ErrCredentialInvalid) {
			r.pool.Evict(lease.Index, err.Error())
			continue
		}
		if err != nil {
			return "", fmt.Errorf("complete with slot %d: %w", lease.Index, err)
		}
		return out, nil
	}
}

package device

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Loopback is an in-process CommandExecutor and Registry. It accepts every
// command against a registered, reachable point and remembers what was
// written per priority slot, which makes engine behavior observable in
// tests and in deployments without a field bus.
type Loopback struct {
	mu          sync.Mutex
	points      map[string]PointInfo
	unreachable map[string]bool
	rejects     map[string]string // point id -> rejection reason
	slots       map[string]map[int]*float64
	latency     time.Duration

	executed []Command
}

func NewLoopback() *Loopback {
	return &Loopback{
		points:      map[string]PointInfo{},
		unreachable: map[string]bool{},
		rejects:     map[string]string{},
		slots:       map[string]map[int]*float64{},
	}
}

// RegisterPoint adds or replaces a point.
func (l *Loopback) RegisterPoint(p PointInfo) {
	l.mu.Lock()
	l.points[p.ID] = p
	l.mu.Unlock()
}

// SetUnreachable marks a point's device as unreachable; Execute then fails
// with ErrUnreachable, like a transport timeout would.
func (l *Loopback) SetUnreachable(pointID string, down bool) {
	l.mu.Lock()
	l.unreachable[pointID] = down
	l.mu.Unlock()
}

// SetReject makes the device reject commands for a point with the given
// reason (synchronous reject, not a transport failure).
func (l *Loopback) SetReject(pointID, reason string) {
	l.mu.Lock()
	if reason == "" {
		delete(l.rejects, pointID)
	} else {
		l.rejects[pointID] = reason
	}
	l.mu.Unlock()
}

// SetLatency adds a fixed per-command delay, useful to exercise dispatch
// timeouts.
func (l *Loopback) SetLatency(d time.Duration) {
	l.mu.Lock()
	l.latency = d
	l.mu.Unlock()
}

func (l *Loopback) Point(_ context.Context, pointID string) (PointInfo, error) {
	l.mu.Lock()
	p, ok := l.points[pointID]
	l.mu.Unlock()
	if !ok {
		return PointInfo{}, ErrPointNotFound
	}
	return p, nil
}

func (l *Loopback) Execute(ctx context.Context, cmd Command) (Receipt, error) {
	l.mu.Lock()
	lat := l.latency
	l.mu.Unlock()

	if lat > 0 {
		t := time.NewTimer(lat)
		select {
		case <-ctx.Done():
			t.Stop()
			return Receipt{}, ctx.Err()
		case <-t.C:
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.points[cmd.PointID]; !ok {
		return Receipt{}, ErrPointNotFound
	}
	if l.unreachable[cmd.PointID] {
		return Receipt{}, ErrUnreachable
	}
	if reason, ok := l.rejects[cmd.PointID]; ok {
		return Receipt{CommandID: uuid.NewString(), Accepted: false, Reason: reason}, nil
	}

	slots := l.slots[cmd.PointID]
	if slots == nil {
		slots = map[int]*float64{}
		l.slots[cmd.PointID] = slots
	}
	switch cmd.Type {
	case CommandWrite:
		v := *cmd.Value
		slots[cmd.Priority] = &v
	case CommandRelease:
		delete(slots, cmd.Priority)
	}

	l.executed = append(l.executed, cmd)
	return Receipt{CommandID: uuid.NewString(), Accepted: true}, nil
}

// EffectiveValue returns the value held by the highest active priority slot
// (lowest slot number), or nil when nothing is written.
func (l *Loopback) EffectiveValue(pointID string) *float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	slots := l.slots[pointID]
	for p := 1; p <= 16; p++ {
		if v, ok := slots[p]; ok {
			return v
		}
	}
	return nil
}

// Executed returns a copy of the accepted commands in dispatch order.
func (l *Loopback) Executed() []Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Command(nil), l.executed...)
}

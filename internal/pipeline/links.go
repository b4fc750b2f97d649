package pipeline

import (
	"context"
	"sync"
	"time"

	"docmigrate/internal/domain"
)

// LinkIndex maps source ids to target ids for the current run. Children
// wait on it until their parent folder has a target.
type LinkIndex struct {
	mu      sync.Mutex
	entries map[string]*link
}

type link struct {
	done     chan struct{}
	targetID string
	failed   bool
}

func NewLinkIndex() *LinkIndex {
	return &LinkIndex{entries: map[string]*link{}}
}

func (l *LinkIndex) entry(sourceID string) *link {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[sourceID]
	if !ok {
		e = &link{done: make(chan struct{})}
		l.entries[sourceID] = e
	}
	return e
}

func (l *LinkIndex) settle(sourceID, targetID string, failed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[sourceID]
	if !ok {
		e = &link{done: make(chan struct{})}
		l.entries[sourceID] = e
	}
	select {
	case <-e.done:
		return
	default:
	}
	e.targetID = targetID
	e.failed = failed
	close(e.done)
}

// Resolve records the target of sourceID and wakes its waiters.
func (l *LinkIndex) Resolve(sourceID, targetID string) {
	l.settle(sourceID, targetID, false)
}

// Fail records that sourceID will never have a target.
func (l *LinkIndex) Fail(sourceID string) {
	l.settle(sourceID, "", true)
}

// Lookup returns the target without waiting.
func (l *LinkIndex) Lookup(sourceID string) (string, bool) {
	e := l.entry(sourceID)
	select {
	case <-e.done:
		return e.targetID, !e.failed
	default:
		return "", false
	}
}

// Wait blocks until sourceID resolves, fails, or rounds waits of round
// each pass. Every failure carries unresolved_parent.
func (l *LinkIndex) Wait(ctx context.Context, sourceID string, rounds int, round time.Duration) (string, error) {
	e := l.entry(sourceID)
	if rounds < 1 {
		rounds = 1
	}
	timer := time.NewTimer(time.Duration(rounds) * round)
	defer timer.Stop()
	select {
	case <-e.done:
		if e.failed {
			return "", domain.Errorf(domain.CodeNoParent, "parent %s has no target", sourceID)
		}
		return e.targetID, nil
	case <-timer.C:
		return "", domain.Errorf(domain.CodeNoParent, "parent %s did not resolve in time", sourceID)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

package engine

import (
	"sync"

	"docmigrate/internal/domain"
)

// Observer receives engine activity for export. Calls come from several
// goroutines.
type Observer interface {
	ItemFinished(system domain.SourceSystem, it domain.MigrationItem, bytes int64)
	Throttled(system domain.SourceSystem, op string)
	Retried(system domain.SourceSystem, code domain.ErrorCode)
	JobTransition(to domain.JobStatus)
	Sample(m domain.MigrationMetrics)
}

type nopObserver struct{}

func (nopObserver) ItemFinished(domain.SourceSystem, domain.MigrationItem, int64) {}
func (nopObserver) Throttled(domain.SourceSystem, string)                         {}
func (nopObserver) Retried(domain.SourceSystem, domain.ErrorCode)                 {}
func (nopObserver) JobTransition(domain.JobStatus)                                {}
func (nopObserver) Sample(domain.MigrationMetrics)                                {}

// liveRuns tracks the jobs driven by this process.
type liveRuns struct {
	mu   sync.Mutex
	runs map[string]*liveRun
}

type liveRun struct {
	// signal carries in-process control requests; the database row is the
	// source of truth, so a full buffer drops the duplicate.
	signal chan string
	done   chan struct{}
	job    domain.MigrationJob
	err    error
}

func newLiveRuns() *liveRuns {
	return &liveRuns{runs: map[string]*liveRun{}}
}

func (l *liveRuns) claim(jobID string) (*liveRun, error) {
	lr := &liveRun{signal: make(chan string, 1), done: make(chan struct{})}
	if l == nil {
		return lr, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.runs[jobID]; ok {
		select {
		case <-cur.done:
		default:
			return nil, ErrAlreadyRunning
		}
	}
	l.runs[jobID] = lr
	return lr, nil
}

// release publishes the result. The entry stays so Wait can still read it.
func (l *liveRuns) release(_ string, lr *liveRun, job domain.MigrationJob, err error) {
	lr.job, lr.err = job, err
	close(lr.done)
}

func (l *liveRuns) get(jobID string) *liveRun {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runs[jobID]
}

func (l *liveRuns) running(jobID string) bool {
	lr := l.get(jobID)
	if lr == nil {
		return false
	}
	select {
	case <-lr.done:
		return false
	default:
		return true
	}
}

func (l *liveRuns) signal(jobID, request string) {
	lr := l.get(jobID)
	if lr == nil {
		return
	}
	select {
	case lr.signal <- request:
	default:
	}
}

package broadcaster

import (
	"sync"
	"time"
)

type TypingStatus int

const (
	TypingIdle TypingStatus = iota
	TypingActive
)

func (s TypingStatus) String() string {
	if s == TypingActive {
		return "typing"
	}

	return "idle"
}

// TypingState is the typing sub-state of an active session. Every transition
// bumps generation, so an expiry callback scheduled for an older generation is
// rejected by Expire even when its timer could not be stopped in time.
type TypingState struct {
	mu         sync.Mutex
	timeout    time.Duration
	status     TypingStatus
	generation uint64
	timer      *time.Timer
}

func NewTypingState(timeout time.Duration) *TypingState {
	return &TypingState{
		timeout: timeout,
	}
}

// Start moves to typing and (re)arms the inactivity timer. It reports whether
// this was an idle -> typing transition, the only case worth announcing.
func (t *TypingState) Start(onExpire func(generation uint64)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	started := t.status == TypingIdle

	t.stopTimerLocked()
	t.status = TypingActive
	t.generation++

	generation := t.generation
	t.timer = time.AfterFunc(t.timeout, func() {
		onExpire(generation)
	})

	return started
}

// Stop cancels the pending timer and reports whether the state was typing.
func (t *TypingState) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status == TypingIdle {
		return false
	}

	t.stopTimerLocked()
	t.status = TypingIdle
	t.generation++

	return true
}

// Expire applies an inactivity timeout. Stale generations are ignored.
func (t *TypingState) Expire(generation uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status == TypingIdle || generation != t.generation {
		return false
	}

	t.timer = nil
	t.status = TypingIdle
	t.generation++

	return true
}

func (t *TypingState) Status() TypingStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.status
}

func (t *TypingState) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

package batch

import (
	"log/slog"
	"sync"
	"time"
)

// timerSlot names one of the uploader's one-shot timers. Each slot holds at
// most one pending timer.
type timerSlot string

const (
	slotRecord      timerSlot = "record"
	slotUpload      timerSlot = "upload"
	slotUploadRetry timerSlot = "upload_retry"
)

// timerEntry tracks a scheduled timer.
type timerEntry struct {
	timer     *time.Timer
	expiresAt time.Time
}

// slotTimers runs one-shot callbacks on their own goroutines. It is not safe
// for concurrent use; the owning uploader serializes calls with its mutex.
// Every callback is tracked by wg so the owner can wait for in-flight ones.
type slotTimers struct {
	timers map[timerSlot]*timerEntry
	wg     *sync.WaitGroup
	now    func() time.Time
}

func newSlotTimers(wg *sync.WaitGroup, now func() time.Time) *slotTimers {
	return &slotTimers{
		timers: make(map[timerSlot]*timerEntry),
		wg:     wg,
		now:    now,
	}
}

// schedule replaces any pending timer in slot with one firing fn after delay.
// A non-positive delay fires fn as soon as possible.
func (t *slotTimers) schedule(slot timerSlot, delay time.Duration, fn func()) time.Time {
	t.cancel(slot)
	if delay < 0 {
		delay = 0
	}
	expiresAt := t.now().Add(delay)

	t.wg.Add(1)
	entry := &timerEntry{expiresAt: expiresAt}
	entry.timer = time.AfterFunc(delay, func() {
		defer t.wg.Done()
		slog.Debug("slotTimers: timer fired", "slot", slot)
		fn()
	})
	t.timers[slot] = entry

	slog.Debug("slotTimers.schedule: timer scheduled", "slot", slot, "delay", delay)
	return expiresAt
}

// cancel stops the pending timer in slot, if any.
func (t *slotTimers) cancel(slot timerSlot) {
	entry, ok := t.timers[slot]
	if !ok {
		return
	}
	// Stop reports false when the callback already started; that callback
	// releases its own wait group slot.
	if entry.timer.Stop() {
		t.wg.Done()
	}
	delete(t.timers, slot)
}

// pending reports whether slot holds a timer that has not been cancelled.
// A timer that already fired stays pending until it is rescheduled or cancelled.
func (t *slotTimers) pending(slot timerSlot) bool {
	_, ok := t.timers[slot]
	return ok
}

// stopAll cancels every pending timer.
func (t *slotTimers) stopAll() {
	for slot := range t.timers {
		t.cancel(slot)
	}
	slog.Debug("slotTimers.stopAll: all timers stopped")
}

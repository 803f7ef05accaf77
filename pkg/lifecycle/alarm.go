package lifecycle

import (
	"sync"
	"time"
)

// TimerAlarm is the production AlarmScheduler: a single time.Timer whose
// rescheduling always supersedes the previous wake-up. It is not a queue —
// at most one alarm is outstanding.
type TimerAlarm struct {
	mu    sync.Mutex
	timer *time.Timer
	fire  func()
	now   func() time.Time
}

// NewTimerAlarm builds a scheduler that invokes fire when the alarm goes
// off. fire runs on the timer's goroutine.
func NewTimerAlarm(fire func()) *TimerAlarm {
	return &TimerAlarm{fire: fire, now: time.Now}
}

// ScheduleAlarm replaces any previously scheduled wake-up with one at the
// given time. Times in the past fire immediately.
func (a *TimerAlarm) ScheduleAlarm(at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timer != nil {
		a.timer.Stop()
	}
	d := at.Sub(a.now())
	if d < 0 {
		d = 0
	}
	a.timer = time.AfterFunc(d, a.fire)
}

// Stop cancels the outstanding alarm, if any.
func (a *TimerAlarm) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

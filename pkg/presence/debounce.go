package presence

import (
	"strings"
	"time"
)

const DefaultTypingInterval = 2500 * time.Millisecond

// Debouncer turns raw input changes into typing_started/typing_stopped signals.
//
// The first non-empty input emits "started"; each further input pushes the idle
// deadline out. When the deadline passes, the input is cleared, Stop is called or
// the conversation changes, "stopped" is emitted once.
//
// Timer fires are handed to post, which must run the callback on the same
// goroutine that calls the other methods.
type Debouncer struct {
	interval time.Duration
	send     func(conversationID int64, typing bool)
	post     func(func())

	active bool
	convID int64
	timer  *time.Timer
	gen    uint64
}

func NewDebouncer(interval time.Duration, send func(conversationID int64, typing bool), post func(func())) *Debouncer {
	if interval <= 0 {
		interval = DefaultTypingInterval
	}
	if post == nil {
		post = func(fn func()) { fn() }
	}
	return &Debouncer{interval: interval, send: send, post: post}
}

// Input reports the current composer text for the conversation.
func (d *Debouncer) Input(conversationID int64, text string) {
	if d == nil || conversationID == 0 {
		return
	}
	if strings.TrimSpace(text) == "" {
		d.Stop()
		return
	}
	if d.active && d.convID != conversationID {
		d.Stop()
	}
	if !d.active {
		d.active = true
		d.convID = conversationID
		d.emit(conversationID, true)
	}
	d.schedule()
}

// Stop cancels the idle timer and emits "stopped" if a started signal is outstanding.
func (d *Debouncer) Stop() {
	if d == nil {
		return
	}
	d.cancelTimer()
	if !d.active {
		return
	}
	d.active = false
	convID := d.convID
	d.convID = 0
	d.emit(convID, false)
}

// Active reports whether a started signal is outstanding.
func (d *Debouncer) Active() (int64, bool) {
	if d == nil || !d.active {
		return 0, false
	}
	return d.convID, true
}

func (d *Debouncer) schedule() {
	d.cancelTimer()
	gen := d.gen
	d.timer = time.AfterFunc(d.interval, func() {
		d.post(func() {
			if gen != d.gen {
				return
			}
			d.timer = nil
			d.Stop()
		})
	})
}

func (d *Debouncer) cancelTimer() {
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Debouncer) emit(conversationID int64, typing bool) {
	if d.send != nil {
		d.send(conversationID, typing)
	}
}

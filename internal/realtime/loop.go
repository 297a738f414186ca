package realtime

import (
	"errors"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrSubmitTimeout is returned when the loop does not pick up or finish a
// submitted task within the caller's deadline.
var ErrSubmitTimeout = errors.New("realtime loop: submit timed out")

// ErrLoopStopped is returned for submissions to a stopped loop.
var ErrLoopStopped = errors.New("realtime loop: not running")

const defaultSubmitTimeout = 10 * time.Second

// eventLoop serializes all transport mutations on one goroutine. External
// callers marshal work in via Submit and block on the result, bounded by
// a timeout; this replaces ad hoc locking around the connection.
type eventLoop struct {
	tasks chan task
	stop  chan struct{}
	done  chan struct{}
}

type task struct {
	fn     func() error
	result chan error
}

func newEventLoop() *eventLoop {
	l := &eventLoop{
		tasks: make(chan task),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *eventLoop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.stop:
			return
		case t := <-l.tasks:
			t.result <- l.exec(t.fn)
		}
	}
}

func (l *eventLoop) exec(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).
				Msg("realtime loop task panic")
			err = errors.New("realtime loop: task panicked")
		}
	}()
	return fn()
}

// Submit runs fn on the loop and waits for its result up to timeout.
// A zero timeout means the 10 s default.
func (l *eventLoop) Submit(fn func() error, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultSubmitTimeout
	}
	t := task{fn: fn, result: make(chan error, 1)}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case l.tasks <- t:
	case <-l.done:
		return ErrLoopStopped
	case <-timer.C:
		return ErrSubmitTimeout
	}
	select {
	case err := <-t.result:
		return err
	case <-timer.C:
		return ErrSubmitTimeout
	}
}

// Stop terminates the loop and waits for the goroutine to exit.
func (l *eventLoop) Stop() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
	select {
	case <-l.done:
	case <-time.After(3 * time.Second):
		log.Warn().Msg("realtime loop did not stop within timeout")
	}
}

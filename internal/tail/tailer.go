// Package tail streams newly appended lines from the game log. It detects
// external truncation (the launcher recreates the log on every session),
// survives the file going missing, and supports a one-shot mode that
// reads to EOF and returns.
package tail

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const (
	retryBackoffStart = time.Second
	retryBackoffCap   = 30 * time.Second
	defaultPoll       = 500 * time.Millisecond
)

// Config selects the file and read mode.
type Config struct {
	Path string

	// PollInterval drives the stat fallback for filesystems where
	// fsnotify is unreliable (network drives). Zero means 500 ms.
	PollInterval time.Duration

	// FromStart reads the whole existing file before following appends.
	FromStart bool

	// OneShot reads the file once to EOF and returns without following.
	OneShot bool
}

// Tailer follows one log file. It exclusively owns its byte position;
// lines and truncation notices are handed to the callbacks on the tailer
// goroutine, in file order.
type Tailer struct {
	cfg        Config
	onLine     func(line string)
	onTruncate func()

	mu   sync.Mutex
	pos  int64
	stop chan struct{}
	done chan struct{}
}

// New creates a tailer. onTruncate may be nil.
func New(cfg Config, onLine func(string), onTruncate func()) *Tailer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPoll
	}
	return &Tailer{
		cfg:        cfg,
		onLine:     onLine,
		onTruncate: onTruncate,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Position returns the current byte offset into the file.
func (t *Tailer) Position() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pos
}

func (t *Tailer) setPos(p int64) {
	t.mu.Lock()
	t.pos = p
	t.mu.Unlock()
}

// Start launches the tailer goroutine. In one-shot mode the goroutine
// exits after EOF; Done() can be used to wait for it.
func (t *Tailer) Start() {
	go t.run()
}

// Stop asks the tailer to exit and waits for it, bounded.
func (t *Tailer) Stop() {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
	select {
	case <-t.done:
	case <-time.After(5 * time.Second):
		log.Warn().Str("path", t.cfg.Path).Msg("tailer did not stop within timeout")
	}
}

// Done is closed when the tailer goroutine has exited.
func (t *Tailer) Done() <-chan struct{} { return t.done }

func (t *Tailer) run() {
	defer close(t.done)

	f := t.openWithRetry()
	if f == nil {
		return
	}
	defer func() { _ = f.Close() }()

	if !t.cfg.FromStart && !t.cfg.OneShot {
		if st, err := f.Stat(); err == nil {
			t.setPos(st.Size())
		}
	}

	if t.cfg.OneShot {
		if f = t.readNew(f); f != nil {
			_ = f.Close()
			f = nil
		}
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("fsnotify unavailable, falling back to polling only")
	} else {
		defer func() { _ = watcher.Close() }()
		if err := watcher.Add(dirOf(t.cfg.Path)); err != nil {
			log.Warn().Err(err).Str("path", t.cfg.Path).Msg("watch failed, polling only")
		}
	}

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	// Catch up on anything already in the file before waiting on events.
	f = t.readNew(f)

	for {
		if f == nil {
			f = t.openWithRetry()
			if f == nil {
				return
			}
		}
		var events <-chan fsnotify.Event
		var werrs <-chan error
		if watcher != nil {
			events = watcher.Events
			werrs = watcher.Errors
		}
		select {
		case <-t.stop:
			if f != nil {
				_ = f.Close()
				f = nil
			}
			return
		case ev := <-events:
			if ev.Name != t.cfg.Path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			f = t.readNew(f)
		case err := <-werrs:
			if err != nil {
				log.Debug().Err(err).Msg("watcher error")
			}
		case <-ticker.C:
			f = t.readNew(f)
		}
	}
}

// openWithRetry opens the log with exponential backoff, honoring stop.
// Returns nil only when stopping.
func (t *Tailer) openWithRetry() *os.File {
	backoff := retryBackoffStart
	for {
		f, err := os.Open(t.cfg.Path)
		if err == nil {
			return f
		}
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", t.cfg.Path).Msg("log open failed")
		}
		select {
		case <-t.stop:
			return nil
		case <-time.After(backoff):
		}
		if backoff < retryBackoffCap {
			backoff *= 2
			if backoff > retryBackoffCap {
				backoff = retryBackoffCap
			}
		}
	}
}

// readNew consumes bytes appended since the last position. A shrink below
// the current position means the log was truncated or replaced: the reset
// callback fires once and reading restarts from zero. Returns the file
// handle to keep using, or nil when it must be reopened.
func (t *Tailer) readNew(f *os.File) *os.File {
	st, err := os.Stat(t.cfg.Path)
	if err != nil {
		log.Debug().Err(err).Str("path", t.cfg.Path).Msg("log stat failed, reopening")
		_ = f.Close()
		return nil
	}

	pos := t.Position()
	if st.Size() < pos {
		log.Info().Int64("size", st.Size()).Int64("position", pos).
			Msg("log truncated, rewinding to start")
		if t.onTruncate != nil {
			t.onTruncate()
		}
		pos = 0
		t.setPos(0)
		// The file may have been replaced rather than truncated in place.
		_ = f.Close()
		f, err = os.Open(t.cfg.Path)
		if err != nil {
			return nil
		}
	}

	if _, err := f.Seek(pos, io.SeekStart); err != nil {
		log.Warn().Err(err).Msg("log seek failed, reopening")
		_ = f.Close()
		return nil
	}

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if err == nil {
			pos += int64(len(line))
			t.setPos(pos)
			t.emit(line)
			continue
		}
		if errors.Is(err, io.EOF) {
			// In one-shot mode a trailing partial line still counts.
			if t.cfg.OneShot && line != "" {
				pos += int64(len(line))
				t.setPos(pos)
				t.emit(line)
			}
			// Otherwise leave the partial for the next write event.
			return f
		}
		log.Warn().Err(err).Msg("log read failed")
		_ = f.Close()
		return nil
	}
}

func (t *Tailer) emit(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return
	}
	t.onLine(line)
}

func dirOf(path string) string {
	i := strings.LastIndexAny(path, `/\`)
	if i < 0 {
		return "."
	}
	return path[:i]
}

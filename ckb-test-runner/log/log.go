// Package log watches the log file of a running CKB node and checks its
// entries against assertions.
package log

import (
	"fmt"
	"regexp"
	"time"

	"github.com/hpcloud/tail"
	"github.com/hpcloud/tail/watch"
)

// TimeLayout is the timestamp layout of CKB log entries.
const TimeLayout = "2006-01-02 15:04:05.000 -07:00"

// CKB writes entries as "<time> <thread> <level> <target>  <message>".
var entryRe = regexp.MustCompile(
	`^(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{3} [+-]\d{2}:\d{2}) (\S+) (TRACE|DEBUG|INFO|WARN|ERROR) (\S+)\s+(.*)$`,
)

// Entry is a single line of a node log.
type Entry struct {
	Time    time.Time
	Thread  string
	Level   string
	Target  string
	Message string

	// Raw is the line as written. Lines which are not entries, such as
	// backtraces, only carry Raw.
	Raw string
}

// Structured returns true iff the line was parsed as a log entry.
func (e *Entry) Structured() bool {
	return e.Level != ""
}

// ParseEntry parses a node log line.
func ParseEntry(line string) *Entry {
	e := &Entry{Raw: line}
	m := entryRe.FindStringSubmatch(line)
	if m == nil {
		return e
	}
	t, err := time.Parse(TimeLayout, m[1])
	if err != nil {
		return e
	}
	e.Time = t
	e.Thread, e.Level, e.Target, e.Message = m[2], m[3], m[4], m[5]
	return e
}

// WatcherHandlerFactory creates a handler per watched log.
type WatcherHandlerFactory interface {
	New() (WatcherHandler, error)
}

// WatcherHandler checks the entries of a node log.
type WatcherHandler interface {
	// Entry is called for each line.
	Entry(*Entry) error

	// Finish is called after the log file has been closed.
	Finish() error
}

// Watcher follows a node log.
type Watcher struct {
	name string

	tail  *tail.Tail
	errCh chan error
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// Name is the name of the node writing the log.
	Name string
	File string

	Handlers []WatcherHandler
}

// Name returns the name of the node writing the log.
func (l *Watcher) Name() string {
	return l.name
}

// Cleanup stops watching the log.
func (l *Watcher) Cleanup() {
	if l.tail == nil {
		return
	}

	// Give the poller two rounds to pick up the remaining lines.
	time.Sleep(2 * watch.POLL_DURATION)

	_ = l.tail.Stop()
	l.tail = nil
}

// Errors returns a channel that receives the first handler error, or nil,
// once the watcher is stopped.
func (l *Watcher) Errors() <-chan error {
	return l.errCh
}

// NewWatcher starts following a node log. The node creates the file when it
// starts, so it does not need to exist yet.
func NewWatcher(cfg *WatcherConfig) (*Watcher, error) {
	t, err := tail.TailFile(cfg.File, tail.Config{
		ReOpen: true,
		Poll:   true,
		Follow: true,
		Logger: tail.DiscardingLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("log: %s: failed to follow %s: %w", cfg.Name, cfg.File, err)
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)

		var err error
		for line := range t.Lines {
			if line.Text == "" || err != nil {
				continue
			}
			entry := ParseEntry(line.Text)
			for _, h := range cfg.Handlers {
				if err = h.Entry(entry); err != nil {
					break
				}
			}
		}
		if err == nil {
			for _, h := range cfg.Handlers {
				if err = h.Finish(); err != nil {
					break
				}
			}
		}

		errCh <- err
	}()

	return &Watcher{
		name:  cfg.Name,
		tail:  t,
		errCh: errCh,
	}, nil
}

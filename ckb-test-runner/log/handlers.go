package log

import (
	"fmt"
	"regexp"
	"strings"
)

// LevelError is the level of entries logged for failures.
const LevelError = "ERROR"

type rejectHandler struct {
	match   func(*Entry) bool
	message string
}

func (h *rejectHandler) Entry(e *Entry) error {
	if h.match(e) {
		return fmt.Errorf("log: %s: %s", h.message, e.Raw)
	}
	return nil
}

func (h *rejectHandler) Finish() error {
	return nil
}

type rejectHandlerFactory struct {
	level   string
	pattern string
	message string

	match func(*Entry) bool
}

func (fac *rejectHandlerFactory) New() (WatcherHandler, error) {
	if fac.match != nil {
		return &rejectHandler{match: fac.match, message: fac.message}, nil
	}
	re, err := regexp.Compile(fac.pattern)
	if err != nil {
		return nil, fmt.Errorf("log: invalid pattern '%s': %w", fac.pattern, err)
	}
	level := fac.level
	return &rejectHandler{
		match: func(e *Entry) bool {
			if level != "" && e.Level != level {
				return false
			}
			return re.MatchString(e.Message)
		},
		message: fac.message,
	}, nil
}

// AssertNotLogged fails on the first entry of the given level whose message
// matches the pattern. An empty level matches entries of any level.
func AssertNotLogged(level, pattern, message string) WatcherHandlerFactory {
	return &rejectHandlerFactory{level: level, pattern: pattern, message: message}
}

// AssertNoPanics fails if the node panics. The panic hook logs under the
// "panic" target, Rust writes unhooked panics to the log as plain lines.
func AssertNoPanics() WatcherHandlerFactory {
	return &rejectHandlerFactory{
		message: "node panicked",
		match: func(e *Entry) bool {
			return e.Target == "panic" || strings.Contains(e.Raw, "panicked at")
		},
	}
}

// AssertNoInvalidBlocks fails if the node rejects a block as invalid, be it
// mined locally or relayed by a peer.
func AssertNoInvalidBlocks() WatcherHandlerFactory {
	return AssertNotLogged(LevelError, `BlockIsInvalid|block verify error|InvalidBlock`, "node rejected a block")
}

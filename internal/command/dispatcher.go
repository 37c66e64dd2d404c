// Package command parses prefixed chat messages and runs the matching
// operator command.
//
// A message is a command when, after normalisation, it starts with the
// configured prefix and has at least one character after it. The text after
// the prefix is split at the first whitespace and the first token is looked
// up exactly in the command table. Trailing tokens are ignored.
package command

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/antzucaro/matchr"
)

// UnknownReply is sent when a prefixed message names no known command.
const UnknownReply = "Command not recognised"

// suggestThreshold is the minimum Jaro-Winkler similarity for a "did you
// mean" hint.
const suggestThreshold = 0.8

// markupRE matches chat markup tags such as <b> or <a href="...">.
var markupRE = regexp.MustCompile(`<[^<]+?>`)

// Outcome classifies a dispatched message.
type Outcome int

const (
	// NotCommand means the message did not carry the prefix. Nothing was
	// replied.
	NotCommand Outcome = iota

	// Unknown means the prefixed token matched no command.
	Unknown

	// Executed means a command handler ran.
	Executed
)

// String returns the outcome label used in metrics.
func (o Outcome) String() string {
	switch o {
	case NotCommand:
		return "not_command"
	case Unknown:
		return "unknown"
	case Executed:
		return "executed"
	default:
		return "invalid"
	}
}

// Handler runs one command and returns the reply text. An empty reply sends
// nothing.
type Handler func(ctx context.Context) string

// ReplyFunc delivers reply text to the chat the command came from.
type ReplyFunc func(text string) error

// Result describes the outcome of [Dispatcher.Dispatch].
type Result struct {
	Outcome Outcome
	// Command is the looked-up token, empty for NotCommand.
	Command string
	// Reply is the text that was sent, if any.
	Reply string
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithSuggestions appends a "did you mean" hint to the unknown-command reply
// when a registered command is similar enough.
func WithSuggestions(on bool) Option {
	return func(d *Dispatcher) { d.suggest = on }
}

// WithObserver registers a callback invoked after every prefixed message.
func WithObserver(fn func(ctx context.Context, r Result)) Option {
	return func(d *Dispatcher) { d.observe = fn }
}

// Dispatcher routes chat messages to command handlers.
//
// The command table is fixed at construction. The prefix can be swapped at
// runtime with [Dispatcher.SetPrefix]. All methods are safe for concurrent
// use.
type Dispatcher struct {
	table   map[string]Handler
	names   []string
	reply   ReplyFunc
	suggest bool
	observe func(ctx context.Context, r Result)

	mu     sync.RWMutex
	prefix string
}

// New returns a Dispatcher for the given prefix and command table. Command
// names are normalised to lowercase. reply may be nil, in which case replies
// are only returned in [Result].
func New(prefix string, table map[string]Handler, reply ReplyFunc, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		table:  make(map[string]Handler, len(table)),
		reply:  reply,
		prefix: strings.ToLower(prefix),
	}
	for name, h := range table {
		name = strings.ToLower(name)
		d.table[name] = h
		d.names = append(d.names, name)
	}
	sort.Strings(d.names)
	for _, o := range opts {
		o(d)
	}
	return d
}

// Normalize strips markup tags and lowercases msg. Whitespace is kept, so a
// message with leading blanks never starts with the prefix.
func Normalize(msg string) string {
	return strings.ToLower(markupRE.ReplaceAllString(msg, ""))
}

// Prefix returns the current command prefix.
func (d *Dispatcher) Prefix() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.prefix
}

// SetPrefix replaces the command prefix.
func (d *Dispatcher) SetPrefix(prefix string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prefix = strings.ToLower(prefix)
}

// Commands returns the registered command names in sorted order.
func (d *Dispatcher) Commands() []string {
	return append([]string(nil), d.names...)
}

// Parse extracts the command token from msg: everything after the prefix up
// to the first whitespace. ok is false when msg lacks the prefix or has
// nothing after it. Whitespace right after the prefix yields ok with an
// empty token, which no command matches.
func (d *Dispatcher) Parse(msg string) (token string, ok bool) {
	prefix := d.Prefix()
	norm := Normalize(msg)
	if prefix == "" || !strings.HasPrefix(norm, prefix) {
		return "", false
	}
	rest := norm[len(prefix):]
	if rest == "" {
		return "", false
	}
	if i := strings.IndexFunc(rest, unicode.IsSpace); i >= 0 {
		rest = rest[:i]
	}
	return rest, true
}

// Dispatch parses msg and runs the matching command.
//
// Messages without the prefix are ignored silently. Unknown commands get
// [UnknownReply] and change nothing. A failed reply is logged and does not
// affect the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, msg string) Result {
	token, ok := d.Parse(msg)
	if !ok {
		return Result{Outcome: NotCommand}
	}

	res := Result{Command: token}
	if h, found := d.table[token]; found {
		res.Outcome = Executed
		res.Reply = h(ctx)
		slog.Info("command: executed", "command", token)
	} else {
		res.Outcome = Unknown
		res.Reply = UnknownReply
		if hint := d.suggestion(token); hint != "" {
			res.Reply += ". Did you mean " + d.Prefix() + hint + "?"
		}
		slog.Debug("command: unknown", "token", token)
	}

	if res.Reply != "" && d.reply != nil {
		if err := d.reply(res.Reply); err != nil {
			slog.Warn("command: reply failed", "command", token, "err", err)
		}
	}
	if d.observe != nil {
		d.observe(ctx, res)
	}
	return res
}

// suggestion returns the closest registered command to token, or "".
func (d *Dispatcher) suggestion(token string) string {
	if !d.suggest || token == "" {
		return ""
	}
	best, bestScore := "", 0.0
	for _, name := range d.names {
		if s := matchr.JaroWinkler(token, name, false); s > bestScore {
			best, bestScore = name, s
		}
	}
	if bestScore < suggestThreshold {
		return ""
	}
	return best
}

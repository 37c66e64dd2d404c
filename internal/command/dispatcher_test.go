package command

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// recorder collects replies and command invocations.
type recorder struct {
	mu      sync.Mutex
	replies []string
	ran     []string
}

func (r *recorder) reply(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, text)
	return nil
}

func (r *recorder) handler(name, reply string) Handler {
	return func(context.Context) string {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.ran = append(r.ran, name)
		return reply
	}
}

func newTestDispatcher(r *recorder, opts ...Option) *Dispatcher {
	return New("!", map[string]Handler{
		"connect":    r.handler("connect", "Icecast stream started"),
		"disconnect": r.handler("disconnect", "Icecast streaming stopped"),
		"status":     r.handler("status", "Icecast stream is disconnected"),
	}, r.reply, opts...)
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"!connect", "!connect"},
		{"!CONNECT", "!connect"},
		{"  !Connect  ", "  !connect  "},
		{"<b>!Status</b>", "!status"},
		{`<a href="https://example.org">!connect</a> now`, "!connect now"},
		{"<br/>", ""},
		{"", ""},
	}
	for _, tc := range tests {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParse(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(&recorder{})
	tests := []struct {
		msg       string
		wantToken string
		wantOK    bool
	}{
		{"!connect", "connect", true},
		{"!connect please now", "connect", true},
		{"!status\tverbose", "status", true},
		{"<i>!Disconnect</i>", "disconnect", true},
		{"!", "", false},
		{"!  connect", "", true},
		{"! ", "", true},
		{"!\tstatus", "", true},
		{"   !connect", "", false},
		{"   !   ", "", false},
		{"hello !connect", "", false},
		{"connect", "", false},
		{"!foo", "foo", true},
	}
	for _, tc := range tests {
		token, ok := d.Parse(tc.msg)
		if token != tc.wantToken || ok != tc.wantOK {
			t.Errorf("Parse(%q) = (%q, %v), want (%q, %v)", tc.msg, token, ok, tc.wantToken, tc.wantOK)
		}
	}
}

func TestDispatch_Executes(t *testing.T) {
	t.Parallel()
	r := &recorder{}
	d := newTestDispatcher(r)

	res := d.Dispatch(context.Background(), "!connect")
	if res.Outcome != Executed || res.Command != "connect" {
		t.Fatalf("result = %+v, want executed connect", res)
	}
	if len(r.ran) != 1 || r.ran[0] != "connect" {
		t.Fatalf("ran = %v, want [connect]", r.ran)
	}
	if len(r.replies) != 1 || r.replies[0] != "Icecast stream started" {
		t.Fatalf("replies = %v", r.replies)
	}
}

func TestDispatch_UnknownCommand(t *testing.T) {
	t.Parallel()
	r := &recorder{}
	d := newTestDispatcher(r)

	res := d.Dispatch(context.Background(), "!foo")
	if res.Outcome != Unknown {
		t.Fatalf("outcome = %v, want unknown", res.Outcome)
	}
	if len(r.ran) != 0 {
		t.Fatalf("handlers ran for unknown command: %v", r.ran)
	}
	if len(r.replies) != 1 || r.replies[0] != UnknownReply {
		t.Fatalf("replies = %v, want [%q]", r.replies, UnknownReply)
	}
}

func TestDispatch_BlankAfterPrefixIsUnknown(t *testing.T) {
	t.Parallel()

	for _, msg := range []string{"!  connect", "! ", "!\n"} {
		r := &recorder{}
		d := newTestDispatcher(r, WithSuggestions(true))
		res := d.Dispatch(context.Background(), msg)
		if res.Outcome != Unknown || res.Command != "" {
			t.Errorf("Dispatch(%q) = %+v, want unknown with empty command", msg, res)
		}
		if len(r.ran) != 0 {
			t.Errorf("Dispatch(%q) ran %v", msg, r.ran)
		}
		if len(r.replies) != 1 || r.replies[0] != UnknownReply {
			t.Errorf("Dispatch(%q) replies = %v, want [%q]", msg, r.replies, UnknownReply)
		}
	}
}

func TestDispatch_NoPrefixIsIgnored(t *testing.T) {
	t.Parallel()
	r := &recorder{}
	d := newTestDispatcher(r)

	for _, msg := range []string{"hello", "connect", "!", "", "  !connect", " !status"} {
		if res := d.Dispatch(context.Background(), msg); res.Outcome != NotCommand {
			t.Errorf("Dispatch(%q) outcome = %v, want not_command", msg, res.Outcome)
		}
	}
	if len(r.replies) != 0 || len(r.ran) != 0 {
		t.Fatalf("non-commands produced replies=%v ran=%v", r.replies, r.ran)
	}
}

func TestDispatch_ExactLookup(t *testing.T) {
	t.Parallel()
	r := &recorder{}
	d := newTestDispatcher(r)

	// Prefix matches of command names are not commands.
	if res := d.Dispatch(context.Background(), "!conn"); res.Outcome != Unknown {
		t.Fatalf("!conn outcome = %v, want unknown", res.Outcome)
	}
	if res := d.Dispatch(context.Background(), "!connected"); res.Outcome != Unknown {
		t.Fatalf("!connected outcome = %v, want unknown", res.Outcome)
	}
}

func TestDispatch_Suggestions(t *testing.T) {
	t.Parallel()
	r := &recorder{}
	d := newTestDispatcher(r, WithSuggestions(true))

	res := d.Dispatch(context.Background(), "!conect")
	if res.Outcome != Unknown {
		t.Fatalf("outcome = %v, want unknown", res.Outcome)
	}
	if !strings.HasPrefix(res.Reply, UnknownReply) || !strings.Contains(res.Reply, "!connect") {
		t.Fatalf("reply = %q, want unknown reply with !connect hint", res.Reply)
	}

	res = d.Dispatch(context.Background(), "!xyzzy")
	if res.Reply != UnknownReply {
		t.Fatalf("reply = %q, want bare %q for dissimilar token", res.Reply, UnknownReply)
	}
}

func TestSetPrefix(t *testing.T) {
	t.Parallel()
	r := &recorder{}
	d := newTestDispatcher(r)
	d.SetPrefix("?")

	if res := d.Dispatch(context.Background(), "!status"); res.Outcome != NotCommand {
		t.Fatalf("old prefix still accepted: %v", res.Outcome)
	}
	if res := d.Dispatch(context.Background(), "?status"); res.Outcome != Executed {
		t.Fatalf("new prefix rejected: %v", res.Outcome)
	}
}

func TestDispatch_ReplyErrorDoesNotChangeOutcome(t *testing.T) {
	t.Parallel()
	ran := false
	d := New("!", map[string]Handler{
		"status": func(context.Context) string { ran = true; return "ok" },
	}, func(string) error { return errors.New("channel gone") })

	if res := d.Dispatch(context.Background(), "!status"); res.Outcome != Executed || !ran {
		t.Fatalf("result = %+v ran=%v", res, ran)
	}
}

func TestDispatch_Observer(t *testing.T) {
	t.Parallel()
	var seen []Result
	r := &recorder{}
	d := newTestDispatcher(r, WithObserver(func(_ context.Context, res Result) {
		seen = append(seen, res)
	}))

	d.Dispatch(context.Background(), "!status")
	d.Dispatch(context.Background(), "!nope")
	d.Dispatch(context.Background(), "chatter")

	if len(seen) != 2 {
		t.Fatalf("observer saw %d results, want 2", len(seen))
	}
	if seen[0].Outcome != Executed || seen[1].Outcome != Unknown {
		t.Fatalf("observer results = %+v", seen)
	}
}

func TestCommands_Sorted(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(&recorder{})
	got := strings.Join(d.Commands(), ",")
	if got != "connect,disconnect,status" {
		t.Fatalf("Commands = %s", got)
	}
}

package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voxcast/pkg/audio"
	audiomock "github.com/MrWong99/voxcast/pkg/audio/mock"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestReconnector_Connect(t *testing.T) {
	t.Parallel()

	t.Run("successful initial connection", func(t *testing.T) {
		t.Parallel()
		conn := &audiomock.VoiceConnection{}
		platform := &audiomock.Platform{ConnectResults: []*audiomock.VoiceConnection{conn}}

		r := NewReconnector(ReconnectorConfig{Platform: platform, ChannelID: "channel-1"})

		got, err := r.Connect(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != conn {
			t.Error("expected returned connection to match mock")
		}
		if r.Connection() != conn {
			t.Error("expected stored connection to match mock")
		}
		if len(platform.ConnectCalls) != 1 || platform.ConnectCalls[0].ChannelID != "channel-1" {
			t.Errorf("connect calls = %+v", platform.ConnectCalls)
		}
	})

	t.Run("connection failure", func(t *testing.T) {
		t.Parallel()
		platform := &audiomock.Platform{ConnectError: errors.New("auth failed")}
		r := NewReconnector(ReconnectorConfig{Platform: platform, ChannelID: "channel-1"})

		if _, err := r.Connect(context.Background()); err == nil {
			t.Fatal("expected error, got nil")
		}
		if r.Connection() != nil {
			t.Error("expected nil connection after failure")
		}
	})
}

func TestReconnector_Defaults(t *testing.T) {
	t.Parallel()
	r := NewReconnector(ReconnectorConfig{Platform: &audiomock.Platform{}, ChannelID: "ch"})

	want := retryPolicy{attempts: 10, initial: time.Second, max: 30 * time.Second}
	if r.policy != want {
		t.Errorf("policy = %+v, want %+v", r.policy, want)
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	t.Parallel()

	p := retryPolicy{attempts: 10, initial: 100 * time.Millisecond, max: time.Second}
	tests := []struct {
		attempt int
		base    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{50, time.Second},
	}
	for _, tt := range tests {
		for range 20 {
			got := p.delay(tt.attempt)
			if got < tt.base || got >= tt.base+tt.base/10 {
				t.Fatalf("delay(%d) = %v, want in [%v, %v)", tt.attempt, got, tt.base, tt.base+tt.base/10)
			}
		}
	}
}

func TestReconnector_ReconnectOnTransportLoss(t *testing.T) {
	t.Parallel()

	conn1 := &audiomock.VoiceConnection{}
	conn2 := &audiomock.VoiceConnection{}
	platform := &audiomock.Platform{ConnectResults: []*audiomock.VoiceConnection{conn1, conn2}}

	var lost atomic.Int32
	var reconnected atomic.Pointer[audiomock.VoiceConnection]
	r := NewReconnector(ReconnectorConfig{
		Platform:     platform,
		ChannelID:    "channel-1",
		MaxRetries:   3,
		Backoff:      time.Millisecond,
		MaxBackoff:   10 * time.Millisecond,
		OnDisconnect: func() { lost.Add(1) },
		OnReconnect: func(c audio.VoiceConnection) {
			reconnected.Store(c.(*audiomock.VoiceConnection))
		},
	})
	defer r.Stop()

	if _, err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	r.Monitor(t.Context())

	conn1.Drop()

	waitFor(t, "reconnect", func() bool { return reconnected.Load() != nil })
	if got := reconnected.Load(); got != conn2 {
		t.Error("OnReconnect not called with the new connection")
	}
	if got := lost.Load(); got != 1 {
		t.Errorf("OnDisconnect calls = %d, want 1", got)
	}
	if conn1.Disconnects() != 1 {
		t.Errorf("old connection Disconnect calls = %d, want 1", conn1.Disconnects())
	}
	if r.Connection() != conn2 {
		t.Error("Connection() did not switch to the new connection")
	}
}

func TestReconnector_ExponentialBackoff(t *testing.T) {
	t.Parallel()

	conn := &audiomock.VoiceConnection{}
	platform := &audiomock.Platform{
		ConnectResults: []*audiomock.VoiceConnection{conn},
		ConnectError:   errors.New("connection failed"),
		FailFirst:      3,
	}

	var reconnected atomic.Bool
	r := NewReconnector(ReconnectorConfig{
		Platform:    platform,
		ChannelID:   "channel-1",
		MaxRetries:  5,
		Backoff:     time.Millisecond,
		MaxBackoff:  10 * time.Millisecond,
		OnReconnect: func(audio.VoiceConnection) { reconnected.Store(true) },
	})
	defer r.Stop()

	r.Monitor(t.Context())
	r.NotifyDisconnect()

	waitFor(t, "reconnect", reconnected.Load)
	if got := platform.Calls(); got != 4 {
		t.Errorf("connect attempts = %d, want 3 failures + 1 success", got)
	}
}

func TestReconnector_MaxRetriesExhausted(t *testing.T) {
	t.Parallel()

	platform := &audiomock.Platform{ConnectError: errors.New("permanently down")}

	var reconnected atomic.Bool
	r := NewReconnector(ReconnectorConfig{
		Platform:    platform,
		ChannelID:   "channel-1",
		MaxRetries:  2,
		Backoff:     time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		OnReconnect: func(audio.VoiceConnection) { reconnected.Store(true) },
	})
	defer r.Stop()

	r.mu.Lock()
	r.conn = &audiomock.VoiceConnection{}
	r.mu.Unlock()

	r.Monitor(t.Context())
	r.NotifyDisconnect()

	waitFor(t, "retries", func() bool { return platform.Calls() == 2 })
	time.Sleep(20 * time.Millisecond)

	if reconnected.Load() {
		t.Error("OnReconnect called although every attempt failed")
	}
	if got := platform.Calls(); got != 2 {
		t.Errorf("connect attempts = %d, want 2", got)
	}
	if r.Connection() != nil {
		t.Error("dead connection still reported after retries were exhausted")
	}
}

func TestReconnector_StopDoesNotReconnect(t *testing.T) {
	t.Parallel()

	conn := &audiomock.VoiceConnection{}
	platform := &audiomock.Platform{ConnectResults: []*audiomock.VoiceConnection{conn}}

	var lost atomic.Bool
	r := NewReconnector(ReconnectorConfig{
		Platform:     platform,
		ChannelID:    "channel-1",
		Backoff:      time.Millisecond,
		OnDisconnect: func() { lost.Store(true) },
	})

	if _, err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	r.Monitor(t.Context())

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if r.Connection() != nil {
		t.Error("expected nil connection after Stop")
	}
	if conn.Disconnects() != 1 {
		t.Errorf("Disconnect calls = %d, want 1", conn.Disconnects())
	}

	time.Sleep(20 * time.Millisecond)
	if lost.Load() {
		t.Error("Stop was reported as a transport loss")
	}
	if got := platform.Calls(); got != 1 {
		t.Errorf("connect attempts = %d, want only the initial one", got)
	}

	if err := r.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestReconnector_NotifyDisconnectNonBlocking(t *testing.T) {
	t.Parallel()
	r := NewReconnector(ReconnectorConfig{Platform: &audiomock.Platform{}, ChannelID: "ch"})

	r.NotifyDisconnect()
	r.NotifyDisconnect()
	r.NotifyDisconnect()
}

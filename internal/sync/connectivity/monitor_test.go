package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestNew_StartsOffline tests that the cache starts pessimistic
func TestNew_StartsOffline(t *testing.T) {
	m := New(ProbeFunc(func(ctx context.Context) bool { return true }), 0, nil)
	if m.IsOnline() {
		t.Error("IsOnline() = true before any probe, want false")
	}
}

// TestRefresh tests that a probe updates the cache
func TestRefresh(t *testing.T) {
	online := true
	m := New(ProbeFunc(func(ctx context.Context) bool { return online }), 0, nil)

	if got := m.Refresh(context.Background()); !got {
		t.Error("Refresh() = false, want true")
	}
	if !m.IsOnline() {
		t.Error("IsOnline() = false after successful probe, want true")
	}

	online = false
	if got := m.Refresh(context.Background()); got {
		t.Error("Refresh() = true, want false")
	}
	if m.IsOnline() {
		t.Error("IsOnline() = true after failed probe, want false")
	}
}

// TestOnChange_NotifiesOnTransition tests subscriber dispatch
func TestOnChange_NotifiesOnTransition(t *testing.T) {
	m := New(ProbeFunc(func(ctx context.Context) bool { return false }), 0, nil)

	got := make(chan bool, 1)
	unsubscribe := m.OnChange(func(online bool) {
		got <- online
	})
	defer unsubscribe()

	m.SetOnline(true)

	select {
	case online := <-got:
		if !online {
			t.Error("OnChange callback got false, want true")
		}
	case <-time.After(time.Second):
		t.Fatal("OnChange callback not invoked within 1s")
	}
}

// TestOnChange_NoNotifyWithoutTransition tests that repeated states are quiet
func TestOnChange_NoNotifyWithoutTransition(t *testing.T) {
	m := New(ProbeFunc(func(ctx context.Context) bool { return false }), 0, nil)

	got := make(chan bool, 4)
	unsubscribe := m.OnChange(func(online bool) {
		got <- online
	})
	defer unsubscribe()

	// Already offline, so these are not transitions
	m.SetOnline(false)
	m.SetOnline(false)

	select {
	case <-got:
		t.Error("OnChange callback invoked without a state transition")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestOnChange_Unsubscribe tests that removed subscribers stay quiet
func TestOnChange_Unsubscribe(t *testing.T) {
	m := New(ProbeFunc(func(ctx context.Context) bool { return false }), 0, nil)

	got := make(chan bool, 1)
	unsubscribe := m.OnChange(func(online bool) {
		got <- online
	})
	unsubscribe()
	// Double unsubscribe is harmless
	unsubscribe()

	m.SetOnline(true)

	select {
	case <-got:
		t.Error("OnChange callback invoked after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestSetOnline_SlowSubscriberDoesNotBlock tests fire-and-forget dispatch
func TestSetOnline_SlowSubscriberDoesNotBlock(t *testing.T) {
	m := New(ProbeFunc(func(ctx context.Context) bool { return false }), 0, nil)

	release := make(chan struct{})
	unsubscribe := m.OnChange(func(online bool) {
		<-release
	})
	defer unsubscribe()
	defer close(release)

	done := make(chan struct{})
	go func() {
		m.SetOnline(true)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SetOnline() blocked on a slow subscriber")
	}
}

// TestSetOnline_PanickingSubscriberContained tests panic isolation
func TestSetOnline_PanickingSubscriberContained(t *testing.T) {
	m := New(ProbeFunc(func(ctx context.Context) bool { return false }), 0, nil)

	off1 := m.OnChange(func(online bool) {
		panic("subscriber bug")
	})
	defer off1()

	got := make(chan bool, 1)
	off2 := m.OnChange(func(online bool) {
		got <- online
	})
	defer off2()

	m.SetOnline(true)

	// The healthy subscriber still hears the transition
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("Healthy subscriber not invoked alongside panicking one")
	}

	// And the monitor keeps working
	if !m.IsOnline() {
		t.Error("IsOnline() = false, want true")
	}
}

// TestStart_ProbeLoop tests the periodic probe driving transitions
func TestStart_ProbeLoop(t *testing.T) {
	var online bool
	m := New(ProbeFunc(func(ctx context.Context) bool { return online }), 10*time.Millisecond, nil)

	got := make(chan bool, 4)
	unsubscribe := m.OnChange(func(o bool) {
		got <- o
	})
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx)

	// Flip the backend up and wait for the loop to notice
	online = true
	select {
	case o := <-got:
		if !o {
			t.Error("First transition = false, want true")
		}
	case <-time.After(time.Second):
		t.Fatal("Probe loop did not detect backend coming up")
	}

	// Flip it back down
	online = false
	select {
	case o := <-got:
		if o {
			t.Error("Second transition = true, want false")
		}
	case <-time.After(time.Second):
		t.Fatal("Probe loop did not detect backend going down")
	}
}

// TestHTTPProber tests reachability classification
func TestHTTPProber(t *testing.T) {
	t.Run("healthy endpoint", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		p := &HTTPProber{URL: srv.URL}
		if !p.Probe(context.Background()) {
			t.Error("Probe() = false for healthy endpoint, want true")
		}
	})

	t.Run("server error still proves reachability", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		p := &HTTPProber{URL: srv.URL}
		if !p.Probe(context.Background()) {
			t.Error("Probe() = false for 500 response, want true (network path works)")
		}
	})

	t.Run("unreachable endpoint", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close() // Shut down before probing

		p := &HTTPProber{URL: srv.URL}
		if p.Probe(context.Background()) {
			t.Error("Probe() = true for closed server, want false")
		}
	})
}

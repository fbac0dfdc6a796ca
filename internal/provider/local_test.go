package provider

import (
	"context"
	"testing"
	"time"
)

func TestLocalProvider_StopWhileFeedBlocked(t *testing.T) {
	p := NewLocalProvider("local")
	if err := p.Start(context.Background(), SessionConfig{SessionID: "s1"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	// No consumer: the 64-slot buffer fills and feeders block.
	feederDone := make(chan struct{})
	go func() {
		defer close(feederDone)
		for i := 0; i < 100; i++ {
			p.Feed(Result{Text: "x", IsFinal: true})
		}
	}()

	time.Sleep(50 * time.Millisecond)
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	select {
	case <-feederDone:
	case <-time.After(2 * time.Second):
		t.Fatal("feeder still blocked after stop")
	}

	// The result channel must be closed so consumers terminate.
	consumerDone := make(chan struct{})
	go func() {
		for range p.Results() {
		}
		close(consumerDone)
	}()
	select {
	case <-consumerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("results channel not closed after stop")
	}
}

func TestLocalProvider_FeedLifecycle(t *testing.T) {
	p := NewLocalProvider("local")

	if err := p.Feed(Result{Text: "early"}); err == nil {
		t.Error("feed before start must error")
	}

	if err := p.Start(context.Background(), SessionConfig{SessionID: "s1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Feed(Result{Text: "ok", IsFinal: true}); err != nil {
		t.Errorf("feed during session: %v", err)
	}

	if err := p.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := p.Feed(Result{Text: "dropped", IsFinal: true}); err != nil {
		t.Errorf("paused feed drops silently, got %v", err)
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := p.Feed(Result{Text: "late"}); err == nil {
		t.Error("feed after stop must error")
	}

	var got []Result
	for r := range p.Results() {
		got = append(got, r)
	}
	if len(got) != 1 || got[0].Text != "ok" {
		t.Errorf("expected only the mid-session result, got %v", got)
	}
}

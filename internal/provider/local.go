package provider

import (
	"context"
	"fmt"
	"sync"
)

// LocalProvider wraps a host-pushed recognizer (e.g. a browser or on-device
// speech API) behind the uniform Provider contract. The host delivers results
// through Feed; the provider only enforces the lifecycle around them.
type LocalProvider struct {
	id string

	mu      sync.Mutex
	active  bool
	paused  bool
	results chan Result
	done    chan struct{}
	feeds   sync.WaitGroup
}

func NewLocalProvider(id string) *LocalProvider {
	return &LocalProvider{id: id}
}

func (p *LocalProvider) ID() string { return p.id }

func (p *LocalProvider) Available() bool { return true }

func (p *LocalProvider) Start(_ context.Context, _ SessionConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		return fmt.Errorf("provider %s: session already active", p.id)
	}
	p.active = true
	p.paused = false
	p.results = make(chan Result, 64)
	p.done = make(chan struct{})
	return nil
}

// Stop waits for in-flight Feed calls before closing the result channel, so a
// feeder blocked on a full buffer can never hit a closed channel.
func (p *LocalProvider) Stop() error {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return nil
	}
	p.active = false
	close(p.done)
	ch := p.results
	p.mu.Unlock()

	p.feeds.Wait()
	close(ch)
	return nil
}

func (p *LocalProvider) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	return nil
}

func (p *LocalProvider) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	return nil
}

func (p *LocalProvider) Results() <-chan Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.results
}

// Feed delivers one recognition result from the host. Results fed while
// paused or stopped are dropped; a feed blocked on a full buffer unblocks
// (and drops) when the session stops.
func (p *LocalProvider) Feed(res Result) error {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return fmt.Errorf("provider %s: no active session", p.id)
	}
	if p.paused && res.Err == nil {
		p.mu.Unlock()
		return nil
	}
	p.feeds.Add(1)
	ch, done := p.results, p.done
	p.mu.Unlock()
	defer p.feeds.Done()

	select {
	case ch <- res:
	case <-done:
	}
	return nil
}

package network

import (
	"context"
	"sync"
	"time"
)

// transportCall is one recorded request against the fake transport.
type transportCall struct {
	method  string
	url     string
	command string
	fields  map[string]string
	body    interface{}
}

// fakeTransport records every call and answers via a scriptable handler.
// Without a handler every call succeeds with an empty JSON object.
type fakeTransport struct {
	mu      sync.Mutex
	calls   []transportCall
	handler func(call transportCall) (Response, error)
}

func (t *fakeTransport) PostForm(ctx context.Context, url string, fields map[string]string) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	return t.dispatch(transportCall{
		method:  "form",
		url:     url,
		command: fields["command"],
		fields:  copyFields(fields),
	})
}

func (t *fakeTransport) PostJSON(ctx context.Context, url string, body interface{}) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	return t.dispatch(transportCall{
		method:  "json",
		url:     url,
		command: "METADATA",
		body:    body,
	})
}

func (t *fakeTransport) GetJSON(ctx context.Context, url string, query map[string]string) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	return t.dispatch(transportCall{
		method:  "get",
		url:     url,
		command: query["command"],
		fields:  copyFields(query),
	})
}

func (t *fakeTransport) dispatch(call transportCall) (Response, error) {
	t.mu.Lock()
	t.calls = append(t.calls, call)
	handler := t.handler
	t.mu.Unlock()

	if handler == nil {
		return Response{StatusCode: 200, Body: []byte(`{}`)}, nil
	}
	return handler(call)
}

// commands returns the command sequence seen so far.
func (t *fakeTransport) commands() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	commands := make([]string, 0, len(t.calls))
	for _, call := range t.calls {
		commands = append(commands, call.command)
	}
	return commands
}

// callsFor returns the recorded calls carrying the given command.
func (t *fakeTransport) callsFor(command string) []transportCall {
	t.mu.Lock()
	defer t.mu.Unlock()

	var matched []transportCall
	for _, call := range t.calls {
		if call.command == command {
			matched = append(matched, call)
		}
	}
	return matched
}

func copyFields(fields map[string]string) map[string]string {
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return copied
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 4, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// sleepRecorder replaces real sleeping with bookkeeping.
type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	r.mu.Unlock()
	return nil
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration{}, r.sleeps...)
}

// eventRecorder captures progress events.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) OnProgress(event Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *eventRecorder) recorded() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event{}, r.events...)
}

func (r *eventRecorder) phases() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()

	phases := make([]Phase, 0, len(r.events))
	for _, event := range r.events {
		phases = append(phases, event.Phase)
	}
	return phases
}

// zeroJitter makes retry delays deterministic.
func zeroJitter(time.Duration) time.Duration {
	return 0
}

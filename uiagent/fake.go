package uiagent

import (
	"context"
	"sync"
)

// Fake is a scriptable UIAgent for tests, grounded on connector/mock's
// canned-response approach: it never shows a real dialog, it just returns
// whatever the test queued up via Enqueue.
type Fake struct {
	mu        sync.Mutex
	replies   []ParamMap
	canceled  []string
	queries   []ParamMap
	refreshes []ParamMap
}

// NewFake returns an empty Fake; tests call Enqueue before driving a
// SessionCore to control what the next QueryDialog/RefreshDialog returns.
func NewFake() *Fake {
	return &Fake{}
}

// Enqueue appends a canned reply to be returned by the next QueryDialog or
// RefreshDialog call, in FIFO order.
func (f *Fake) Enqueue(reply ParamMap) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, reply)
}

func (f *Fake) next() ParamMap {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.replies) == 0 {
		return ParamMap{KeyError: ResultNoUI}
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return reply
}

func (f *Fake) QueryDialog(_ context.Context, params ParamMap) (ParamMap, error) {
	f.mu.Lock()
	f.queries = append(f.queries, params)
	f.mu.Unlock()
	return f.next(), nil
}

func (f *Fake) RefreshDialog(_ context.Context, params ParamMap) (ParamMap, error) {
	f.mu.Lock()
	f.refreshes = append(f.refreshes, params)
	f.mu.Unlock()
	return f.next(), nil
}

func (f *Fake) CancelUIRequest(requestID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, requestID)
}

// Queries returns every params map passed to QueryDialog, for assertions.
func (f *Fake) Queries() []ParamMap {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ParamMap(nil), f.queries...)
}

// Canceled returns every requestID passed to CancelUIRequest, for assertions.
func (f *Fake) Canceled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.canceled...)
}

var _ Agent = (*Fake)(nil)

package shadowcat

import (
	"errors"
	"sync"

	"github.com/kevinswiber/shadowcat/envelope"
)

var (
	// ErrProxyClosed indicates the proxy is shutting down.
	ErrProxyClosed = errors.New("proxy closed")
	// ErrDuplicateRequestID indicates a request id is already in flight for
	// the session.
	ErrDuplicateRequestID = errors.New("request id already in flight")
)

// pendingCall is the rendezvous for one in-flight request: the forwarding
// goroutine awaits respCh while the response arrives as a separate inbound
// envelope and is fulfilled by id.
type pendingCall struct {
	respCh chan envelope.Envelope
	errCh  chan error
}

// pendingTable correlates responses to in-flight requests. Keys combine the
// session id and the request id, so ids only need to be unique among a
// session's own in-flight requests.
type pendingTable struct {
	mu       sync.Mutex
	calls    map[string]*pendingCall
	closed   bool
	closeErr error
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]*pendingCall)}
}

func pendingKey(sessionID, requestID string) string {
	return sessionID + "|" + requestID
}

// register allocates a rendezvous before the request is sent upstream, so a
// fast response cannot race ahead of the waiter.
func (t *pendingTable) register(sessionID, requestID string) (*pendingCall, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		if t.closeErr != nil {
			return nil, t.closeErr
		}
		return nil, ErrProxyClosed
	}
	key := pendingKey(sessionID, requestID)
	if _, exists := t.calls[key]; exists {
		return nil, ErrDuplicateRequestID
	}
	pc := &pendingCall{
		respCh: make(chan envelope.Envelope, 1),
		errCh:  make(chan error, 1),
	}
	t.calls[key] = pc
	return pc, nil
}

// fulfill delivers a response to the registered waiter. Returns false when
// no waiter exists (expired, cancelled, or never registered); dropping an
// unmatched response is acceptable.
func (t *pendingTable) fulfill(sessionID, requestID string, env envelope.Envelope) bool {
	t.mu.Lock()
	key := pendingKey(sessionID, requestID)
	pc, ok := t.calls[key]
	if ok {
		delete(t.calls, key)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	pc.respCh <- env
	return true
}

// cancel removes a waiter and wakes it with err.
func (t *pendingTable) cancel(sessionID, requestID string, err error) {
	t.mu.Lock()
	key := pendingKey(sessionID, requestID)
	pc, ok := t.calls[key]
	if ok {
		delete(t.calls, key)
	}
	t.mu.Unlock()
	if ok {
		pc.errCh <- err
	}
}

// remove drops a waiter without waking it (the waiter itself gave up).
func (t *pendingTable) remove(sessionID, requestID string) {
	t.mu.Lock()
	delete(t.calls, pendingKey(sessionID, requestID))
	t.mu.Unlock()
}

// cancelSession wakes every waiter belonging to the session with err.
func (t *pendingTable) cancelSession(sessionID string, err error) {
	prefix := sessionID + "|"
	t.mu.Lock()
	var doomed []*pendingCall
	for key, pc := range t.calls {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			doomed = append(doomed, pc)
			delete(t.calls, key)
		}
	}
	t.mu.Unlock()
	for _, pc := range doomed {
		pc.errCh <- err
	}
}

// close cancels all pending calls and prevents new registrations.
func (t *pendingTable) close(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if err == nil {
		err = ErrProxyClosed
	}
	t.closeErr = err
	doomed := make([]*pendingCall, 0, len(t.calls))
	for key, pc := range t.calls {
		doomed = append(doomed, pc)
		delete(t.calls, key)
	}
	t.mu.Unlock()
	for _, pc := range doomed {
		pc.errCh <- err
	}
}

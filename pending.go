package toolwire

import (
	"encoding/json"
	"fmt"
	"time"
)

// callOutcome settles one pending call with either data or an error.
type callOutcome struct {
	data json.RawMessage
	err  error
}

type pendingCall struct {
	tool  string
	out   chan callOutcome
	timer *time.Timer
}

// pendingTable correlates outstanding request ids with their completion
// handles and deadlines. It is owned exclusively by the client's run loop;
// every mutation happens on that single goroutine, so no locking is needed.
// Deadline timers report back through the onExpire callback rather than
// touching the table directly.
type pendingTable struct {
	nextID   uint64
	calls    map[string]*pendingCall
	timeout  time.Duration
	onExpire func(id string)
}

func newPendingTable(timeout time.Duration, onExpire func(string)) *pendingTable {
	return &pendingTable{
		calls:    make(map[string]*pendingCall),
		timeout:  timeout,
		onExpire: onExpire,
	}
}

// register allocates a fresh, monotonically increasing request id, stores the
// pending call, and arms its deadline timer. The returned channel settles
// exactly once; it is buffered so completion never blocks on a caller that
// already gave up waiting.
func (t *pendingTable) register(tool string) (string, chan callOutcome) {
	t.nextID++
	id := fmt.Sprintf("req_%d", t.nextID)

	pc := &pendingCall{
		tool: tool,
		out:  make(chan callOutcome, 1),
	}
	pc.timer = time.AfterFunc(t.timeout, func() {
		t.onExpire(id)
	})
	t.calls[id] = pc

	return id, pc.out
}

// respond completes the call registered under id with a server response.
// It reports false if the id is unknown, which happens for responses to calls
// that already timed out and for duplicate or corrupt server responses.
func (t *pendingTable) respond(id string, success bool, data json.RawMessage, errMsg string) bool {
	pc, ok := t.calls[id]
	if !ok {
		return false
	}
	if success {
		t.complete(id, pc, callOutcome{data: data})
		return true
	}
	t.complete(id, pc, callOutcome{err: &ToolError{Tool: pc.tool, Message: errMsg}})
	return true
}

// reject completes the call with the given error. It reports false if the id
// is unknown.
func (t *pendingTable) reject(id string, err error) bool {
	pc, ok := t.calls[id]
	if !ok {
		return false
	}
	t.complete(id, pc, callOutcome{err: err})
	return true
}

// expire completes the call with a CallTimeoutError carrying the original
// tool name. It reports false if the call already completed.
func (t *pendingTable) expire(id string) bool {
	pc, ok := t.calls[id]
	if !ok {
		return false
	}
	t.complete(id, pc, callOutcome{err: &CallTimeoutError{Tool: pc.tool}})
	return true
}

// clearAll completes every outstanding call with err. Invoked on disconnect
// so callers don't wait out a full timeout on a known-dead connection.
func (t *pendingTable) clearAll(err error) {
	for id, pc := range t.calls {
		t.complete(id, pc, callOutcome{err: err})
	}
}

func (t *pendingTable) complete(id string, pc *pendingCall, out callOutcome) {
	pc.timer.Stop()
	delete(t.calls, id)
	pc.out <- out
}

func (t *pendingTable) size() int {
	return len(t.calls)
}

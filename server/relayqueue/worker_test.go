package relayqueue

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/migadu/tern/pkg/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedOutcome struct {
	kind      string // "success", "failure", "permanent", "release"
	delivered []string
	errorMsg  string
}

type mockWorkerQueue struct {
	mu       sync.Mutex
	outcomes map[string]recordedOutcome
}

func newMockWorkerQueue() *mockWorkerQueue {
	return &mockWorkerQueue{outcomes: make(map[string]recordedOutcome)}
}

func (m *mockWorkerQueue) AcquireNext() (*QueuedDispatch, []byte, error) {
	return nil, nil, nil
}

func (m *mockWorkerQueue) MarkSuccess(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[id] = recordedOutcome{kind: "success"}
	return nil
}

func (m *mockWorkerQueue) MarkFailure(id string, delivered []string, errorMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[id] = recordedOutcome{kind: "failure", delivered: delivered, errorMsg: errorMsg}
	return nil
}

func (m *mockWorkerQueue) MarkPermanentFailure(id string, errorMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[id] = recordedOutcome{kind: "permanent", errorMsg: errorMsg}
	return nil
}

func (m *mockWorkerQueue) Release(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[id] = recordedOutcome{kind: "release"}
	return nil
}

func (m *mockWorkerQueue) GetStats() (int, int, int, error) {
	return 0, 0, 0, nil
}

func (m *mockWorkerQueue) outcome(id string) recordedOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[id]
}

type sentMessage struct {
	endpoint string
	from     string
	to       string
	body     string
}

type mockTransport struct {
	mu     sync.Mutex
	sent   []sentMessage
	errFor map[string]error
}

func newMockTransport() *mockTransport {
	return &mockTransport{errFor: make(map[string]error)}
}

func (m *mockTransport) Send(endpoint, from, to string, message []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.errFor[endpoint]; ok {
		return err
	}
	if err, ok := m.errFor[to]; ok {
		return err
	}
	m.sent = append(m.sent, sentMessage{endpoint: endpoint, from: from, to: to, body: string(message)})
	return nil
}

func newTestWorker(queue Queue, smtp, http Transport) *Worker {
	return NewWorker(queue, smtp, http, 0, 10, 1, nil)
}

func TestProcessDispatchAllTargetsSucceed(t *testing.T) {
	queue := newMockWorkerQueue()
	smtp := newMockTransport()
	http := newMockTransport()
	w := newTestWorker(queue, smtp, http)

	dispatch := &QueuedDispatch{
		ID:     "d1",
		Sender: "sender@example.com",
		Targets: []Target{
			{Kind: "relay", Value: "relay.example.net", Recipient: "alice@example.org"},
			{Kind: "http", Value: "https://hooks.example.net/in", Recipient: "alice@example.org"},
		},
	}
	w.processDispatch(dispatch, []byte("body"))

	assert.Equal(t, "success", queue.outcome("d1").kind)

	// A relay target connects to its own host for the original recipient.
	require.Len(t, smtp.sent, 1)
	assert.Equal(t, "relay.example.net", smtp.sent[0].endpoint)
	assert.Equal(t, "sender@example.com", smtp.sent[0].from)
	assert.Equal(t, "alice@example.org", smtp.sent[0].to)

	// An http target posts to its own webhook URL.
	require.Len(t, http.sent, 1)
	assert.Equal(t, "https://hooks.example.net/in", http.sent[0].endpoint)
	assert.Equal(t, "alice@example.org", http.sent[0].to)
}

func TestProcessDispatchRoutesRedirectMailOverSMTP(t *testing.T) {
	queue := newMockWorkerQueue()
	smtp := newMockTransport()
	w := newTestWorker(queue, smtp, newMockTransport())

	dispatch := &QueuedDispatch{
		ID:     "d2",
		Sender: "SRS0=A1B2=KB=example.com=orig@forwarder.example.org",
		Targets: []Target{
			{Kind: "redirect-mail", Value: "orig@example.com", Recipient: "orig@example.com"},
		},
	}
	w.processDispatch(dispatch, []byte("bounce"))

	assert.Equal(t, "success", queue.outcome("d2").kind)
	require.Len(t, smtp.sent, 1)
	assert.Equal(t, "", smtp.sent[0].endpoint)
	assert.Equal(t, "orig@example.com", smtp.sent[0].to)
}

func TestProcessDispatchTemporaryFailureKeepsProgress(t *testing.T) {
	queue := newMockWorkerQueue()
	smtp := newMockTransport()
	smtp.errFor["b@down.example.net"] = &TransportError{Err: errors.New("connection refused"), Permanent: false}
	w := newTestWorker(queue, smtp, newMockTransport())

	dispatch := &QueuedDispatch{
		ID:     "d3",
		Sender: "sender@example.com",
		Targets: []Target{
			{Kind: "mail", Value: "a@up.example.net", Recipient: "a@example.org"},
			{Kind: "mail", Value: "b@down.example.net", Recipient: "b@example.org"},
		},
	}
	w.processDispatch(dispatch, []byte("body"))

	outcome := queue.outcome("d3")
	assert.Equal(t, "failure", outcome.kind)
	assert.Equal(t, []string{"a@up.example.net"}, outcome.delivered)
	assert.Contains(t, outcome.errorMsg, "b@down.example.net")
}

func TestProcessDispatchSkipsAlreadyDelivered(t *testing.T) {
	queue := newMockWorkerQueue()
	smtp := newMockTransport()
	w := newTestWorker(queue, smtp, newMockTransport())

	dispatch := &QueuedDispatch{
		ID:        "d4",
		Sender:    "sender@example.com",
		Delivered: []string{"a@first.example.net"},
		Targets: []Target{
			{Kind: "mail", Value: "a@first.example.net", Recipient: "a@example.org"},
			{Kind: "mail", Value: "b@second.example.net", Recipient: "b@example.org"},
		},
	}
	w.processDispatch(dispatch, []byte("body"))

	assert.Equal(t, "success", queue.outcome("d4").kind)
	require.Len(t, smtp.sent, 1)
	assert.Equal(t, "b@second.example.net", smtp.sent[0].to)
}

func TestProcessDispatchPermanentFailureQuarantines(t *testing.T) {
	queue := newMockWorkerQueue()
	smtp := newMockTransport()
	smtp.errFor["a@rejecting.example.net"] = &TransportError{Err: fmt.Errorf("550 no such user"), Permanent: true}
	w := newTestWorker(queue, smtp, newMockTransport())

	dispatch := &QueuedDispatch{
		ID:     "d5",
		Sender: "sender@example.com",
		Targets: []Target{
			{Kind: "mail", Value: "a@rejecting.example.net", Recipient: "a@example.org"},
		},
	}
	w.processDispatch(dispatch, []byte("body"))

	outcome := queue.outcome("d5")
	assert.Equal(t, "permanent", outcome.kind)
	assert.Contains(t, outcome.errorMsg, "550 no such user")
}

func TestProcessDispatchMixedTemporaryAndPermanentRetries(t *testing.T) {
	queue := newMockWorkerQueue()
	smtp := newMockTransport()
	smtp.errFor["a@rejecting.example.net"] = &TransportError{Err: errors.New("550 no such user"), Permanent: true}
	smtp.errFor["b@down.example.net"] = &TransportError{Err: errors.New("timeout"), Permanent: false}
	w := newTestWorker(queue, smtp, newMockTransport())

	dispatch := &QueuedDispatch{
		ID:     "d6",
		Sender: "sender@example.com",
		Targets: []Target{
			{Kind: "mail", Value: "a@rejecting.example.net", Recipient: "a@example.org"},
			{Kind: "mail", Value: "b@down.example.net", Recipient: "b@example.org"},
		},
	}
	w.processDispatch(dispatch, []byte("body"))

	// A retryable target keeps the whole unit on the retry path.
	assert.Equal(t, "failure", queue.outcome("d6").kind)
}

func TestProcessDispatchBreakerOpenReleasesWithoutAttempt(t *testing.T) {
	queue := newMockWorkerQueue()
	smtp := newMockTransport()
	smtp.errFor["a@blocked.example.net"] = circuitbreaker.ErrCircuitBreakerOpen
	w := newTestWorker(queue, smtp, newMockTransport())

	dispatch := &QueuedDispatch{
		ID:     "d7",
		Sender: "sender@example.com",
		Targets: []Target{
			{Kind: "mail", Value: "a@blocked.example.net", Recipient: "a@example.org"},
		},
	}
	w.processDispatch(dispatch, []byte("body"))

	assert.Equal(t, "release", queue.outcome("d7").kind)
}

func TestProcessDispatchBreakerOpenWithProgressMarksFailure(t *testing.T) {
	queue := newMockWorkerQueue()
	smtp := newMockTransport()
	smtp.errFor["b@blocked.example.net"] = circuitbreaker.ErrCircuitBreakerOpen
	w := newTestWorker(queue, smtp, newMockTransport())

	dispatch := &QueuedDispatch{
		ID:     "d8",
		Sender: "sender@example.com",
		Targets: []Target{
			{Kind: "mail", Value: "a@ok.example.net", Recipient: "a@example.org"},
			{Kind: "mail", Value: "b@blocked.example.net", Recipient: "b@example.org"},
		},
	}
	w.processDispatch(dispatch, []byte("body"))

	// Progress was made, so the attempt counts and progress persists.
	outcome := queue.outcome("d8")
	assert.Equal(t, "failure", outcome.kind)
	assert.Equal(t, []string{"a@ok.example.net"}, outcome.delivered)
}

func TestProcessDispatchNilTransportIsPermanent(t *testing.T) {
	queue := newMockWorkerQueue()
	w := newTestWorker(queue, nil, nil)

	dispatch := &QueuedDispatch{
		ID:     "d9",
		Sender: "sender@example.com",
		Targets: []Target{
			{Kind: "http", Value: "https://hooks.example.net/in", Recipient: "a@example.org"},
		},
	}
	w.processDispatch(dispatch, []byte("body"))

	outcome := queue.outcome("d9")
	assert.Equal(t, "permanent", outcome.kind)
	assert.Contains(t, outcome.errorMsg, "no HTTP transport configured")
}

func TestIsPermanentError(t *testing.T) {
	assert.False(t, IsPermanentError(nil))
	assert.False(t, IsPermanentError(errors.New("connection reset")))
	assert.True(t, IsPermanentError(&TransportError{Err: errors.New("bad"), Permanent: true}))
	assert.False(t, IsPermanentError(&TransportError{Err: errors.New("busy"), Permanent: false}))
	assert.True(t, IsPermanentError(fmt.Errorf("wrapped: %w", &TransportError{Err: errors.New("bad"), Permanent: true})))
}

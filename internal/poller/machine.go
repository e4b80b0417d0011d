// Package poller drives one conversation's question from submission to a
// delivered answer: dispatch, then fixed-interval completion checks until
// the answer appears, the attempt budget runs out, or the poll is cancelled.
package poller

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/mashvarat/legalchat/internal/domain"
)

const (
	// PlaceholderText is shown while the answer is being produced.
	PlaceholderText = "در حال پردازش درخواست شما... این فرآیند ممکن است تا ۱۰ دقیقه طول بکشد."
	// TimeoutText is the error surfaced when polling gives up.
	TimeoutText = "پاسخ در زمان مورد انتظار دریافت نشد."
	errorPrefix = "🚫 خطا: "
)

var (
	// ErrBusy is returned when a question is submitted while another is in flight.
	ErrBusy = errors.New("a question is already being processed")
	// ErrTimedOut is returned when the attempt budget is exhausted.
	ErrTimedOut = errors.New(TimeoutText)
	// ErrEmptyText is returned when the submitted text is blank.
	ErrEmptyText = errors.New("text is empty")
	// ErrCancelled is returned when a poll was cancelled before it finished.
	ErrCancelled = errors.New("polling cancelled")
)

// State is a poller state.
type State int

const (
	Idle State = iota
	Dispatched
	Polling
	Completed
	TimedOut
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Dispatched:
		return "dispatched"
	case Polling:
		return "polling"
	case Completed:
		return "completed"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Answer is an assistant reply as reported by dispatch or the completion check.
type Answer struct {
	// ID is the stored message ID. Immediate dispatch answers have none.
	ID        string
	RequestID string
	Content   string
	domain.Artifacts
}

// DispatchStatus is the dispatch endpoint's verdict.
type DispatchStatus string

const (
	DispatchCompleted  DispatchStatus = "completed"
	DispatchProcessing DispatchStatus = "processing"
)

// DispatchResult is the dispatch reply.
type DispatchResult struct {
	Status    DispatchStatus
	RequestID string
	Answer    *Answer
}

// CheckStatus is the completion check verdict.
type CheckStatus string

const (
	CheckPending   CheckStatus = "pending"
	CheckCompleted CheckStatus = "completed"
	CheckError     CheckStatus = "error"
)

// CheckResult is one completion check reply.
type CheckResult struct {
	Status CheckStatus
	Answer *Answer
	Error  string
}

// EntryKind classifies transcript entries produced by the machine.
type EntryKind int

const (
	EntryQuestion EntryKind = iota
	EntryPlaceholder
	EntryAnswer
	EntryError
)

// Entry is one line appended to the visible transcript.
type Entry struct {
	Kind    EntryKind
	Role    domain.Role
	Content string
	Answer  *Answer
}

// Ticket identifies one submission. Events carrying an older generation
// are ignored.
type Ticket struct {
	Generation  uint64
	SessionID   string
	SubmittedAt time.Time
}

// Transition reports what an event did.
type Transition struct {
	From, To State
	Appended []Entry
	// Continue is true while further ticks are expected.
	Continue bool
	// Err is the terminal error, if the event ended the question with one.
	Err error
	// Stale is true when the event belonged to a cancelled generation.
	Stale bool
}

// Machine is the per-conversation state machine. It performs no I/O; the
// Runner feeds it events. Safe for concurrent use.
type Machine struct {
	mu          sync.Mutex
	state       State
	gen         uint64
	maxAttempts int
	attempts    int
	sessionID   string
	requestID   string
	submittedAt time.Time
	lastErr     error
	seen        map[string]struct{}
	transcript  []Entry
}

// NewMachine creates an idle machine that gives up after maxAttempts checks.
func NewMachine(maxAttempts int) *Machine {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Machine{
		maxAttempts: maxAttempts,
		seen:        make(map[string]struct{}),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the checks made for the current or last question.
func (m *Machine) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// RequestID returns the correlation token of the current or last question.
func (m *Machine) RequestID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestID
}

// LastError returns the most recent check or terminal error.
func (m *Machine) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Transcript returns a copy of the visible transcript.
func (m *Machine) Transcript() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.transcript...)
}

func (m *Machine) busy() bool {
	return m.state == Dispatched || m.state == Polling
}

func (m *Machine) stale(gen uint64) bool {
	return gen != m.gen
}

func (m *Machine) appendEntry(t *Transition, e Entry) {
	m.transcript = append(m.transcript, e)
	t.Appended = append(t.Appended, e)
}

// deliver appends ans unless it was already shown.
func (m *Machine) deliver(t *Transition, ans *Answer) bool {
	if ans.ID != "" {
		if _, ok := m.seen[ans.ID]; ok {
			return false
		}
		m.seen[ans.ID] = struct{}{}
	}
	m.appendEntry(t, Entry{Kind: EntryAnswer, Role: domain.RoleAssistant, Content: ans.Content, Answer: ans})
	return true
}

// Submit starts a question in sessionID. It fails with ErrBusy while a
// previous question is dispatched or polling.
func (m *Machine) Submit(sessionID, text string, now time.Time) (Ticket, Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.busy() {
		return Ticket{}, Transition{From: m.state, To: m.state}, ErrBusy
	}
	if strings.TrimSpace(text) == "" {
		return Ticket{}, Transition{From: m.state, To: m.state}, ErrEmptyText
	}

	t := Transition{From: m.state, To: Dispatched}
	m.gen++
	m.state = Dispatched
	m.attempts = 0
	m.sessionID = sessionID
	m.requestID = ""
	m.submittedAt = now
	m.lastErr = nil
	m.appendEntry(&t, Entry{Kind: EntryQuestion, Role: domain.RoleUser, Content: text})

	return Ticket{Generation: m.gen, SessionID: sessionID, SubmittedAt: now}, t, nil
}

// Watch enters Polling directly for a question dispatched elsewhere,
// without appending anything to the transcript.
func (m *Machine) Watch(sessionID, requestID string, since time.Time) (Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.busy() {
		return Ticket{}, ErrBusy
	}
	m.gen++
	m.state = Polling
	m.attempts = 0
	m.sessionID = sessionID
	m.requestID = requestID
	m.submittedAt = since
	m.lastErr = nil
	return Ticket{Generation: m.gen, SessionID: sessionID, SubmittedAt: since}, nil
}

// Dispatched applies the dispatch reply. err is a hard failure such as an
// authorization or validation error; it ends the question.
func (m *Machine) Dispatched(gen uint64, res *DispatchResult, err error) Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := Transition{From: m.state, To: m.state}
	if m.stale(gen) || m.state != Dispatched {
		t.Stale = true
		return t
	}

	if err == nil && res == nil {
		err = errors.New("empty dispatch reply")
	}
	if err != nil {
		m.lastErr = err
		m.appendEntry(&t, Entry{Kind: EntryError, Role: domain.RoleAssistant, Content: errorPrefix + err.Error()})
		m.state = Idle
		t.To = Idle
		t.Err = err
		return t
	}

	if res.RequestID != "" {
		m.requestID = res.RequestID
	}

	if res.Status == DispatchCompleted && res.Answer != nil {
		m.deliver(&t, res.Answer)
		t.To = Completed
		m.state = Idle
		return t
	}

	m.appendEntry(&t, Entry{Kind: EntryPlaceholder, Role: domain.RoleAssistant, Content: PlaceholderText})
	m.state = Polling
	t.To = Polling
	t.Continue = true
	return t
}

// Tick applies one completion check. Every tick counts as an attempt,
// including failed checks.
func (m *Machine) Tick(gen uint64, res *CheckResult, err error) Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := Transition{From: m.state, To: m.state}
	if m.stale(gen) || m.state != Polling {
		t.Stale = true
		return t
	}
	m.attempts++

	switch {
	case err != nil:
		m.lastErr = err
	case res == nil:
	case res.Status == CheckError:
		m.lastErr = errors.New(res.Error)
	case res.Status == CheckCompleted && res.Answer != nil:
		if m.matches(res.Answer) && m.deliver(&t, res.Answer) {
			m.lastErr = nil
			m.state = Idle
			t.To = Completed
			return t
		}
	}

	if m.attempts >= m.maxAttempts {
		m.lastErr = ErrTimedOut
		m.appendEntry(&t, Entry{Kind: EntryError, Role: domain.RoleAssistant, Content: errorPrefix + TimeoutText})
		m.state = Idle
		t.To = TimedOut
		t.Err = ErrTimedOut
		return t
	}

	t.Continue = true
	return t
}

// matches rejects answers correlated to a different question.
func (m *Machine) matches(ans *Answer) bool {
	return m.requestID == "" || ans.RequestID == "" || ans.RequestID == m.requestID
}

// Cancel abandons the in-flight question. Events of the abandoned
// generation are ignored afterwards. It reports whether anything was
// in flight.
func (m *Machine) Cancel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gen++
	if !m.busy() {
		return false
	}
	m.state = Idle
	m.lastErr = ErrCancelled
	return true
}

// Reset cancels any in-flight question and replaces the transcript with
// history, as when the user switches to or creates a session.
func (m *Machine) Reset(sessionID string, history []Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gen++
	m.state = Idle
	m.attempts = 0
	m.sessionID = sessionID
	m.requestID = ""
	m.lastErr = nil
	m.transcript = append([]Entry(nil), history...)
	for _, e := range history {
		if e.Answer != nil && e.Answer.ID != "" {
			m.seen[e.Answer.ID] = struct{}{}
		}
	}
}

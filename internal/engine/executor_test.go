package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intralog/outreach-engine/internal/channel"
	"github.com/intralog/outreach-engine/internal/domain"
	"github.com/intralog/outreach-engine/internal/governor"
	"github.com/intralog/outreach-engine/internal/personalize"
	"github.com/intralog/outreach-engine/internal/store"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fakeStore struct {
	mu         sync.Mutex
	sequences  map[string]*domain.Sequence
	recipients map[string]*domain.Recipient
	senders    map[string]*domain.Sender
	templates  map[string]*domain.Template
	saved      []*domain.Enrollment
	entries    []*domain.LogEntry
	appended   []*domain.LogEntry
	conflict   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sequences:  map[string]*domain.Sequence{},
		recipients: map[string]*domain.Recipient{},
		senders:    map[string]*domain.Sender{},
		templates:  map[string]*domain.Template{},
	}
}

func (f *fakeStore) GetSequence(_ context.Context, id string) (*domain.Sequence, error) {
	if s, ok := f.sequences[id]; ok {
		return s, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetRecipient(_ context.Context, id string) (*domain.Recipient, error) {
	if r, ok := f.recipients[id]; ok {
		return r, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetSender(_ context.Context, email string) (*domain.Sender, error) {
	if s, ok := f.senders[email]; ok {
		return s, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetTemplate(_ context.Context, key string) (*domain.Template, error) {
	if t, ok := f.templates[key]; ok {
		return t, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) SaveResult(_ context.Context, e *domain.Enrollment, entry *domain.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflict {
		return store.ErrConflict
	}
	saved := *e
	f.saved = append(f.saved, &saved)
	if entry != nil {
		f.entries = append(f.entries, entry)
	}
	return nil
}

func (f *fakeStore) AppendLogEntry(_ context.Context, e *domain.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, e)
	return nil
}

func (f *fakeStore) lastSaved() *domain.Enrollment {
	return f.saved[len(f.saved)-1]
}

type fakeAdapter struct {
	result *channel.Result
	err    error
	calls  int
	last   *channel.Message
}

func (a *fakeAdapter) Dispatch(_ context.Context, msg *channel.Message) (*channel.Result, error) {
	a.calls++
	a.last = msg
	if a.err != nil {
		return nil, a.err
	}
	return a.result, nil
}

type memCounters struct {
	mu    sync.Mutex
	sends map[string]int
}

func (m *memCounters) SendsOn(_ context.Context, sender, day string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sends[sender+"|"+day], nil
}

func (m *memCounters) RecordSend(_ context.Context, sender, day string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sends == nil {
		m.sends = map[string]int{}
	}
	m.sends[sender+"|"+day]++
	return nil
}

type fixture struct {
	store   *fakeStore
	email   *fakeAdapter
	voice   *fakeAdapter
	network *fakeAdapter
	clock   *fakeClock
	exec    *Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := newFakeStore()
	email := &fakeAdapter{result: &channel.Result{Status: channel.StatusSent, ExternalRef: "msg-1"}}
	voice := &fakeAdapter{result: &channel.Result{Status: channel.StatusSent, ExternalRef: "call-1"}}
	network := &fakeAdapter{result: &channel.Result{Status: channel.StatusSent}}
	clock := &fakeClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)} // a Monday

	gov := governor.New(&memCounters{sends: map[string]int{}})
	exec := NewExecutor(fs, gov, personalize.New(nil), map[domain.Channel]channel.Adapter{
		domain.ChannelEmail:          email,
		domain.ChannelVoice:          voice,
		domain.ChannelNetworkConnect: network,
		domain.ChannelNetworkMessage: network,
	}, clock, 5)

	fs.senders["dana@intralog.io"] = &domain.Sender{
		Email:    "dana@intralog.io",
		Name:     "Dana Reyes",
		DailyCap: 50,
		Window:   domain.SendWindow{Timezone: "UTC"},
	}
	fs.recipients["r1"] = &domain.Recipient{
		ID: "r1", Email: "pat@acme.com", FirstName: "Pat", Company: "Acme",
		Phone: "+15550100", ProfileURL: "https://network.example/in/pat",
	}
	fs.sequences["sq1"] = &domain.Sequence{
		ID: "sq1", Name: "Q3 Outreach", SenderEmail: "dana@intralog.io",
		Steps: []domain.Step{
			{Kind: domain.StepEmail, Subject: "Hi {{first_name}}", Body: "Quick note for {{company}}."},
			{Kind: domain.StepWait, DelayDays: 3},
			{Kind: domain.StepEmail, Subject: "Following up", Body: "Still there, {{first_name}}?"},
		},
	}
	return &fixture{store: fs, email: email, voice: voice, network: network, clock: clock, exec: exec}
}

func claimed(stepIndex int) *domain.Enrollment {
	return &domain.Enrollment{
		ID: "e1", SequenceID: "sq1", RecipientID: "r1",
		StepIndex: stepIndex, Status: domain.StatusInFlight, Version: 1,
	}
}

func TestExecuteEmailSendAdvancesIntoWait(t *testing.T) {
	f := newFixture(t)
	e := claimed(0)

	require.NoError(t, f.exec.Execute(context.Background(), e))

	require.Equal(t, 1, f.email.calls)
	assert.Equal(t, "Hi Pat", f.email.last.Subject)
	assert.Contains(t, f.email.last.HTMLBody, "Quick note for Acme.")

	saved := f.store.lastSaved()
	assert.Equal(t, 1, saved.StepIndex, "advanced into the wait step")
	assert.Equal(t, domain.StatusWaiting, saved.Status)
	assert.Equal(t, f.clock.now.AddDate(0, 0, 3), saved.DueAt, "wait delay applied on advance")

	require.Len(t, f.store.entries, 1)
	entry := f.store.entries[0]
	assert.Equal(t, domain.LogSent, entry.Status)
	assert.Equal(t, "msg-1", entry.ExternalRef)
	assert.Equal(t, 0, entry.StepIndex)
}

func TestExecuteKeyedTemplateResolves(t *testing.T) {
	f := newFixture(t)
	f.store.templates["intro"] = &domain.Template{
		Key: "intro", Subject: "Hello {{first_name}}", Body: "From the {{company}} template.",
	}
	f.store.sequences["sq1"].Steps[0] = domain.Step{Kind: domain.StepEmail, TemplateKey: "intro"}
	e := claimed(0)

	require.NoError(t, f.exec.Execute(context.Background(), e))

	require.Equal(t, 1, f.email.calls)
	assert.Equal(t, "Hello Pat", f.email.last.Subject)
	assert.Contains(t, f.email.last.HTMLBody, "From the Acme template.")
}

func TestExecuteMissingTemplateFailsPermanently(t *testing.T) {
	f := newFixture(t)
	f.store.sequences["sq1"].Steps[0] = domain.Step{Kind: domain.StepEmail, TemplateKey: "nope"}
	e := claimed(0)

	require.NoError(t, f.exec.Execute(context.Background(), e))

	assert.Zero(t, f.email.calls)
	saved := f.store.lastSaved()
	assert.Equal(t, domain.StatusFailed, saved.Status)
	assert.Contains(t, saved.LastError, `"nope"`)
}

func TestExecuteWaitStepAdvancesWithoutLogging(t *testing.T) {
	f := newFixture(t)
	e := claimed(1) // the wait step, claimed at its due time

	require.NoError(t, f.exec.Execute(context.Background(), e))

	assert.Zero(t, f.email.calls)
	assert.Empty(t, f.store.entries, "wait steps never log")

	saved := f.store.lastSaved()
	assert.Equal(t, 2, saved.StepIndex)
	assert.Equal(t, domain.StatusPending, saved.Status)
	assert.Equal(t, f.clock.now, saved.DueAt, "zero pre-delay is due immediately")
}

func TestExecuteFinalStepCompletes(t *testing.T) {
	f := newFixture(t)
	e := claimed(2)

	require.NoError(t, f.exec.Execute(context.Background(), e))

	saved := f.store.lastSaved()
	assert.Equal(t, domain.StatusCompleted, saved.Status)
	require.Len(t, f.store.entries, 1)
	assert.Equal(t, domain.LogSent, f.store.entries[0].Status)
}

func TestExecuteIndexPastShortenedListCompletes(t *testing.T) {
	f := newFixture(t)
	e := claimed(7)

	require.NoError(t, f.exec.Execute(context.Background(), e))

	assert.Zero(t, f.email.calls)
	assert.Equal(t, domain.StatusCompleted, f.store.lastSaved().Status)
}

func TestExecuteTransientFailureBacksOff(t *testing.T) {
	f := newFixture(t)
	f.email.result = &channel.Result{Status: channel.StatusTransientFailure, Detail: "provider 503"}
	e := claimed(0)

	require.NoError(t, f.exec.Execute(context.Background(), e))

	saved := f.store.lastSaved()
	assert.Equal(t, domain.StatusPending, saved.Status)
	assert.Equal(t, 1, saved.Attempts)
	assert.Equal(t, 0, saved.StepIndex, "step not advanced")
	assert.Equal(t, "provider 503", saved.LastError)

	// First retry lands near 5 minutes out (20% jitter).
	delta := saved.DueAt.Sub(f.clock.now)
	assert.GreaterOrEqual(t, delta, 4*time.Minute)
	assert.LessOrEqual(t, delta, 6*time.Minute)

	require.Len(t, f.store.entries, 1)
	assert.Equal(t, domain.LogTransientFailure, f.store.entries[0].Status)
}

func TestExecuteTransientExhaustionGoesPermanent(t *testing.T) {
	f := newFixture(t)
	f.email.result = &channel.Result{Status: channel.StatusTransientFailure, Detail: "still down"}
	e := claimed(0)
	e.Attempts = 4 // this failure is attempt 5 of 5

	require.NoError(t, f.exec.Execute(context.Background(), e))

	saved := f.store.lastSaved()
	assert.Equal(t, domain.StatusFailed, saved.Status)
	assert.Contains(t, saved.LastError, "gave up after 5 attempts")
	require.Len(t, f.store.entries, 1)
	assert.Equal(t, domain.LogPermanentFailure, f.store.entries[0].Status)
}

func TestExecutePermanentFailureHalts(t *testing.T) {
	f := newFixture(t)
	f.email.result = &channel.Result{Status: channel.StatusPermanentFailure, Detail: "address rejected"}
	e := claimed(0)

	require.NoError(t, f.exec.Execute(context.Background(), e))

	saved := f.store.lastSaved()
	assert.Equal(t, domain.StatusFailed, saved.Status)
	assert.Equal(t, "address rejected", saved.LastError)
	assert.Equal(t, 0, saved.StepIndex)
}

func TestExecuteTemplateSyntaxErrorIsPermanent(t *testing.T) {
	f := newFixture(t)
	f.store.sequences["sq1"].Steps[0].Body = "Broken {{token here"
	e := claimed(0)

	require.NoError(t, f.exec.Execute(context.Background(), e))

	assert.Zero(t, f.email.calls, "nothing dispatched")
	saved := f.store.lastSaved()
	assert.Equal(t, domain.StatusFailed, saved.Status)
	assert.Contains(t, saved.LastError, "unclosed {{")
}

func TestExecuteRateDenialReschedulesWithoutAttempt(t *testing.T) {
	f := newFixture(t)
	f.store.senders["dana@intralog.io"].Window = domain.SendWindow{
		Days:        []time.Weekday{time.Tuesday},
		StartMinute: 9 * 60,
		EndMinute:   17 * 60,
		Timezone:    "UTC",
	}
	e := claimed(0) // Monday noon: outside the window

	require.NoError(t, f.exec.Execute(context.Background(), e))

	assert.Zero(t, f.email.calls)
	saved := f.store.lastSaved()
	assert.Equal(t, domain.StatusPending, saved.Status)
	assert.Zero(t, saved.Attempts, "denial burns no attempt")
	assert.Equal(t, time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC), saved.DueAt)
	assert.Empty(t, f.store.entries, "denial writes no log entry")
}

func TestExecutePausedSenderRechecksLater(t *testing.T) {
	f := newFixture(t)
	f.store.senders["dana@intralog.io"].OnHold = true
	e := claimed(0)

	require.NoError(t, f.exec.Execute(context.Background(), e))

	saved := f.store.lastSaved()
	assert.Equal(t, domain.StatusPending, saved.Status)
	assert.Equal(t, f.clock.now.Add(10*time.Minute), saved.DueAt)
}

func TestExecuteSkipsCallWithoutPhone(t *testing.T) {
	f := newFixture(t)
	f.store.recipients["r1"].Phone = ""
	f.store.sequences["sq1"].Steps[0] = domain.Step{Kind: domain.StepCall, Script: "Ask for {{first_name}}"}
	e := claimed(0)

	require.NoError(t, f.exec.Execute(context.Background(), e))

	assert.Zero(t, f.voice.calls)
	saved := f.store.lastSaved()
	assert.Equal(t, 1, saved.StepIndex, "skip advances")
	require.Len(t, f.store.entries, 1)
	assert.Equal(t, domain.LogSkipped, f.store.entries[0].Status)
	assert.Contains(t, f.store.entries[0].Detail, "no phone")
}

func TestExecuteSkipsNetworkWithoutProfile(t *testing.T) {
	f := newFixture(t)
	f.store.recipients["r1"].ProfileURL = ""
	f.store.sequences["sq1"].Steps[0] = domain.Step{Kind: domain.StepNetworkConnect}
	e := claimed(0)

	require.NoError(t, f.exec.Execute(context.Background(), e))

	assert.Zero(t, f.network.calls)
	require.Len(t, f.store.entries, 1)
	assert.Equal(t, domain.LogSkipped, f.store.entries[0].Status)
}

func TestExecuteVoiceStep(t *testing.T) {
	f := newFixture(t)
	f.store.sequences["sq1"].Steps[0] = domain.Step{Kind: domain.StepCall, Script: "Ask for {{first_name}} at {{company}}"}
	e := claimed(0)

	require.NoError(t, f.exec.Execute(context.Background(), e))

	require.Equal(t, 1, f.voice.calls)
	assert.Equal(t, "Ask for Pat at Acme", f.voice.last.Script)
	assert.Equal(t, "+15550100", f.voice.last.Phone)
	assert.NotEmpty(t, f.voice.last.VoicemailText)
	assert.Equal(t, "call-1", f.store.entries[0].ExternalRef)
}

func TestExecuteNetworkAccountCapReschedules(t *testing.T) {
	f := newFixture(t)
	f.network.err = channel.ErrAccountCap
	f.store.sequences["sq1"].Steps[0] = domain.Step{Kind: domain.StepNetworkMessage, Message: "Hi {{first_name}}"}
	e := claimed(0)

	require.NoError(t, f.exec.Execute(context.Background(), e))

	saved := f.store.lastSaved()
	assert.Equal(t, domain.StatusPending, saved.Status)
	assert.Zero(t, saved.Attempts, "account cap burns no attempt")
	assert.Equal(t, time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC), saved.DueAt)
	assert.Empty(t, f.store.entries)
}

func TestExecuteVersionConflictIsSilent(t *testing.T) {
	f := newFixture(t)
	f.store.conflict = true
	e := claimed(0)

	require.NoError(t, f.exec.Execute(context.Background(), e),
		"a lost version race is not an error")
}

func TestExecuteUnknownVariableRendersEmpty(t *testing.T) {
	f := newFixture(t)
	f.store.sequences["sq1"].Steps[0].Subject = "For {{nickname}}"
	e := claimed(0)

	require.NoError(t, f.exec.Execute(context.Background(), e))
	assert.Equal(t, "For ", f.email.last.Subject)
}

func TestTestSendBypassesGovernorAndTags(t *testing.T) {
	f := newFixture(t)
	// Sender on hold: a normal dispatch would be denied.
	f.store.senders["dana@intralog.io"].OnHold = true
	seq := f.store.sequences["sq1"]

	entry, err := f.exec.TestSend(context.Background(), seq, 0, "r1", "qa@intralog.io")
	require.NoError(t, err)

	require.Equal(t, 1, f.email.calls)
	assert.Equal(t, "qa@intralog.io", f.email.last.To)
	assert.Contains(t, f.email.last.Subject, "[TEST]")
	assert.Contains(t, entry.VariantTags, "test_send")
	require.Len(t, f.store.appended, 1, "test sends log outside enrollment transactions")
	assert.Empty(t, f.store.saved, "no enrollment state touched")
}

func TestTestSendRejectsNonEmailStep(t *testing.T) {
	f := newFixture(t)
	_, err := f.exec.TestSend(context.Background(), f.store.sequences["sq1"], 1, "r1", "qa@intralog.io")
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestBackoffBase(t *testing.T) {
	assert.Equal(t, 5*time.Minute, BackoffBase(1))
	assert.Equal(t, 10*time.Minute, BackoffBase(2))
	assert.Equal(t, 20*time.Minute, BackoffBase(3))
	assert.Equal(t, 6*time.Hour, BackoffBase(9))
	assert.Equal(t, 6*time.Hour, BackoffBase(50), "capped")
}

func TestBackoffJitterBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := Backoff(2)
		assert.GreaterOrEqual(t, d, 8*time.Minute)
		assert.LessOrEqual(t, d, 12*time.Minute)
	}
}

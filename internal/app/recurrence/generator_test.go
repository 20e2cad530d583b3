package recurrence

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskloop/taskloop/internal/app/publisher"
	"github.com/taskloop/taskloop/internal/app/tasks"
	"github.com/taskloop/taskloop/internal/contracts"
	"github.com/taskloop/taskloop/internal/messaging"
)

type ruleStoreStub struct {
	rule     Rule
	getErr   error
	advanced []time.Time
	advErr   error
}

func (s *ruleStoreStub) Get(_ context.Context, ruleID string) (Rule, error) {
	if s.getErr != nil {
		return Rule{}, s.getErr
	}
	if ruleID != s.rule.ID {
		return Rule{}, ErrRuleNotFound
	}
	return s.rule, nil
}

func (s *ruleStoreStub) AdvanceNextDue(_ context.Context, _ string, next time.Time) error {
	if s.advErr != nil {
		return s.advErr
	}
	s.advanced = append(s.advanced, next)
	return nil
}

type instanceStoreStub struct {
	open      bool
	openErr   error
	conflict  bool
	createErr error
	created   []tasks.Task
}

func (s *instanceStoreStub) HasOpenInstance(_ context.Context, _, _ string, _ time.Time) (bool, error) {
	return s.open, s.openErr
}

func (s *instanceStoreStub) CreateInstance(_ context.Context, t tasks.Task) (bool, error) {
	if s.createErr != nil {
		return false, s.createErr
	}
	if s.conflict {
		return false, nil
	}
	s.created = append(s.created, t)
	return true, nil
}

type publishedMsg struct {
	subject string
	payload []byte
}

type failureSink struct{}

func (failureSink) Record(context.Context, publisher.Failure) error { return nil }

func newTestGenerator(rules *ruleStoreStub, instances *instanceStoreStub) (*Generator, *[]publishedMsg) {
	var published []publishedMsg
	events := publisher.NewService(func(subject string, payload []byte) error {
		published = append(published, publishedMsg{subject: subject, payload: payload})
		return nil
	}, failureSink{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	events.NewID = func() string { return "EVT-GENERATED" }
	events.Now = func() time.Time { return time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC) }

	g := NewGenerator(rules, instances, events, slog.New(slog.NewTextHandler(io.Discard, nil)))
	g.Now = events.Now
	g.NewID = func() string { return "instance-1" }
	return g, &published
}

func completedEnvelope(t *testing.T, mutate func(*contracts.Envelope)) []byte {
	t.Helper()
	due := time.Date(2024, time.June, 1, 9, 0, 0, 0, time.UTC)
	env := contracts.Envelope{
		EventID:   "EVT-COMPLETE",
		EventType: contracts.EventTaskCompleted,
		TaskID:    "task-1",
		UserID:    "user-1",
		TaskSnapshot: contracts.TaskSnapshot{
			Title:        "Water plants",
			Priority:     tasks.PriorityNormal,
			Tags:         []string{"home"},
			DueDate:      &due,
			RecurrenceID: "rule-1",
			Completed:    true,
		},
		OccurredAt:    time.Date(2024, time.June, 1, 11, 0, 0, 0, time.UTC),
		SchemaVersion: contracts.SchemaVersion,
		Source:        contracts.SourceUserAction,
	}
	if mutate != nil {
		mutate(&env)
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return data
}

func dailyRule() *ruleStoreStub {
	return &ruleStoreStub{rule: Rule{
		ID:       "rule-1",
		UserID:   "user-1",
		Pattern:  PatternDaily,
		Interval: 1,
	}}
}

func TestHandleGeneratesNextInstance(t *testing.T) {
	rules := dailyRule()
	instances := &instanceStoreStub{}
	g, published := newTestGenerator(rules, instances)

	outcome, err := g.Handle(context.Background(), completedEnvelope(t, nil))
	require.NoError(t, err)
	assert.Equal(t, messaging.OutcomeProcessed, outcome)

	require.Len(t, instances.created, 1)
	instance := instances.created[0]
	assert.Equal(t, "instance-1", instance.ID)
	assert.Equal(t, "user-1", instance.UserID)
	assert.Equal(t, "Water plants", instance.Title)
	require.NotNil(t, instance.DueDate)
	assert.Equal(t, time.Date(2024, time.June, 2, 9, 0, 0, 0, time.UTC), instance.DueDate.UTC())
	require.NotNil(t, instance.RecurrenceID)
	assert.Equal(t, "rule-1", *instance.RecurrenceID)

	require.Len(t, rules.advanced, 1)
	assert.Equal(t, *instance.DueDate, rules.advanced[0])

	require.Len(t, *published, 2)
	assert.True(t, strings.HasPrefix((*published)[0].subject, "task-events."))
	assert.True(t, strings.HasSuffix((*published)[0].subject, ".created"))
	assert.Equal(t, "task-updates.user-1", (*published)[1].subject)

	var created contracts.Envelope
	require.NoError(t, json.Unmarshal((*published)[0].payload, &created))
	assert.Equal(t, contracts.EventTaskCreated, created.EventType)
	assert.Equal(t, contracts.SourceRecurrence, created.Source)
	assert.Equal(t, "EVT-COMPLETE", created.CorrelationID)
	assert.Equal(t, "instance-1", created.TaskID)
}

func TestHandleRedeliveryCreatesNoSecondInstance(t *testing.T) {
	rules := dailyRule()
	instances := &instanceStoreStub{open: true}
	g, published := newTestGenerator(rules, instances)

	outcome, err := g.Handle(context.Background(), completedEnvelope(t, nil))
	require.NoError(t, err)
	assert.Equal(t, messaging.OutcomeDuplicate, outcome)
	assert.Empty(t, instances.created)
	assert.Empty(t, rules.advanced)
	assert.Empty(t, *published)
}

func TestHandleInsertConflictIsDuplicate(t *testing.T) {
	rules := dailyRule()
	instances := &instanceStoreStub{conflict: true}
	g, published := newTestGenerator(rules, instances)

	outcome, err := g.Handle(context.Background(), completedEnvelope(t, nil))
	require.NoError(t, err)
	assert.Equal(t, messaging.OutcomeDuplicate, outcome)
	assert.Empty(t, *published)
}

func TestHandleMissingRuleIsObsolete(t *testing.T) {
	rules := &ruleStoreStub{rule: Rule{ID: "other-rule"}}
	instances := &instanceStoreStub{}
	g, _ := newTestGenerator(rules, instances)

	outcome, err := g.Handle(context.Background(), completedEnvelope(t, nil))
	require.NoError(t, err)
	assert.Equal(t, messaging.OutcomeObsolete, outcome)
	assert.Empty(t, instances.created)
}

func TestHandleSkipsNonRecurringAndForeignEvents(t *testing.T) {
	g, _ := newTestGenerator(dailyRule(), &instanceStoreStub{})

	outcome, err := g.Handle(context.Background(), completedEnvelope(t, func(env *contracts.Envelope) {
		env.TaskSnapshot.RecurrenceID = ""
	}))
	require.NoError(t, err)
	assert.Equal(t, messaging.OutcomeSkipped, outcome)

	outcome, err = g.Handle(context.Background(), completedEnvelope(t, func(env *contracts.Envelope) {
		env.EventType = contracts.EventTaskUpdated
	}))
	require.NoError(t, err)
	assert.Equal(t, messaging.OutcomeSkipped, outcome)
}

func TestHandleRejectsMalformedPayloads(t *testing.T) {
	g, _ := newTestGenerator(dailyRule(), &instanceStoreStub{})

	_, err := g.Handle(context.Background(), []byte("not json"))
	assert.ErrorIs(t, err, contracts.ErrInvalidEnvelope)

	_, err = g.Handle(context.Background(), completedEnvelope(t, func(env *contracts.Envelope) {
		env.EventID = ""
	}))
	assert.ErrorIs(t, err, contracts.ErrInvalidEnvelope)

	_, err = g.Handle(context.Background(), completedEnvelope(t, func(env *contracts.Envelope) {
		env.TaskSnapshot.DueDate = nil
	}))
	assert.ErrorIs(t, err, messaging.ErrUnprocessable)
}

func TestHandleTransientStoreErrorSurfaces(t *testing.T) {
	boom := errors.New("connection refused")
	rules := dailyRule()
	rules.getErr = boom
	g, _ := newTestGenerator(rules, &instanceStoreStub{})

	_, err := g.Handle(context.Background(), completedEnvelope(t, nil))
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, messaging.ErrUnprocessable)
}

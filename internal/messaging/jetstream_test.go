package messaging

import (
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskloop/taskloop/internal/contracts"
)

func TestEventSubjectPartitionsByTask(t *testing.T) {
	a := EventSubject(contracts.EventTaskCompleted, "task-1", 16)
	b := EventSubject(contracts.EventTaskCreated, "task-1", 16)

	// Same task, same shard, regardless of event type.
	assert.Equal(t, "task-events.15.completed", a)
	assert.Equal(t, "task-events.15.created", b)
}

func TestWildcards(t *testing.T) {
	assert.Equal(t, "task-events.>", EventsWildcard())
	assert.Equal(t, "task-events.*.completed", EventsTypeWildcard(contracts.EventTaskCompleted))
	assert.Equal(t, "task-updates.>", UpdatesWildcard())
	assert.Equal(t, "task-updates.user-9", UpdateSubject("user-9"))
	assert.Equal(t, "deadletter.audit-sink", DeadLetterSubject("audit-sink"))
}

type capturingMsgPublisher struct {
	msgs []*nats.Msg
	err  error
}

func (p *capturingMsgPublisher) PublishMsg(msg *nats.Msg) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func TestDeadLetterKeepsOriginalSubject(t *testing.T) {
	pub := &capturingMsgPublisher{}
	orig := &nats.Msg{Subject: "task-events.3.completed", Data: []byte(`{"event_id":"ev-1"}`)}

	require.NoError(t, DeadLetter(pub, "recurrence-worker", orig))
	require.Len(t, pub.msgs, 1)

	dl := pub.msgs[0]
	assert.Equal(t, "deadletter.recurrence-worker", dl.Subject)
	assert.Equal(t, "task-events.3.completed", dl.Header.Get(OrigSubjectHeader))
	assert.Equal(t, orig.Data, dl.Data)
}

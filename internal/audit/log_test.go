package audit

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogAppendWritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	log := NewLog(&buf, 0)

	require.NoError(t, log.Append(Entry{
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ActorID:   "user-1",
		Action:    ActionWorkflowPause,
		Resource:  "wf-1",
		Result:    ResultSuccess,
	}))

	var decoded Entry
	require.NoError(t, json.NewDecoder(&buf).Decode(&decoded))
	assert.Equal(t, "user-1", decoded.ActorID)
	assert.Equal(t, ActionWorkflowPause, decoded.Action)
	assert.Equal(t, ResultSuccess, decoded.Result)
}

func TestLogAppendDefaultsTimestamp(t *testing.T) {
	var buf bytes.Buffer
	log := NewLog(&buf, 0)

	require.NoError(t, log.Append(Entry{ActorID: "user-1", Action: ActionRunCancel, Result: ResultSuccess}))

	got := log.Query(Filter{})
	require.Len(t, got, 1)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestLogQueryFiltersByActionAndResult(t *testing.T) {
	var buf bytes.Buffer
	log := NewLog(&buf, 0)

	require.NoError(t, log.Append(Entry{ActorID: "a", Action: ActionWorkflowPause, Resource: "wf-1", Result: ResultSuccess}))
	require.NoError(t, log.Append(Entry{ActorID: "b", Action: ActionTriggerDisable, Resource: "trig-1", Result: ResultForbidden}))
	require.NoError(t, log.Append(Entry{ActorID: "a", Action: ActionWorkflowPause, Resource: "wf-2", Result: ResultForbidden}))

	matches := log.Query(Filter{Action: ActionWorkflowPause, Result: ResultForbidden})
	require.Len(t, matches, 1)
	assert.Equal(t, "wf-2", matches[0].Resource)

	byActor := log.Query(Filter{ActorID: "a"})
	assert.Len(t, byActor, 2)
}

func TestLogQueryRespectsTailCap(t *testing.T) {
	var buf bytes.Buffer
	log := NewLog(&buf, 2)

	require.NoError(t, log.Append(Entry{Resource: "r1"}))
	require.NoError(t, log.Append(Entry{Resource: "r2"}))
	require.NoError(t, log.Append(Entry{Resource: "r3"}))

	all := log.Query(Filter{})
	require.Len(t, all, 2)
	assert.Equal(t, "r2", all[0].Resource)
	assert.Equal(t, "r3", all[1].Resource)
}

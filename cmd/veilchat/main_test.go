package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/veilchat/veilchat/internal/session"
)

func TestTurnSettled(t *testing.T) {
	base := session.NewState()

	streaming := base
	streaming.ActiveStreamID = "m1"
	streaming.ConnState = session.StateConnected
	assert.False(t, turnSettled(streaming), "in-flight stream is not settled")

	recovering := streaming
	recovering.ConnState = session.StateRecovering
	assert.False(t, turnSettled(recovering), "recovery in progress is not settled")

	// A dead connection hands the prompt back even with a stream nominally
	// pending, so the user can choose /retry or /fallback.
	dead := streaming
	dead.ConnState = session.StateError
	assert.True(t, turnSettled(dead))

	waiting := base
	waiting.ConnState = session.StateConnected
	waiting.Messages = []session.Message{{ID: "h1", Role: session.RoleHuman, Content: "q"}}
	assert.False(t, turnSettled(waiting), "human message awaiting a response is not settled")

	done := waiting
	done.Messages = append(done.Messages[:1:1], session.Message{
		ID: "m1", Role: session.RoleAssistant, Content: "hi", Complete: true,
	})
	assert.True(t, turnSettled(done))

	failed := waiting
	failed.Messages = append(failed.Messages[:1:1], session.Message{
		ID: "m1", Role: session.RoleAssistant, ErrorText: "boom",
	})
	assert.True(t, turnSettled(failed))

	sessionErr := base
	sessionErr.ConnState = session.StateConnected
	sessionErr.LastError = "session expired"
	assert.True(t, turnSettled(sessionErr))
}

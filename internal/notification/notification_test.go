package notification

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogSenderRecordsRequest(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sender := NewLogSender(zap.New(core))

	sender.Send(context.Background(), 77, "org-1")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "research request finished", entries[0].Message)
	fields := entries[0].ContextMap()
	assert.Equal(t, "77", fields["request_id"])
	assert.Equal(t, "org-1", fields["organization_id"])
}

package pipeline_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-notification-dispatch/internal/pipeline"
)

func TestEnvelopeTransformer(t *testing.T) {
	ctx := context.Background()

	testCases := []struct {
		name                  string
		inputMessage          *pipeline.Message
		expectError           bool
		expectedErrorContains string
		expectedClient        string
	}{
		{
			name: "Happy Path",
			inputMessage: &pipeline.Message{ID: "msg-1", Payload: []byte(
				`{"client_id":"client-a","request":{"phone_numbers":["+255700000001"],"title":"t","body":"b","data":{"n":1}}}`)},
			expectedClient: "client-a",
		},
		{
			name: "Client id from attributes",
			inputMessage: &pipeline.Message{
				ID:         "msg-2",
				Payload:    []byte(`{"request":{"topic":"news","title":"t","body":"b"}}`),
				Attributes: map[string]string{"client_id": "client-b"},
			},
			expectedClient: "client-b",
		},
		{
			name:                  "Failure - Malformed JSON",
			inputMessage:          &pipeline.Message{ID: "msg-3", Payload: []byte("not-json")},
			expectError:           true,
			expectedErrorContains: "failed to unmarshal send envelope",
		},
		{
			name:                  "Failure - No client",
			inputMessage:          &pipeline.Message{ID: "msg-4", Payload: []byte(`{"request":{"title":"t"}}`)},
			expectError:           true,
			expectedErrorContains: "client_id is required",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			env, skip, err := pipeline.EnvelopeTransformer(ctx, tc.inputMessage)
			if tc.expectError {
				require.Error(t, err)
				assert.True(t, skip)
				assert.Contains(t, err.Error(), tc.expectedErrorContains)
				return
			}
			require.NoError(t, err)
			assert.False(t, skip)
			assert.Equal(t, tc.expectedClient, env.ClientID)
		})
	}
}

package eventbus

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyang/delegate-broker/internal/domain/event"
	domaintask "github.com/alanyang/delegate-broker/internal/domain/task"
)

func TestEncode(t *testing.T) {
	big := strings.Repeat("x", maxPayload)
	tests := []struct {
		name          string
		event         event.Event
		wantErr       bool
		wantTruncated bool
	}{
		{
			name:  "small notice passes through",
			event: event.SelfDestruct("acct", uuid.New(), "s1"),
		},
		{
			name: "oversized response drops its data",
			event: event.TaskResponse(domaintask.Result{
				TaskID:    uuid.New(),
				AccountID: "acct",
				Outcome:   domaintask.Outcome{Code: domaintask.ResponseSuccess, Data: map[string]any{"stdout": big}},
			}),
			wantTruncated: true,
		},
		{
			name: "oversized notice without data is refused",
			event: event.TaskResponse(domaintask.Result{
				TaskID:    uuid.New(),
				AccountID: "acct",
				Outcome:   domaintask.Outcome{Code: domaintask.ResponseFailure, Message: big},
			}),
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := encode(tt.event)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.LessOrEqual(t, len(payload), maxPayload)

			var got event.Event
			require.NoError(t, json.Unmarshal(payload, &got))
			assert.Equal(t, tt.event.Type, got.Type)
			if tt.wantTruncated {
				require.NotNil(t, got.Result)
				assert.Equal(t, domaintask.ResponseSuccess, got.Result.Outcome.Code)
				assert.Equal(t, map[string]any{"truncated": true}, got.Result.Outcome.Data)
				assert.Equal(t, big, tt.event.Result.Outcome.Data["stdout"], "caller's result is untouched")
			}
		})
	}
}

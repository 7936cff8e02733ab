package queue

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"timelessbot/pkg/media"
)

func TestDecodeResult(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    ResultItem
		wantErr bool
	}{
		{
			name: "transaction added",
			body: `{"kind":"TRANSACTION_ADDED","user":"5511999990000","withError":false,"content":{"amount":35,"description":"Gas","type":"out"}}`,
			want: ResultItem{
				Kind:    OutcomeTransactionAdded,
				User:    "5511999990000",
				Content: ResultPayload{Amount: 35, Description: "Gas", Direction: DirectionOut},
			},
		},
		{
			name: "processor command alias",
			body: `{"kind":"GET_BALANCE","messageId":"m1","status":"PROCESSED","user":"5511999990000","content":{"message":"Saldo: R$ 10,00"}}`,
			want: ResultItem{
				Kind:      OutcomeBalanceQuery,
				MessageID: "m1",
				Status:    "PROCESSED",
				User:      "5511999990000",
				Content:   ResultPayload{Message: "Saldo: R$ 10,00"},
			},
		},
		{
			name: "session correlation",
			body: `{"kind":"ERROR","sessionId":"100"}`,
			want: ResultItem{Kind: OutcomeError, SessionID: "100"},
		},
		{name: "not json", body: `{`, wantErr: true},
		{name: "unknown kind", body: `{"kind":"DELETE","user":"1"}`, wantErr: true},
		{name: "no correlation key", body: `{"kind":"ERROR"}`, wantErr: true},
		{name: "negative amount", body: `{"kind":"TRANSACTION_ADDED","user":"1","content":{"amount":-1,"type":"IN"}}`, wantErr: true},
		{name: "bad direction", body: `{"kind":"TRANSACTION_ADDED","user":"1","content":{"amount":1,"type":"SIDEWAYS"}}`, wantErr: true},
		{name: "transaction without direction", body: `{"kind":"TRANSACTION_ADDED","user":"1","content":{"amount":1}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeResult([]byte(tt.body))
			if tt.wantErr {
				require.True(t, errors.Is(err, ErrMalformed), "error = %v, want ErrMalformed", err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestCorrelationKeyPrefersSession(t *testing.T) {
	require.Equal(t, "100", ResultItem{SessionID: " 100 ", User: "55"}.CorrelationKey())
	require.Equal(t, "55", ResultItem{User: "55"}.CorrelationKey())
}

func TestWorkItemEncodeUsesProcessorFieldNames(t *testing.T) {
	item := WorkItem{
		Sender:        "5511999990000",
		SessionID:     "s1",
		MessageID:     "e1",
		DedupKey:      "d",
		GroupKey:      "s1",
		Kind:          media.KindText,
		Status:        "READ",
		ExtractedText: "paid 10 for coffee",
		CreatedAt:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	body, err := item.Encode()
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(body, &fields))
	require.Equal(t, "5511999990000", fields["sender"])
	require.Equal(t, "TEXT", fields["kind"])
	require.Equal(t, "e1", fields["messageId"])
	require.Equal(t, "paid 10 for coffee", fields["messageBody"])
	require.NotContains(t, fields, "fields")
}

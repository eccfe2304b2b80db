package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"licensing/internal/app/intake"
	"licensing/internal/domain"
)

type fakePayments struct {
	events []domain.PaymentEvent
	err    error
}

func (f *fakePayments) HandlePayment(_ context.Context, ev domain.PaymentEvent) (*intake.Result, error) {
	f.events = append(f.events, ev)
	if f.err != nil {
		return nil, f.err
	}
	return &intake.Result{Status: ev.Status, License: &domain.License{ID: "lic-1"}}, nil
}

func TestPaymentEventMessageHandler(t *testing.T) {
	valid := `{"provider":"PayPal","provider_reference":"PP-9","status":"COMPLETED","product":"pos-pro","email":"buyer@example.com"}`

	tests := []struct {
		name       string
		value      string
		serviceErr error
		wantErr    bool
		wantCalls  int
	}{
		{name: "processed", value: valid, wantCalls: 1},
		{name: "malformed json is skipped", value: `{"provider":`, wantCalls: 0},
		{name: "invalid payload is skipped", value: `{"provider":"paypal","status":"COMPLETED"}`, wantCalls: 0},
		{name: "rejected by intake is skipped", value: valid, serviceErr: domain.ErrInvalidRequest, wantCalls: 1},
		{name: "transient failure is retried", value: valid, serviceErr: errors.New("db down"), wantErr: true, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payments := &fakePayments{err: tt.serviceErr}
			handler := PaymentEventMessageHandler(payments, zap.NewNop())

			err := handler(context.Background(), kafka.Message{Topic: "payment_events", Value: []byte(tt.value)})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			require.Len(t, payments.events, tt.wantCalls)
		})
	}
}

func TestPaymentEventMessageHandlerNormalises(t *testing.T) {
	payments := &fakePayments{}
	handler := PaymentEventMessageHandler(payments, zap.NewNop())

	value := `{"provider":"PayPal","provider_reference":"PP-9","status":"COMPLETED","email":"buyer@example.com"}`
	require.NoError(t, handler(context.Background(), kafka.Message{Value: []byte(value)}))

	require.Len(t, payments.events, 1)
	assert.Equal(t, "paypal", payments.events[0].Provider)
	assert.Equal(t, domain.PaymentPaid, payments.events[0].Status)
}

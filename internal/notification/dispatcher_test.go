package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, n Notification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

func TestDispatcherDeliversAsynchronously(t *testing.T) {
	notifier := new(mockNotifier)
	var wg sync.WaitGroup
	wg.Add(2)
	notifier.On("Notify", mock.Anything, mock.Anything).
		Return(nil).
		Run(func(mock.Arguments) { wg.Done() })

	d := NewDispatcher(zap.NewNop(), notifier, 8, 2)
	d.Start()

	d.Publish(context.Background(), Notification{Kind: KindRuleNotify, Subject: "a"})
	d.Publish(context.Background(), Notification{Kind: KindPaymentAnomaly, Subject: "b"})

	wg.Wait()
	require.NoError(t, d.Stop(context.Background()))
	notifier.AssertNumberOfCalls(t, "Notify", 2)
}

func TestDispatcherSwallowsDeliveryErrors(t *testing.T) {
	notifier := new(mockNotifier)
	notifier.On("Notify", mock.Anything, mock.Anything).Return(errors.New("slack down"))

	d := NewDispatcher(zap.NewNop(), notifier, 1, 1)
	d.Start()
	d.Publish(context.Background(), Notification{Kind: KindPaymentAnomaly})
	require.NoError(t, d.Stop(context.Background()))

	notifier.AssertNumberOfCalls(t, "Notify", 1)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	notifier := new(mockNotifier)
	d := NewDispatcher(zap.NewNop(), notifier, 1, 1)

	// workers are not started, so the second publish finds the queue full
	d.Publish(context.Background(), Notification{Kind: "first"})
	d.Publish(context.Background(), Notification{Kind: "second"})
	assert.Len(t, d.queue, 1)

	notifier.On("Notify", mock.Anything, mock.MatchedBy(func(n Notification) bool { return n.Kind == "first" })).Return(nil)
	d.Start()
	require.NoError(t, d.Stop(context.Background()))
	notifier.AssertExpectations(t)

	// publishing after stop must not panic
	d.Publish(context.Background(), Notification{Kind: "late"})
}

func TestSlackNotifierPostsText(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewSlackNotifier(NewSlackProvider(srv.URL, &http.Client{Timeout: time.Second}), "#ops")
	err := n.Notify(context.Background(), Notification{
		Kind:    KindPaymentAnomaly,
		Subject: "unmatched event",
		Fields:  map[string]string{"processor": "stripe", "event_id": "evt_1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "#ops", got["channel"])
	assert.Equal(t, "[payment.anomaly] unmatched event event_id=evt_1 processor=stripe", got["text"])
}

func TestSlackNotifierSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewSlackNotifier(NewSlackProvider(srv.URL, nil), "#ops")
	assert.Error(t, n.Notify(context.Background(), Notification{Kind: KindRuleNotify}))
}

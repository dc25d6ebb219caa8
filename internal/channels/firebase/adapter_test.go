package firebase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"firebase.google.com/go/v4/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/notify-fanout/internal/domain"
)

type fakeClient struct {
	mu   sync.Mutex
	sent []*messaging.Message
	err  error
}

func (f *fakeClient) Send(_ context.Context, msg *messaging.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, msg)
	if f.err != nil {
		return "", f.err
	}
	return "projects/test/messages/123", nil
}

func newTestAdapter(t *testing.T, fcm client) *Adapter {
	t.Helper()

	adapter, err := newAdapterWithClient(Config{RatePerSecond: 10000, Concurrency: 5}, fcm)
	require.NoError(t, err)
	t.Cleanup(adapter.Close)
	return adapter
}

func pushMeta(title, body string) domain.Meta {
	return domain.Meta{Push: &domain.PushMeta{Title: title, Body: body}}
}

func TestNewAdapter_RequiresCredentials(t *testing.T) {
	resetInit()

	_, err := NewAdapter(context.Background(), Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials")
}

func TestAdapter_Send_Success(t *testing.T) {
	fcm := &fakeClient{}
	adapter := newTestAdapter(t, fcm)

	results := adapter.Send(context.Background(), []string{"token-1"}, []domain.Meta{pushMeta("T", "B")}, nil)

	require.Len(t, results, 1)
	assert.Equal(t, domain.StatusSuccess, results[0].Status)
	assert.Equal(t, "token-1", results[0].Recipient)
	assert.Equal(t, "projects/test/messages/123", results[0].Response)

	require.Len(t, fcm.sent, 1)
	assert.Equal(t, "token-1", fcm.sent[0].Token)
	require.NotNil(t, fcm.sent[0].Notification)
	assert.Equal(t, "T", fcm.sent[0].Notification.Title)
	assert.Equal(t, "B", fcm.sent[0].Notification.Body)
}

func TestAdapter_Send_OnePerToken(t *testing.T) {
	fcm := &fakeClient{}
	adapter := newTestAdapter(t, fcm)

	tokens := []string{"t1", "t2", "t3"}
	metas := []domain.Meta{pushMeta("T", "B"), pushMeta("T", "B"), pushMeta("T", "B")}

	results := adapter.Send(context.Background(), tokens, metas, nil)

	require.Len(t, results, 3)
	assert.Len(t, fcm.sent, 3, "one transport call per token, no multicast")
}

func TestAdapter_Send_DataOnlyPayload(t *testing.T) {
	fcm := &fakeClient{}
	adapter := newTestAdapter(t, fcm)

	meta := domain.Meta{Push: &domain.PushMeta{Data: map[string]string{"k": "v"}}}
	results := adapter.Send(context.Background(), []string{"t1"}, []domain.Meta{meta}, nil)

	require.Len(t, results, 1)
	assert.Equal(t, domain.StatusSuccess, results[0].Status)
	require.Len(t, fcm.sent, 1)
	assert.Nil(t, fcm.sent[0].Notification)
	assert.Equal(t, map[string]string{"k": "v"}, fcm.sent[0].Data)
}

func TestAdapter_Send_InvalidPayload(t *testing.T) {
	fcm := &fakeClient{}
	adapter := newTestAdapter(t, fcm)

	// Neither notification nor data after assembly.
	meta := domain.Meta{Push: &domain.PushMeta{}}
	results := adapter.Send(context.Background(), []string{"t1"}, []domain.Meta{meta}, nil)

	require.Len(t, results, 1)
	assert.Equal(t, domain.StatusError, results[0].Status)
	assert.Equal(t, "INVALID_PAYLOAD", results[0].Error)
	assert.Equal(t, "Message must contain notification or data", results[0].Response)
	assert.Empty(t, fcm.sent, "transport must not be called")
}

func TestAdapter_Send_MalformedPassthrough(t *testing.T) {
	fcm := &fakeClient{}
	adapter := newTestAdapter(t, fcm)

	meta := domain.Meta{Push: &domain.PushMeta{
		Title:   "T",
		Android: []byte(`{"priority":`),
	}}
	results := adapter.Send(context.Background(), []string{"t1"}, []domain.Meta{meta}, nil)

	require.Len(t, results, 1)
	assert.Equal(t, "INVALID_PAYLOAD", results[0].Error)
	assert.Empty(t, fcm.sent)
}

func TestAdapter_Send_PassthroughDecoded(t *testing.T) {
	fcm := &fakeClient{}
	adapter := newTestAdapter(t, fcm)

	meta := domain.Meta{Push: &domain.PushMeta{
		Title:   "T",
		Android: []byte(`{"priority":"high"}`),
	}}
	results := adapter.Send(context.Background(), []string{"t1"}, []domain.Meta{meta}, nil)

	require.Len(t, results, 1)
	assert.Equal(t, domain.StatusSuccess, results[0].Status)
	require.Len(t, fcm.sent, 1)
	require.NotNil(t, fcm.sent[0].Android)
	assert.Equal(t, "high", fcm.sent[0].Android.Priority)
}

func TestAdapter_Send_TransportError(t *testing.T) {
	fcm := &fakeClient{err: errors.New("registration token is unregistered")}
	adapter := newTestAdapter(t, fcm)

	results := adapter.Send(context.Background(), []string{"t1"}, []domain.Meta{pushMeta("T", "B")}, nil)

	require.Len(t, results, 1)
	assert.Equal(t, domain.StatusError, results[0].Status)
	assert.True(t, strings.HasPrefix(results[0].Error, "N/A:"), "got %q", results[0].Error)
	assert.NotContains(t, results[0].Error, " ")
	assert.LessOrEqual(t, len(results[0].Error), 255)
}

func TestFCMErrorCode_Unknown(t *testing.T) {
	assert.Equal(t, "unknown", fcmErrorCode(errors.New("mystery")))
}

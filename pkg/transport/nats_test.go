package transport

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func natsTestURL(t *testing.T) string {
	url := os.Getenv("CONVSYNC_TEST_NATS_URL")
	if url == "" {
		t.Skip("CONVSYNC_TEST_NATS_URL not set")
	}
	return url
}

func TestNATS_RoundTrip(t *testing.T) {
	nc, err := ConnectNATS(natsTestURL(t), "convsync-test")
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	tr := NewNATS(nc, "test")
	ctx := context.Background()
	got := make(chan Event, 1)
	sub, err := tr.OnChanged(ctx, "s1", func(ev Event) { got <- ev })
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, nc.Flush())

	ev, err := NewEvent(KindChanged, "s1", "c1", map[string]any{"is_new": true})
	require.NoError(t, err)
	require.NoError(t, tr.Emit(ctx, ev))

	select {
	case e := <-got:
		require.Equal(t, KindChanged, e.Kind)
		require.Equal(t, "c1", e.Key)
		require.JSONEq(t, `{"is_new":true}`, string(e.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestNATS_NilConnection(t *testing.T) {
	tr := NewNATS(nil, "test")
	_, err := tr.OnAdded(context.Background(), "s1", func(Event) {})
	require.Error(t, err)

	var cbErr error
	tr.SendMessage(context.Background(), OutgoingMessage{Text: "hi"}, func(err error) { cbErr = err })
	require.Error(t, cbErr)
}

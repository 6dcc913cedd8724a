package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/obby/reload-hub/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := New()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h, cancel
}

func receive(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case msg, ok := <-c.Send:
		require.True(t, ok, "client channel closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func assertNoMessage(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.Send:
		t.Fatalf("unexpected message %q", msg.Event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_PublishDeliversInOrder(t *testing.T) {
	h, _ := startHub(t)
	client := h.NewClient()
	require.NoError(t, h.Register(client))

	h.Publish(events.Event{
		Name:    events.FileChanged,
		Payload: events.FileChangedPayload{Path: "a.css", Basename: "a.css", Ext: "css", Event: "change", Namespace: "core"},
	})
	h.Publish(events.Event{Name: events.StreamChanged, Payload: events.StreamChangedPayload{Changed: []string{"a.css"}}})
	h.Publish(events.Event{Name: events.BrowserReload})

	first := receive(t, client)
	assert.Equal(t, "file:changed", first.Event)
	var payload events.FileChangedPayload
	require.NoError(t, json.Unmarshal(first.Data, &payload))
	assert.Equal(t, "a.css", payload.Path)

	second := receive(t, client)
	assert.Equal(t, "stream:changed", second.Event)
	assert.JSONEq(t, `{"changed":["a.css"]}`, string(second.Data))

	third := receive(t, client)
	assert.Equal(t, "browser:reload", third.Event)
	assert.Empty(t, third.Data)
}

func TestHub_InternalEventsOnlyReachInternalClients(t *testing.T) {
	h, _ := startHub(t)
	browser := h.NewClient()
	server := h.NewClient()
	server.Internal = true
	require.NoError(t, h.Register(browser))
	require.NoError(t, h.Register(server))

	h.Publish(events.Event{Name: events.BrowserReloadInternal})
	h.Publish(events.Event{Name: events.BrowserReload})

	assert.Equal(t, "browser:reload", receive(t, browser).Event)
	assert.Equal(t, "_browser:reload", receive(t, server).Event)
	assert.Equal(t, "browser:reload", receive(t, server).Event)
}

func TestHub_TopicFiltering(t *testing.T) {
	h, _ := startHub(t)
	reloads := h.NewClient(string(events.BrowserReload))
	everything := h.NewClient(AllTopics)
	require.NoError(t, h.Register(reloads))
	require.NoError(t, h.Register(everything))

	h.Publish(events.Event{Name: events.FileChanged, Payload: events.FileChangedPayload{Path: "x.js"}})
	h.Publish(events.Event{Name: events.BrowserReload})

	assert.Equal(t, "browser:reload", receive(t, reloads).Event)
	assert.Equal(t, "file:changed", receive(t, everything).Event)
	assert.Equal(t, "browser:reload", receive(t, everything).Event)
	assertNoMessage(t, reloads)
}

func TestClient_SubscribeUnsubscribe(t *testing.T) {
	c := New().NewClient()
	assert.True(t, c.IsSubscribed("anything"), "no topics means all topics")

	c.Subscribe("file:reload")
	c.Subscribe("")
	assert.True(t, c.IsSubscribed("file:reload"))
	assert.False(t, c.IsSubscribed("file:changed"))

	c.Unsubscribe("file:reload")
	assert.False(t, c.IsSubscribed("file:reload"))
	assert.False(t, c.IsSubscribed("file:changed"))

	c.Subscribe(AllTopics)
	assert.True(t, c.IsSubscribed("file:changed"))
	c.Unsubscribe(AllTopics)
	assert.False(t, c.IsSubscribed("file:changed"))
}

func TestHub_UnsubscribingLastTopicReceivesNothing(t *testing.T) {
	h, _ := startHub(t)
	client := h.NewClient("file:reload")
	require.NoError(t, h.Register(client))
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	client.Unsubscribe("file:reload")
	h.Publish(events.Event{Name: events.BrowserReload})
	h.Publish(events.Event{Name: events.FileReload})

	assertNoMessage(t, client)
	assert.False(t, client.IsSubscribed("file:changed"))
}

func TestHub_UnregisterClosesClient(t *testing.T) {
	h, _ := startHub(t)
	client := h.NewClient()
	require.NoError(t, h.Register(client))
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	h.Unregister(client)
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, 5*time.Millisecond)

	_, ok := <-client.Send
	assert.False(t, ok, "Send should be closed after unregister")

	// A second unregister is harmless.
	h.Unregister(client)
}

func TestHub_SlowClientIsDisconnected(t *testing.T) {
	h, _ := startHub(t)
	client := h.NewClient()
	require.NoError(t, h.Register(client))

	for i := 0; i < clientBuffer+16; i++ {
		h.Publish(events.Event{Name: events.BrowserReload})
		if i%32 == 0 {
			// let the loop drain the broadcast queue
			time.Sleep(5 * time.Millisecond)
		}
	}

	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	h, cancel := startHub(t)
	client := h.NewClient()
	require.NoError(t, h.Register(client))

	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-client.Send:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, h.Register(h.NewClient()), ErrHubStopped)
}

func TestHub_PublishWithoutRunDoesNotBlock(t *testing.T) {
	h := New()
	done := make(chan struct{})
	go func() {
		for i := 0; i < broadcastBuffer*2; i++ {
			h.Publish(events.Event{Name: events.BrowserReload})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked")
	}
}

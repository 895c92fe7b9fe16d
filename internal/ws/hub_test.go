package ws

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func newTestClient(rh *RoomHub, userID string) *Client {
	return &Client{room: rh, userID: userID, nick: "nick-" + userID, send: make(chan []byte, 256), done: make(chan struct{})}
}

func recv(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case b := <-c.send:
		var env Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		return env
	case <-time.After(200 * time.Millisecond):
		t.Fatal("no frame received")
	}
	return Envelope{}
}

func TestHub_Online_NonExistentRoom(t *testing.T) {
	hub := NewHub()
	if online := hub.Online("missing"); online != 0 {
		t.Errorf("Online() for non-existent room = %d, want 0", online)
	}
}

func TestHub_BroadcastWithoutListenersIsNoop(t *testing.T) {
	hub := NewHub()
	if err := hub.Broadcast("r1", EventChat, map[string]string{"chat_id": "c1"}); err != nil {
		t.Errorf("Broadcast() error = %v", err)
	}
	if hub.lookup("r1") != nil {
		t.Error("Broadcast() created a room hub")
	}
}

func TestRoomHub_RegisterUnregister(t *testing.T) {
	rh := NewRoomHub("r1")
	go rh.run()

	a, b := newTestClient(rh, "a"), newTestClient(rh, "b")
	rh.register <- a
	rh.register <- b
	time.Sleep(10 * time.Millisecond)

	if rh.Online() != 2 {
		t.Errorf("Online() after register = %d, want 2", rh.Online())
	}

	rh.unregister <- a
	env := recv(t, b)
	if env.Event != EventLeave {
		t.Errorf("event = %s, want leave", env.Event)
	}
	var p Presence
	_ = json.Unmarshal(env.Data, &p)
	if p.UserID != "a" || p.RoomID != "r1" || p.Online != 1 {
		t.Errorf("presence = %+v", p)
	}
	select {
	case <-a.done:
	default:
		t.Error("unregistered client not closed")
	}
}

func TestHub_BroadcastReachesRoomOnly(t *testing.T) {
	hub := NewHub()
	in1 := newTestClient(hub.GetRoom("r1"), "a")
	in2 := newTestClient(hub.GetRoom("r2"), "b")
	hub.GetRoom("r1").register <- in1
	hub.GetRoom("r2").register <- in2
	time.Sleep(10 * time.Millisecond)

	if err := hub.Broadcast("r1", EventChat, map[string]string{"chat_id": "c1"}); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	env := recv(t, in1)
	if env.Event != EventChat || string(env.Data) != `{"chat_id":"c1"}` {
		t.Errorf("frame = %s %s", env.Event, env.Data)
	}
	select {
	case b := <-in2.send:
		t.Errorf("other room received %s", b)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRoomHub_SlowClientDropped(t *testing.T) {
	rh := NewRoomHub("r1")
	go rh.run()
	slow := &Client{room: rh, userID: "slow", send: make(chan []byte), done: make(chan struct{})}
	rh.register <- slow
	time.Sleep(10 * time.Millisecond)

	rh.broadcast <- []byte(`{"event":"chat"}`)
	time.Sleep(10 * time.Millisecond)

	if rh.Online() != 0 {
		t.Errorf("Online() = %d, want slow client dropped", rh.Online())
	}
}

func TestRoomHub_Concurrent(t *testing.T) {
	rh := NewRoomHub("r1")
	go rh.run()

	var wg sync.WaitGroup
	numClients := 10
	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			rh.register <- newTestClient(rh, string(rune('a'+id)))
		}(i)
	}
	wg.Wait()
	time.Sleep(50 * time.Millisecond)

	if rh.Online() != numClients {
		t.Errorf("Online() after concurrent register = %d, want %d", rh.Online(), numClients)
	}
}

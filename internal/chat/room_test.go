package chat

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"coolvibeclub/internal/models"
)

func openTestRoom(t *testing.T, tr *fakeTransport, api *fakeAPI, limit int) *Room {
	t.Helper()
	ch := newTestChannel(tr, api)
	r, err := OpenRoom(context.Background(), RoomDeps{API: api, Channel: ch, PageLimit: limit}, "r1")
	if err != nil {
		t.Fatalf("OpenRoom() error = %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func push(t *testing.T, c *fakeConn, chat models.Chat) {
	t.Helper()
	data, err := json.Marshal(chat)
	if err != nil {
		t.Fatal(err)
	}
	c.in <- Envelope{Event: EventChat, Data: data}
}

func TestOpenRoom_HistoryAndSocketOverlap(t *testing.T) {
	api := &fakeAPI{history: []models.Chat{chatAt("A", 0), chatAt("B", time.Second)}}
	tr := &fakeTransport{}
	r := openTestRoom(t, tr, api, 30)

	push(t, tr.last(), chatAt("B", time.Second))
	push(t, tr.last(), chatAt("C", 2*time.Second))

	ok := eventually(func() bool { return r.Snapshot().Timeline.Len() == 3 })
	if !ok {
		t.Fatalf("Len() = %d, want 3", r.Snapshot().Timeline.Len())
	}
	if got := ids(r.Snapshot().Messages()); !equalIDs(got, []string{"A", "B", "C"}) {
		t.Errorf("Messages() = %v, want [A B C]", got)
	}
	if got := tr.last().events(); len(got) == 0 || got[0] != EventJoin {
		t.Errorf("sent events = %v, want join first", got)
	}
}

func TestOpenRoom_SocketFailureIsNonFatal(t *testing.T) {
	api := &fakeAPI{history: []models.Chat{chatAt("A", 0)}}
	tr := &fakeTransport{err: errDial}
	r := openTestRoom(t, tr, api, 30)

	snap := r.Snapshot()
	if snap.Timeline.Len() != 1 {
		t.Errorf("Len() = %d, want 1", snap.Timeline.Len())
	}
	if snap.Conn != Disconnected {
		t.Errorf("Conn = %v, want disconnected", snap.Conn)
	}

	chat, err := r.Send(context.Background(), "still works", nil)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !r.Snapshot().Timeline.Contains(chat.ChatID) {
		t.Error("sent chat missing from timeline")
	}
}

func TestOpenRoom_HistoryFailure(t *testing.T) {
	api := &fakeAPI{histErr: errors.New("server down")}
	tr := &fakeTransport{}
	ch := newTestChannel(tr, api)

	_, err := OpenRoom(context.Background(), RoomDeps{API: api, Channel: ch}, "r1")
	if err == nil {
		t.Fatal("OpenRoom() error = nil, want history failure")
	}
	if ch.State() != Disconnected {
		t.Errorf("channel State() = %v, want disconnected", ch.State())
	}
}

func TestRoom_SendEchoDeduplicated(t *testing.T) {
	api := &fakeAPI{}
	tr := &fakeTransport{}
	r := openTestRoom(t, tr, api, 30)

	chat, err := r.Send(context.Background(), "hello", nil)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	push(t, tr.last(), chat)
	push(t, tr.last(), chatAt("Z", 3*time.Hour))

	if !eventually(func() bool { return r.Snapshot().Timeline.Contains("Z") }) {
		t.Fatal("socket message not applied")
	}
	if n := r.Snapshot().Timeline.Len(); n != 2 {
		t.Errorf("Len() = %d, want 2", n)
	}
}

func TestRoom_LoadOlder(t *testing.T) {
	var history []models.Chat
	for i := 0; i < 5; i++ {
		history = append(history, chatAt(string(rune('a'+i)), time.Duration(i)*time.Minute))
	}
	api := &fakeAPI{history: history}
	tr := &fakeTransport{}
	r := openTestRoom(t, tr, api, 3)

	if !r.Snapshot().HasMore {
		t.Fatal("HasMore = false after a full first page")
	}
	if got := ids(r.Snapshot().Messages()); !equalIDs(got, []string{"c", "d", "e"}) {
		t.Fatalf("first page = %v, want [c d e]", got)
	}

	n, err := r.LoadOlder(context.Background())
	if err != nil {
		t.Fatalf("LoadOlder() error = %v", err)
	}
	if n != 2 {
		t.Errorf("LoadOlder() = %d, want 2", n)
	}
	if got := ids(r.Snapshot().Messages()); !equalIDs(got, []string{"a", "b", "c", "d", "e"}) {
		t.Errorf("Messages() = %v, want [a b c d e]", got)
	}
	if r.Snapshot().HasMore {
		t.Error("HasMore = true after a short page")
	}
	api.mu.Lock()
	q := api.queries[len(api.queries)-1]
	api.mu.Unlock()
	if q.Before.IsZero() {
		t.Error("LoadOlder() query has no before cursor")
	}
}

func TestRoom_ReconnectBackfills(t *testing.T) {
	api := &fakeAPI{history: []models.Chat{chatAt("A", 0)}}
	tr := &fakeTransport{}
	r := openTestRoom(t, tr, api, 30)

	tr.last().drop()
	if !eventually(func() bool { return r.Snapshot().Conn == Disconnected }) {
		t.Fatalf("Conn = %v, want disconnected", r.Snapshot().Conn)
	}

	// 断线期间产生的消息
	api.add(chatAt("B", time.Second))

	if err := r.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect() error = %v", err)
	}
	if got := ids(r.Snapshot().Messages()); !equalIDs(got, []string{"A", "B"}) {
		t.Errorf("Messages() = %v, want [A B]", got)
	}
	api.mu.Lock()
	q := api.queries[len(api.queries)-1]
	api.mu.Unlock()
	if !q.After.Equal(t0) {
		t.Errorf("backfill After = %v, want %v", q.After, t0)
	}
	if !eventually(func() bool { return r.Snapshot().Conn == Connected }) {
		t.Errorf("Conn = %v, want connected", r.Snapshot().Conn)
	}
}

func TestRoom_ReconnectBackfillsGapLargerThanPage(t *testing.T) {
	api := &fakeAPI{history: []models.Chat{chatAt("A", 0)}}
	tr := &fakeTransport{}
	r := openTestRoom(t, tr, api, 2)

	tr.last().drop()
	if !eventually(func() bool { return r.Snapshot().Conn == Disconnected }) {
		t.Fatalf("Conn = %v, want disconnected", r.Snapshot().Conn)
	}
	for i, id := range []string{"B", "C", "D", "E"} {
		api.add(chatAt(id, time.Duration(i+1)*time.Second))
	}

	if err := r.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect() error = %v", err)
	}
	push(t, tr.last(), chatAt("F", 5*time.Second))

	want := []string{"A", "B", "C", "D", "E", "F"}
	if !eventually(func() bool { return r.Snapshot().Timeline.Len() == len(want) }) {
		t.Fatalf("Messages() = %v, want %v", ids(r.Snapshot().Messages()), want)
	}
	if got := ids(r.Snapshot().Messages()); !equalIDs(got, want) {
		t.Errorf("Messages() = %v, want %v", got, want)
	}
}

func TestRoom_BackfillSameTimestampAcrossPages(t *testing.T) {
	api := &fakeAPI{history: []models.Chat{chatAt("A", 0)}}
	tr := &fakeTransport{}
	r := openTestRoom(t, tr, api, 2)

	tr.last().drop()
	eventually(func() bool { return r.Snapshot().Conn == Disconnected })
	for _, id := range []string{"B1", "B2", "B3"} {
		api.add(chatAt(id, time.Second))
	}

	if err := r.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect() error = %v", err)
	}
	if got := ids(r.Snapshot().Messages()); !equalIDs(got, []string{"A", "B1", "B2", "B3"}) {
		t.Errorf("Messages() = %v, want [A B1 B2 B3]", got)
	}
}

func TestOpenRoom_BackfillsMessagesPersistedWhileDialing(t *testing.T) {
	api := &fakeAPI{history: []models.Chat{chatAt("A", 0)}}
	tr := &fakeTransport{}
	tr.onDial = func() {
		// 历史已查询完毕、订阅尚未建立时，B 被持久化并广播
		eventually(func() bool { return api.queryCount() > 0 })
		api.add(chatAt("B", time.Second))
	}
	r := openTestRoom(t, tr, api, 30)

	push(t, tr.last(), chatAt("C", 2*time.Second))

	if !eventually(func() bool { return r.Snapshot().Timeline.Len() == 3 }) {
		t.Fatalf("Messages() = %v, want [A B C]", ids(r.Snapshot().Messages()))
	}
	if got := ids(r.Snapshot().Messages()); !equalIDs(got, []string{"A", "B", "C"}) {
		t.Errorf("Messages() = %v, want [A B C]", got)
	}
}

func TestRoom_UpdatesPublishesLatest(t *testing.T) {
	api := &fakeAPI{}
	tr := &fakeTransport{}
	r := openTestRoom(t, tr, api, 30)

	push(t, tr.last(), chatAt("A", 0))

	deadline := time.After(time.Second)
	for {
		select {
		case s := <-r.Updates():
			if s.Timeline.Contains("A") {
				return
			}
		case <-deadline:
			t.Fatal("Updates() never published the socket message")
		}
	}
}

func TestRoom_CloseLeavesAndDisconnects(t *testing.T) {
	api := &fakeAPI{}
	tr := &fakeTransport{}
	ch := newTestChannel(tr, api)
	r, err := OpenRoom(context.Background(), RoomDeps{API: api, Channel: ch}, "r1")
	if err != nil {
		t.Fatalf("OpenRoom() error = %v", err)
	}
	conn := tr.last()

	r.Close()
	r.Close()

	if got := conn.events(); got[len(got)-1] != EventLeave {
		t.Errorf("last event = %v, want leave", got)
	}
	if !conn.isClosed() || ch.State() != Disconnected {
		t.Error("channel not disconnected after Close")
	}
	if _, err := r.LoadOlder(context.Background()); err != nil {
		t.Errorf("LoadOlder() after Close error = %v", err)
	}
}

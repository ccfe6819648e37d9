package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"causalText/backend/internal/cache"
	"causalText/backend/internal/collab"
	"causalText/backend/internal/crdt"
)

func newTestServer(t *testing.T) (*httptest.Server, *collab.InMemoryService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc, err := collab.NewInMemoryService(collab.ServiceOptions{Replica: 1})
	if err != nil {
		t.Fatalf("NewInMemoryService: %v", err)
	}
	hub := NewHub(cache.NewMemoryPresence())
	svc.AddSink(hub)
	m := NewManager(hub, svc, collab.NewSemaphoreControlN(4))

	r := gin.New()
	r.GET("/ws", m.WebSocketConnect)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, svc
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?name=tester"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	readUntil(t, conn, TypeWelcome)
	return conn
}

// readUntil 跳过其他类型的消息，直到读到 typ
func readUntil(t *testing.T, conn *websocket.Conn, typ string) ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if msg.Type == typ {
			return msg
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestWS_IntentBroadcastAndSync(t *testing.T) {
	srv, svc := newTestServer(t)

	c1 := dial(t, srv)
	send(t, c1, ClientMessage{Type: TypeJoinDocument, DocID: "d1"})
	joined := readUntil(t, c1, TypeJoinDocument)
	if joined.DocID != "d1" || joined.Replica != 1 || joined.Text == nil || *joined.Text != "" {
		t.Fatalf("join = %+v", joined)
	}

	send(t, c1, ClientMessage{Type: TypeIntent, Intent: &collab.IntentMessage{Kind: collab.KindInsertAt, Pos: 0, Text: "hi"}})
	upd := readUntil(t, c1, TypeUpdate)
	if upd.Text == nil || *upd.Text != "hi" || len(upd.Ops) != 2 {
		t.Fatalf("update = %+v", upd)
	}

	c2 := dial(t, srv)
	send(t, c2, ClientMessage{Type: TypeJoinDocument, DocID: "d1"})
	readUntil(t, c2, TypeJoinDocument)
	send(t, c2, ClientMessage{Type: TypeSyncRequest, Version: &crdt.Global{}})
	synced := readUntil(t, c2, TypeSync)
	if len(synced.Ops) != 2 || synced.Version.Get(1) != 2 {
		t.Fatalf("sync = %+v", synced)
	}
	if synced.Frontier == nil || synced.Frontier.Get(1) != 2 {
		t.Fatalf("sync frontier = %v", synced.Frontier)
	}

	// 另一个副本基于同步结果生成的操作
	peer := crdt.NewBuffer(9)
	for _, op := range synced.Ops {
		peer.Integrate(op)
	}
	op := peer.LocalInsert(2, '!')
	send(t, c2, ClientMessage{Type: TypeOp, Ops: []crdt.Op{op}})
	out := readUntil(t, c2, TypeOutcome)
	if len(out.Outcomes) != 1 || out.Outcomes[0] != "integrated" {
		t.Fatalf("outcome = %+v", out)
	}
	send(t, c2, ClientMessage{Type: TypeOp, Ops: []crdt.Op{op}})
	out = readUntil(t, c2, TypeOutcome)
	if out.Outcomes[0] != "duplicate" {
		t.Fatalf("outcome = %+v, want duplicate", out)
	}

	// c1 收到转发
	relayed := readUntil(t, c1, TypeOps)
	for len(relayed.Ops) != 1 || relayed.Ops[0].ID != op.ID {
		relayed = readUntil(t, c1, TypeOps)
	}
	if text, _ := svc.Render(t.Context(), "d1"); text != "hi!" {
		t.Fatalf("text = %q, want hi!", text)
	}

	send(t, c2, ClientMessage{Type: TypeCursor, Pos: 1})
	cur := readUntil(t, c1, TypePresence)
	for cur.Cursor == nil {
		cur = readUntil(t, c1, TypePresence)
	}
	if *cur.Cursor != 1 {
		t.Fatalf("cursor = %d, want 1", *cur.Cursor)
	}

	send(t, c2, ClientMessage{Type: TypeHeartbeat})
	pres := readUntil(t, c2, TypePresence)
	if len(pres.Members) != 2 {
		t.Fatalf("members = %+v, want 2", pres.Members)
	}
}

func TestWS_RequiresJoin(t *testing.T) {
	srv, _ := newTestServer(t)
	c := dial(t, srv)

	send(t, c, ClientMessage{Type: TypeIntent, Intent: &collab.IntentMessage{Kind: collab.KindInsertAt, Text: "x"}})
	if msg := readUntil(t, c, TypeError); msg.Content != "NOT_JOINED" {
		t.Fatalf("error = %q", msg.Content)
	}
	send(t, c, ClientMessage{Type: TypeJoinDocument})
	if msg := readUntil(t, c, TypeError); msg.Content != "MISSING_DOCID" {
		t.Fatalf("error = %q", msg.Content)
	}
	send(t, c, ClientMessage{Type: TypeJoinDocument, DocID: "d"})
	readUntil(t, c, TypeJoinDocument)
	send(t, c, ClientMessage{Type: "undo"})
	readUntil(t, c, TypeIgnored)
	send(t, c, ClientMessage{Type: TypeIntent, Intent: &collab.IntentMessage{Kind: "undo"}})
	readUntil(t, c, TypeError)
}

// 一个连接的发送队列满了、写循环卡住时，给它的回复会等待，
// 但房间广播必须立即返回，不能拖住其他连接
func TestHub_PublishNotBlockedBySlowConn(t *testing.T) {
	hub := NewHub(cache.NewMemoryPresence())
	slow := NewConn(nil, hub, nil, nil)
	slow.docID = "d"
	hub.Join("d", slow)
	fast := NewConn(nil, hub, nil, nil)
	fast.docID = "d"
	hub.Join("d", fast)

	for i := 0; i < sendQueueSize; i++ {
		slow.SendMessage_Enqueue(ServerMessage{Type: TypeOps, DocID: "d"})
	}
	replied := make(chan struct{})
	go func() {
		slow.reply(ServerMessage{Type: TypeUpdate, DocID: "d"})
		close(replied)
	}()

	published := make(chan struct{})
	go func() {
		hub.Publish(context.Background(), "d", []crdt.Op{{ID: crdt.ID{Replica: 2, Seq: 1}, Char: 'x'}})
		close(published)
	}()
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatalf("Publish blocked on a full connection")
	}
	if got := len(fast.send); got != 1 {
		t.Fatalf("fast conn queued %d messages, want 1", got)
	}

	// 关闭后等待中的回复放弃，之后的入队直接忽略
	slow.close()
	select {
	case <-replied:
	case <-time.After(time.Second):
		t.Fatalf("reply still blocked after close")
	}
	slow.SendMessage_Enqueue(ServerMessage{Type: TypeOps, DocID: "d"})
	slow.close()
}

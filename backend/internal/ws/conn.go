package ws

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"causalText/backend/internal/collab"
	"causalText/backend/internal/crdt"
)

const (
	memberTTL     = 60 * time.Second
	handleTimeout = 200 * time.Millisecond
	sendQueueSize = 64
)

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	docID    string
	memberID string
	name     string

	// 写循环消费的发送队列。send 从不关闭，连接结束由 done 通知，
	// 入队方不持有任何锁，慢连接只会拖住自己。
	send      chan ServerMessage
	done      chan struct{}
	closeOnce sync.Once

	svc collab.Service
	sem *collab.SemaphoreControl
}

func NewConn(ws *websocket.Conn, hub *Hub, svc collab.Service, sem *collab.SemaphoreControl) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		memberID: uuid.NewString(),
		send:     make(chan ServerMessage, sendQueueSize),
		done:     make(chan struct{}),
		svc:      svc,
		sem:      sem,
	}
}

// SendMessage_Enqueue 广播用：队列满了直接丢弃，对端可以用 sync_request 追平
func (c *Conn) SendMessage_Enqueue(msg ServerMessage) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		log.Printf("ws send queue full, drop %s (member=%s doc=%s)", msg.Type, c.memberID, c.docID)
	}
}

// reply 直接回复请求方，会等待写循环，连接关闭时放弃
func (c *Conn) reply(msg ServerMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	}
}

func (c *Conn) replyError(content string) {
	c.reply(ServerMessage{Type: TypeError, DocID: c.docID, Content: content})
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) leave(ctx context.Context) {
	if c.docID == "" {
		return
	}
	c.hub.Leave(c.docID, c)
	if err := c.hub.presence.RemoveMember(ctx, c.docID, c.memberID); err != nil {
		log.Printf("remove member error (member=%s doc=%s): %v", c.memberID, c.docID, err)
	}
}

func (c *Conn) handleJoin(ctx context.Context, msg ClientMessage) {
	docID := msg.DocID
	if msg.DocTitle != "" {
		id, err := c.svc.GetDocumentID(ctx, msg.DocTitle)
		if err != nil {
			log.Printf("get document id error: %v", err)
			c.replyError("GET_DOCID_FAILED")
			return
		}
		docID = id
	}
	if docID == "" {
		c.replyError("MISSING_DOCID")
		return
	}
	if c.docID != "" && c.docID != docID {
		// 先离开旧房间
		c.leave(ctx)
	}
	c.docID = docID
	if msg.Name != "" {
		c.name = msg.Name
	}
	c.hub.Join(docID, c)
	if err := c.hub.presence.AddMember(ctx, docID, c.memberID, c.name, memberTTL); err != nil {
		log.Printf("add member error: %v", err)
	}

	if err := c.svc.Open(ctx, docID); err != nil {
		c.replyError(err.Error())
		return
	}
	text, _ := c.svc.Render(ctx, docID)
	version, _ := c.svc.Version(ctx, docID)
	frontier, _ := c.svc.Frontier(ctx, docID)
	c.reply(ServerMessage{
		Type:     TypeJoinDocument,
		DocID:    docID,
		Replica:  c.svc.Replica(),
		MemberID: c.memberID,
		Text:     &text,
		Version:  &version,
		Frontier: &frontier,
	})
}

func (c *Conn) handleIntent(ctx context.Context, msg ClientMessage) {
	if msg.Intent == nil {
		c.replyError("MISSING_INTENT")
		return
	}
	intent, err := msg.Intent.Intent()
	if err != nil {
		c.replyError(err.Error())
		return
	}

	intentCtx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()
	if err := c.sem.Acquire(intentCtx); err != nil {
		c.replyError(err.Error())
		return
	}
	defer c.sem.Release()

	upd, err := c.svc.ApplyIntent(intentCtx, c.docID, intent)
	if err != nil {
		log.Printf("apply intent error (doc=%s): %v", c.docID, err)
		c.replyError(err.Error())
		return
	}
	c.reply(ServerMessage{Type: TypeUpdate, DocID: c.docID, Text: &upd.Text, Ops: upd.Ops})
}

func (c *Conn) handleOps(ctx context.Context, msg ClientMessage) {
	outcomes := make([]string, 0, len(msg.Ops))
	for _, op := range msg.Ops {
		res, err := c.svc.IntegrateRemote(ctx, c.docID, op)
		if err != nil {
			log.Printf("integrate error (doc=%s op=%s): %v", c.docID, op.ID, err)
			c.replyError(err.Error())
			return
		}
		outcomes = append(outcomes, res.Outcome.String())
	}
	pending, _ := c.svc.PendingCount(ctx, c.docID)
	c.reply(ServerMessage{Type: TypeOutcome, DocID: c.docID, Outcomes: outcomes, Pending: pending})
}

func (c *Conn) handleSync(ctx context.Context, msg ClientMessage) {
	since := crdt.NewGlobal()
	if msg.Version != nil {
		since = *msg.Version
	}
	ops, err := c.svc.OpsSince(ctx, c.docID, since)
	if err != nil {
		c.replyError(err.Error())
		return
	}
	version, _ := c.svc.Version(ctx, c.docID)
	frontier, _ := c.svc.Frontier(ctx, c.docID)
	c.reply(ServerMessage{Type: TypeSync, DocID: c.docID, Ops: ops, Version: &version, Frontier: &frontier})
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.close()
	defer c.leave(context.WithoutCancel(ctx))
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("read json error (member=%s doc=%s): %v", c.memberID, c.docID, err)
			}
			return
		}

		if msg.Type != TypeJoinDocument && msg.Type != TypeHeartbeat && c.docID == "" {
			c.replyError("NOT_JOINED")
			continue
		}

		switch msg.Type {
		case TypeJoinDocument:
			c.handleJoin(ctx, msg)

		case TypeHeartbeat:
			if c.docID == "" {
				c.reply(ServerMessage{Type: TypePresence})
				continue
			}
			if err := c.hub.presence.AddMember(ctx, c.docID, c.memberID, c.name, memberTTL); err != nil {
				log.Printf("add member error: %v", err)
			}
			members, err := c.hub.presence.GetAliveMembers(ctx, c.docID)
			if err != nil {
				log.Printf("get members error: %v", err)
			}
			c.reply(ServerMessage{Type: TypePresence, DocID: c.docID, Members: members})

		case TypeIntent:
			c.handleIntent(ctx, msg)

		case TypeOp:
			c.handleOps(ctx, msg)

		case TypeSyncRequest:
			c.handleSync(ctx, msg)

		case TypeCursor:
			if err := c.hub.presence.SetCursor(ctx, c.docID, c.memberID, msg.Pos, memberTTL); err != nil {
				log.Printf("set cursor error: %v", err)
			}
			c.hub.BroadcastCursor(c.docID, c.memberID, msg.Pos)

		default:
			c.reply(ServerMessage{Type: TypeIgnored, Content: "Unknown message type"})
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case msg := <-c.send:
			c.write(msg)
		case <-c.done:
			// 把关闭前已经入队的消息写完
			for {
				select {
				case msg := <-c.send:
					c.write(msg)
				default:
					return
				}
			}
		}
	}
}

func (c *Conn) write(msg ServerMessage) {
	if err := c.ws.WriteJSON(msg); err != nil {
		log.Printf("write json error (member=%s doc=%s): %v", c.memberID, c.docID, err)
	}
}

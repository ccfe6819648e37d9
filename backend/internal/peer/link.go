package peer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"causalText/backend/internal/collab"
	"causalText/backend/internal/crdt"
	"causalText/backend/internal/ws"
)

var errNotConnected = errors.New("peer link not connected")

// Link 作为 websocket 客户端连接另一个副本的某个文档：
// 连上后先 sync_request 追平，之后双向转发操作。断线后指数退避重连。
type Link struct {
	url   string
	docID string
	name  string
	svc   collab.Service

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewLink(url, docID string, svc collab.Service) *Link {
	return &Link{
		url:   url,
		docID: docID,
		name:  fmt.Sprintf("replica-%d", svc.Replica()),
		svc:   svc,
	}
}

// Run 阻塞直到 ctx 结束
func (l *Link) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0 // 一直重试
	policy.MaxInterval = 30 * time.Second
	b := backoff.WithContext(policy, ctx)

	for ctx.Err() == nil {
		err := backoff.Retry(func() error {
			err := l.session(ctx, policy.Reset)
			if err != nil && ctx.Err() == nil {
				log.Printf("peer link %s doc=%s: %v", l.url, l.docID, err)
			}
			return err
		}, b)
		if err != nil && ctx.Err() == nil {
			return err
		}
	}
	return nil
}

// session 一次连接的完整生命周期；连接建立后调用 connected
func (l *Link) session(ctx context.Context, connected func()) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	// ctx 结束时打断阻塞的读
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	l.setConn(conn)
	defer l.setConn(nil)

	if err := l.write(ws.ClientMessage{Type: ws.TypeJoinDocument, DocID: l.docID, Name: l.name}); err != nil {
		return err
	}
	if err := l.requestSync(ctx); err != nil {
		return err
	}
	connected()

	for {
		var msg ws.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch msg.Type {
		case ws.TypeSync, ws.TypeOps:
			if msg.DocID != "" && msg.DocID != l.docID {
				continue
			}
			gap := l.integrate(ctx, msg.Ops)
			// sync 本身就是追平的答复；对端也缺的空洞不能靠它反复追问
			if gap && msg.Type == ws.TypeOps {
				if err := l.requestSync(ctx); err != nil {
					return err
				}
			}
		case ws.TypeError:
			log.Printf("peer link %s doc=%s remote error: %s", l.url, l.docID, msg.Content)
		}
	}
}

// integrate 返回 true 表示发现了序号空洞，需要重新同步
func (l *Link) integrate(ctx context.Context, ops []crdt.Op) bool {
	gap := false
	for _, op := range ops {
		if f, err := l.svc.Frontier(ctx, l.docID); err == nil && f.HasGap(op.ID) {
			gap = true
		}
		if _, err := l.svc.IntegrateRemote(ctx, l.docID, op); err != nil {
			log.Printf("peer link integrate error doc=%s op=%s: %v", l.docID, op.ID, err)
		}
	}
	return gap
}

// requestSync 带上连续前缀版本向量，对端会补发空洞及之后的全部操作
func (l *Link) requestSync(ctx context.Context) error {
	if err := l.svc.Open(ctx, l.docID); err != nil {
		return err
	}
	frontier, err := l.svc.Frontier(ctx, l.docID)
	if err != nil {
		return err
	}
	return l.write(ws.ClientMessage{Type: ws.TypeSyncRequest, Version: &frontier})
}

func (l *Link) setConn(conn *websocket.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conn = conn
}

func (l *Link) write(msg ws.ClientMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return errNotConnected
	}
	return l.conn.WriteJSON(msg)
}

// Publish 实现 collab.OpSink：把本地落地的操作推给对端
func (l *Link) Publish(ctx context.Context, docID string, ops []crdt.Op) {
	if docID != l.docID {
		return
	}
	if err := l.write(ws.ClientMessage{Type: ws.TypeOp, Ops: ops}); err != nil && !errors.Is(err, errNotConnected) {
		log.Printf("peer link publish error doc=%s: %v", docID, err)
	}
}

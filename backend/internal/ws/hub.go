package ws

import (
	"context"
	"sync"

	"causalText/backend/internal/cache"
	"causalText/backend/internal/crdt"
)

type Hub struct {
	// 在线成员和光标（Redis 或内存实现）
	presence cache.PresenceCache
	mu       sync.RWMutex
	// docID -> set of connections
	rooms map[string]map[*Conn]struct{}
}

func NewHub(p cache.PresenceCache) *Hub {
	return &Hub{presence: p, rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入指定文档房间
func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		// 一个成员可能有多个连接，按连接广播
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
}

// Leave 将连接从指定文档房间移除
func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[docID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, docID)
		}
	}
}

func (h *Hub) conns(docID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.rooms[docID]))
	for c := range h.rooms[docID] {
		out = append(out, c)
	}
	return out
}

// Publish 实现 collab.OpSink：把已落地的操作推给房间内所有连接。
// 发回给来源连接也没关系，重复的操作会被对方识别为 duplicate。
func (h *Hub) Publish(ctx context.Context, docID string, ops []crdt.Op) {
	msg := ServerMessage{Type: TypeOps, DocID: docID, Ops: ops}
	for _, c := range h.conns(docID) {
		c.SendMessage_Enqueue(msg)
	}
}

func (h *Hub) BroadcastPresence(docID string, members []cache.PresenceMember) {
	msg := ServerMessage{Type: TypePresence, DocID: docID, Members: members}
	for _, c := range h.conns(docID) {
		c.SendMessage_Enqueue(msg)
	}
}

func (h *Hub) BroadcastCursor(docID, memberID string, pos int) {
	msg := ServerMessage{Type: TypePresence, DocID: docID, MemberID: memberID, Cursor: &pos}
	for _, c := range h.conns(docID) {
		c.SendMessage_Enqueue(msg)
	}
}

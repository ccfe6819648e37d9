package ws

import (
	"causalText/backend/internal/cache"
	"causalText/backend/internal/collab"
	"causalText/backend/internal/crdt"
)

// 客户端 -> 服务端
const (
	TypeJoinDocument = "joinDocument"
	TypeHeartbeat    = "heartbeat"
	TypeIntent       = "intent"
	TypeOp           = "op"
	TypeSyncRequest  = "sync_request"
	TypeCursor       = "cursor"
)

// 服务端 -> 客户端
const (
	TypeWelcome  = "welcome"
	TypeUpdate   = "update"
	TypeOps      = "ops"
	TypeSync     = "sync"
	TypeOutcome  = "outcome"
	TypePresence = "presence"
	TypeError    = "error"
	TypeIgnored  = "ignored"
)

type ClientMessage struct {
	Type     string `json:"type"`
	DocID    string `json:"docId"`
	DocTitle string `json:"docTitle,omitempty"`
	// 显示名；对端副本一般填 "replica-<id>"
	Name    string                `json:"name,omitempty"`
	Intent  *collab.IntentMessage `json:"intent,omitempty"`
	Ops     []crdt.Op             `json:"ops,omitempty"`
	// sync_request 时填本地的连续前缀版本向量（Frontier）
	Version *crdt.Global          `json:"version,omitempty"`
	Pos     int                   `json:"pos,omitempty"`
}

type ServerMessage struct {
	Type     string                 `json:"type"`
	DocID    string                 `json:"docId,omitempty"`
	Replica  uint64                 `json:"replica,omitempty"`
	MemberID string                 `json:"memberId,omitempty"`
	Text     *string                `json:"text,omitempty"`
	Ops      []crdt.Op              `json:"ops,omitempty"`
	Version  *crdt.Global           `json:"version,omitempty"`
	Frontier *crdt.Global           `json:"frontier,omitempty"`
	Outcomes []string               `json:"outcomes,omitempty"`
	Pending  int                    `json:"pending,omitempty"`
	Members  []cache.PresenceMember `json:"members,omitempty"`
	Cursor   *int                   `json:"cursor,omitempty"`
	Content  string                 `json:"content,omitempty"`
}

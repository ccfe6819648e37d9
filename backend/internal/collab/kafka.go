package collab

import (
	"time"

	"causalText/backend/internal/crdt"
)

const EventOpsApplied = "OPS_APPLIED"

// OpEvent 发到 Kafka 的事件：某个副本在某个文档上本地生成的一批操作
type OpEvent struct {
	EventID     string    `json:"eventId"`
	EventType   string    `json:"eventType"` // 固定 "OPS_APPLIED"
	DocID       string    `json:"docId"`
	Origin      uint64    `json:"origin"` // 生成这些操作的副本
	Ops         []crdt.Op `json:"ops"`
	PublishedAt time.Time `json:"publishedAt"`
}

package crdt

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ID 全局唯一的操作标识：(副本号, 序列号)
type ID struct {
	Replica uint64 `json:"replica"`
	Seq     uint64 `json:"seq"`
}

// Compare 先比较 Seq，再用 Replica 打破平局；与到达顺序、墙钟无关
func Compare(a, b ID) int {
	switch {
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	case a.Replica < b.Replica:
		return -1
	case a.Replica > b.Replica:
		return 1
	}
	return 0
}

func (a ID) Less(b ID) bool { return Compare(a, b) < 0 }

func (a ID) String() string { return fmt.Sprintf("%d@%d", a.Seq, a.Replica) }

// NullID 可空的 ID（参照 sql.NullInt64）。Valid=false 表示“没有锚点”，
// 不使用任何哨兵值，避免和真实 ID 冲突。
type NullID struct {
	ID    ID
	Valid bool
}

func Some(id ID) NullID { return NullID{ID: id, Valid: true} }

var None = NullID{}

func (n NullID) String() string {
	if !n.Valid {
		return "none"
	}
	return n.ID.String()
}

func (n NullID) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.ID)
}

func (n *NullID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*n = NullID{}
		return nil
	}
	var id ID
	if err := json.Unmarshal(b, &id); err != nil {
		return err
	}
	*n = NullID{ID: id, Valid: true}
	return nil
}

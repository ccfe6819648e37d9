package collab

import (
	"fmt"

	"causalText/backend/internal/crdt"
)

// Intent 编辑器产生的用户意图（封闭的和类型）
type Intent interface {
	isIntent()
}

// InsertAt 在可见位置 Pos 插入 Text
type InsertAt struct {
	Pos  int
	Text string
}

// DeleteRange 删除 [Start, End)
type DeleteRange struct {
	Start int
	End   int
}

// MoveCursor 只影响 UI，文档状态不变
type MoveCursor struct {
	Pos int
}

// ReplaceAll 用 Text 替换整个文档（例如打开文件）
type ReplaceAll struct {
	Text string
}

func (InsertAt) isIntent()    {}
func (DeleteRange) isIntent() {}
func (MoveCursor) isIntent()  {}
func (ReplaceAll) isIntent()  {}

// Update 每次应用意图后返回给前端的结果：完整文本 + 需要广播的操作
type Update struct {
	Text string    `json:"text"`
	Ops  []crdt.Op `json:"ops,omitempty"`
}

const (
	KindInsertAt    = "insert_at"
	KindDeleteRange = "delete_range"
	KindMoveCursor  = "move_cursor"
	KindReplaceAll  = "replace_all"
)

// IntentMessage 意图在 JSON 里的形式
type IntentMessage struct {
	Kind  string `json:"kind" binding:"required"`
	Pos   int    `json:"pos,omitempty"`
	Start int    `json:"start,omitempty"`
	End   int    `json:"end,omitempty"`
	Text  string `json:"text,omitempty"`
}

func (m IntentMessage) Intent() (Intent, error) {
	switch m.Kind {
	case KindInsertAt:
		return InsertAt{Pos: m.Pos, Text: m.Text}, nil
	case KindDeleteRange:
		return DeleteRange{Start: m.Start, End: m.End}, nil
	case KindMoveCursor:
		return MoveCursor{Pos: m.Pos}, nil
	case KindReplaceAll:
		return ReplaceAll{Text: m.Text}, nil
	}
	return nil, fmt.Errorf("unknown intent kind %q", m.Kind)
}

func clampPos(pos int) int {
	if pos < 0 {
		return 0
	}
	return pos
}

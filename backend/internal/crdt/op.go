package crdt

// Op 在副本之间传递的单字符操作。
// 插入：Char 有效，Delete=false，Anchor 为前驱节点（None 表示文档开头）。
// 删除：Delete=true，Anchor 为被删除的节点。
// Version 是生成方当时的版本向量，仅用于诊断，合并时不参与计算。
type Op struct {
	ID      ID     `json:"id"`
	Anchor  NullID `json:"anchor"`
	Char    rune   `json:"char,omitempty"`
	Delete  bool   `json:"delete,omitempty"`
	Version Global `json:"version"`
}

func (op Op) IsInsert() bool { return !op.Delete }

// dependency 返回整合这个操作之前必须已经存在的节点
func (op Op) dependency() NullID { return op.Anchor }

// malformed 插入必须带字符；Char 为 0 即没有负载，所以 U+0000 无法插入，
// 上层在生成操作前就把它过滤掉。
func (op Op) malformed() bool {
	if op.ID.Seq == 0 {
		return true
	}
	return !op.Delete && op.Char == 0
}

// Node 文档中的一个字符。删除只把 Visible 置为 false（墓碑），节点永不移除。
type Node struct {
	ID      ID     `json:"id"`
	Anchor  NullID `json:"anchor"`
	Char    rune   `json:"char"`
	Visible bool   `json:"visible"`
}

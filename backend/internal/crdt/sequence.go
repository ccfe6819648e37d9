package crdt

import "strings"

// Sequence 按 CRDT 全序排列的节点列表（包含墓碑）
type Sequence struct {
	nodes []Node
	known map[ID]struct{}
}

func NewSequence() *Sequence {
	return &Sequence{known: make(map[ID]struct{})}
}

func (s *Sequence) Has(id ID) bool {
	_, ok := s.known[id]
	return ok
}

// Len 节点总数，包含墓碑
func (s *Sequence) Len() int { return len(s.nodes) }

func (s *Sequence) VisibleLen() int {
	n := 0
	for _, node := range s.nodes {
		if node.Visible {
			n++
		}
	}
	return n
}

func (s *Sequence) indexOf(id ID) int {
	for i := range s.nodes {
		if s.nodes[i].ID == id {
			return i
		}
	}
	return -1
}

// insert 把节点放到锚点之后。同一锚点下的兄弟节点始终按 ID 升序排列：
// 跳过比自己小的兄弟（连同挂在它们后面的子孙），停在第一个更大的兄弟前面。
// 锚点不存在时返回 false，由调用方负责暂存。
func (s *Sequence) insert(node Node) bool {
	if s.Has(node.ID) {
		return false
	}
	idx := 0
	if node.Anchor.Valid {
		i := s.indexOf(node.Anchor.ID)
		if i < 0 {
			return false
		}
		idx = i + 1
	}

	var skipped map[ID]struct{}
	for idx < len(s.nodes) {
		cur := s.nodes[idx]
		if cur.Anchor == node.Anchor && cur.ID.Less(node.ID) {
			if skipped == nil {
				skipped = make(map[ID]struct{})
			}
			skipped[cur.ID] = struct{}{}
			idx++
			continue
		}
		if cur.Anchor.Valid {
			if _, ok := skipped[cur.Anchor.ID]; ok {
				skipped[cur.ID] = struct{}{}
				idx++
				continue
			}
		}
		break
	}

	s.nodes = append(s.nodes, Node{})
	copy(s.nodes[idx+1:], s.nodes[idx:])
	s.nodes[idx] = node
	s.known[node.ID] = struct{}{}
	return true
}

// tombstone 把节点标记为删除；节点已经是墓碑时返回 false
func (s *Sequence) tombstone(id ID) bool {
	i := s.indexOf(id)
	if i < 0 || !s.nodes[i].Visible {
		return false
	}
	s.nodes[i].Visible = false
	return true
}

// visibleAt 第 pos 个可见节点（从 0 开始）
func (s *Sequence) visibleAt(pos int) (ID, bool) {
	if pos < 0 {
		return ID{}, false
	}
	count := 0
	for _, node := range s.nodes {
		if !node.Visible {
			continue
		}
		if count == pos {
			return node.ID, true
		}
		count++
	}
	return ID{}, false
}

// anchorFor 把可见位置换算成插入锚点：pos==0 为 None，
// 否则是第 pos 个可见节点；超出长度时夹到文档末尾。
func (s *Sequence) anchorFor(pos int) NullID {
	if pos <= 0 {
		return None
	}
	var last NullID
	count := 0
	for _, node := range s.nodes {
		if !node.Visible {
			continue
		}
		count++
		last = Some(node.ID)
		if count == pos {
			return last
		}
	}
	return last
}

// Nodes 返回节点列表的副本
func (s *Sequence) Nodes() []Node {
	out := make([]Node, len(s.nodes))
	copy(out, s.nodes)
	return out
}

func (s *Sequence) Render() string {
	var b strings.Builder
	for _, node := range s.nodes {
		if node.Visible {
			b.WriteRune(node.Char)
		}
	}
	return b.String()
}

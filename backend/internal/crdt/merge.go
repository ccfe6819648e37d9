package crdt

// Outcome 远端操作的整合结果
type Outcome int

const (
	Integrated Outcome = iota
	Buffered
	Duplicate
	Dropped
	Unsupported
)

var outcomeNames = map[Outcome]string{
	Integrated:  "integrated",
	Buffered:    "buffered",
	Duplicate:   "duplicate",
	Dropped:     "dropped",
	Unsupported: "unsupported",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return "unknown"
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// Result Applied 按整合顺序列出本次调用真正落地的操作（自身 + 被释放的暂存操作）
type Result struct {
	Outcome Outcome `json:"outcome"`
	Applied []Op    `json:"applied,omitempty"`
}

// Integrate 整合一个来自其他副本的操作。
// 重复投递是正常流量，返回 Duplicate；依赖未到达时放入暂存区，返回 Buffered。
func (b *Buffer) Integrate(op Op) Result {
	if op.malformed() {
		return Result{Outcome: Dropped}
	}
	if b.seen.Contains(op.ID) || b.held.Contains(op.ID) {
		return Result{Outcome: Duplicate}
	}
	// 重放自己的历史操作时推进本地计数器，保证序列号不复用
	if op.ID.Replica == b.replica && op.ID.Seq > b.seq {
		b.seq = op.ID.Seq
	}

	if dep := op.dependency(); dep.Valid && !b.nodes.Has(dep.ID) {
		b.holdback[dep.ID] = append(b.holdback[dep.ID], op)
		b.held.Add(op.ID)
		return Result{Outcome: Buffered}
	}

	b.apply(op)
	applied := append([]Op{op}, b.drain(op)...)
	return Result{Outcome: Integrated, Applied: applied}
}

// drain 新节点出现后释放等待它的操作，直到不动点
func (b *Buffer) drain(from Op) []Op {
	if from.Delete {
		return nil
	}
	var applied []Op
	ready := []ID{from.ID}
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		waiting, ok := b.holdback[id]
		if !ok {
			continue
		}
		delete(b.holdback, id)
		for _, op := range waiting {
			b.held.Remove(op.ID)
			b.apply(op)
			applied = append(applied, op)
			if !op.Delete {
				ready = append(ready, op.ID)
			}
		}
	}
	return applied
}

// PendingCount 暂存区中等待依赖的操作数
func (b *Buffer) PendingCount() int { return b.held.Cardinality() }

// Missing 暂存区正在等待的依赖节点
func (b *Buffer) Missing() []ID {
	out := make([]ID, 0, len(b.holdback))
	for id := range b.holdback {
		out = append(out, id)
	}
	return out
}

// OpsSince 返回 v 尚未覆盖的已整合操作，保持因果顺序。
// v 应当是对端的 Frontier：空洞之后的操作会被重发，对端按 Duplicate 处理。
func (b *Buffer) OpsSince(v Global) []Op {
	var out []Op
	for _, op := range b.log {
		if !v.Covers(op.ID) {
			out = append(out, op)
		}
	}
	return out
}

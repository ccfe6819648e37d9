package crdt

import (
	"errors"

	mapset "github.com/deckarep/golang-set/v2"
)

var ErrOutOfRange = errors.New("position out of range")

// Buffer 单个副本持有的文档状态。
// 没有内部锁：同一时刻只能被一个 goroutine 访问，由上层负责串行化。
type Buffer struct {
	replica uint64
	seq     uint64

	nodes   *Sequence
	version Global

	// frontier 每个副本连续无空洞的最大序列号；ahead 记录越过空洞先到的序列号
	frontier Global
	ahead    map[uint64]mapset.Set[uint64]

	// 暂存区：key 是缺失的依赖节点 ID
	holdback map[ID][]Op
	held     mapset.Set[ID]
	// 已整合过的操作 ID，用于幂等
	seen mapset.Set[ID]
	// 按整合顺序记录的操作（因果序），用于给落后的副本补发
	log []Op
}

func NewBuffer(replica uint64) *Buffer {
	return &Buffer{
		replica:  replica,
		nodes:    NewSequence(),
		version:  NewGlobal(),
		frontier: NewGlobal(),
		ahead:    make(map[uint64]mapset.Set[uint64]),
		holdback: make(map[ID][]Op),
		held:     mapset.NewThreadUnsafeSet[ID](),
		seen:     mapset.NewThreadUnsafeSet[ID](),
	}
}

func (b *Buffer) Replica() uint64 { return b.replica }

// Seq 本副本最后分配的序列号
func (b *Buffer) Seq() uint64 { return b.seq }

func (b *Buffer) Version() Global { return b.version.Clone() }

// Frontier 连续前缀版本向量：State[r] 以下的序列号都已整合。
// 追平请求应当带它而不是 Version，否则空洞会被当成已经见过。
func (b *Buffer) Frontier() Global { return b.frontier.Clone() }

func (b *Buffer) Render() string { return b.nodes.Render() }

func (b *Buffer) Nodes() []Node { return b.nodes.Nodes() }

func (b *Buffer) VisibleLen() int { return b.nodes.VisibleLen() }

func (b *Buffer) nextID() ID {
	b.seq++
	return ID{Replica: b.replica, Seq: b.seq}
}

// LocalInsert 在可见位置 pos 插入字符，返回需要广播的操作。
// pos 超过文档长度时插到末尾。
func (b *Buffer) LocalInsert(pos int, ch rune) Op {
	anchor := b.nodes.anchorFor(pos)
	op := Op{ID: b.nextID(), Anchor: anchor, Char: ch}
	b.apply(op)
	op.Version = b.version.Clone()
	b.log[len(b.log)-1].Version = op.Version
	b.drain(op)
	return op
}

// LocalDelete 删除可见位置 pos 的字符。越界时返回 ErrOutOfRange，
// 不消耗序列号，也不产生操作。
func (b *Buffer) LocalDelete(pos int) (Op, error) {
	target, ok := b.nodes.visibleAt(pos)
	if !ok {
		return Op{}, ErrOutOfRange
	}
	op := Op{ID: b.nextID(), Anchor: Some(target), Delete: true}
	b.apply(op)
	op.Version = b.version.Clone()
	b.log[len(b.log)-1].Version = op.Version
	return op, nil
}

// apply 依赖已满足时真正落地一个操作
func (b *Buffer) apply(op Op) {
	if op.Delete {
		// Anchor 为空的删除是对方越界删除产生的空操作，只记账
		if op.Anchor.Valid {
			b.nodes.tombstone(op.Anchor.ID)
		}
	} else {
		b.nodes.insert(Node{ID: op.ID, Anchor: op.Anchor, Char: op.Char, Visible: true})
	}
	b.version.Update(op.ID)
	b.advanceFrontier(op.ID)
	b.seen.Add(op.ID)
	b.log = append(b.log, op)
}

func (b *Buffer) advanceFrontier(id ID) {
	next := b.frontier.Get(id.Replica) + 1
	if id.Seq > next {
		set, ok := b.ahead[id.Replica]
		if !ok {
			set = mapset.NewThreadUnsafeSet[uint64]()
			b.ahead[id.Replica] = set
		}
		set.Add(id.Seq)
		return
	}
	if id.Seq < next {
		return
	}
	seq := id.Seq
	if set, ok := b.ahead[id.Replica]; ok {
		for set.Contains(seq + 1) {
			seq++
			set.Remove(seq)
		}
		if set.Cardinality() == 0 {
			delete(b.ahead, id.Replica)
		}
	}
	b.frontier.Update(ID{Replica: id.Replica, Seq: seq})
}

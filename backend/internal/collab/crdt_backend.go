package collab

import (
	"errors"

	"causalText/backend/internal/crdt"
)

// CRDTBackend 把意图翻译成单字符的 CRDT 操作
type CRDTBackend struct {
	buf *crdt.Buffer
}

func NewCRDTBackend(replica uint64) *CRDTBackend {
	return &CRDTBackend{buf: crdt.NewBuffer(replica)}
}

func (b *CRDTBackend) Buffer() *crdt.Buffer { return b.buf }

func (b *CRDTBackend) ApplyIntent(intent Intent) Update {
	var ops []crdt.Op
	switch in := intent.(type) {
	case InsertAt:
		ops = b.insert(clampPos(in.Pos), in.Text)

	case DeleteRange:
		// 每删一个字符，后面的字符左移一位，所以一直删 start
		start := clampPos(in.Start)
		for i := start; i < in.End; i++ {
			op, err := b.buf.LocalDelete(start)
			if errors.Is(err, crdt.ErrOutOfRange) {
				break
			}
			ops = append(ops, op)
		}

	case ReplaceAll:
		for n := b.buf.VisibleLen(); n > 0; n-- {
			op, err := b.buf.LocalDelete(0)
			if err != nil {
				break
			}
			ops = append(ops, op)
		}
		ops = append(ops, b.insert(0, in.Text)...)

	case MoveCursor:
		// 光标由 UI 层维护
	}
	return Update{Text: b.buf.Render(), Ops: ops}
}

func (b *CRDTBackend) insert(pos int, text string) []crdt.Op {
	runes := []rune(insertable(text))
	ops := make([]crdt.Op, 0, len(runes))
	for i, r := range runes {
		ops = append(ops, b.buf.LocalInsert(pos+i, r))
	}
	return ops
}

func (b *CRDTBackend) ApplyRemote(op crdt.Op) crdt.Result { return b.buf.Integrate(op) }

func (b *CRDTBackend) RenderText() string { return b.buf.Render() }

func (b *CRDTBackend) PendingCount() int { return b.buf.PendingCount() }

func (b *CRDTBackend) Version() crdt.Global { return b.buf.Version() }

func (b *CRDTBackend) Frontier() crdt.Global { return b.buf.Frontier() }

func (b *CRDTBackend) OpsSince(v crdt.Global) []crdt.Op { return b.buf.OpsSince(v) }

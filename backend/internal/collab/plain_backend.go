package collab

import "causalText/backend/internal/crdt"

// PlainBackend 只在本地编辑的后端（piece table），不参与复制
type PlainBackend struct {
	pt *PieceTable
}

func NewPlainBackend() *PlainBackend {
	return &PlainBackend{pt: NewPieceTable("")}
}

func (b *PlainBackend) ApplyIntent(intent Intent) Update {
	switch in := intent.(type) {
	case InsertAt:
		b.pt.Insert(clampPos(in.Pos), insertable(in.Text))
	case DeleteRange:
		start := clampPos(in.Start)
		if in.End > start {
			b.pt.Delete(start, in.End-start)
		}
	case ReplaceAll:
		b.pt.Delete(0, b.pt.Len())
		b.pt.Insert(0, insertable(in.Text))
	case MoveCursor:
	}
	return Update{Text: b.pt.String()}
}

func (b *PlainBackend) ApplyRemote(crdt.Op) crdt.Result {
	return crdt.Result{Outcome: crdt.Unsupported}
}

func (b *PlainBackend) RenderText() string { return b.pt.String() }

func (b *PlainBackend) PendingCount() int { return 0 }

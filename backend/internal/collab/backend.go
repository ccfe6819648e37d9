package collab

import (
	"errors"
	"fmt"
	"strings"

	"causalText/backend/internal/crdt"
)

// Backend 文档后端。不同实现对外契约一致：意图进，渲染文本出。
type Backend interface {
	ApplyIntent(intent Intent) Update
	ApplyRemote(op crdt.Op) crdt.Result
	RenderText() string
	PendingCount() int
}

// Syncer 可复制的后端额外提供版本向量和补发能力
type Syncer interface {
	Version() crdt.Global
	Frontier() crdt.Global
	OpsSince(v crdt.Global) []crdt.Op
}

const (
	BackendCRDT  = "crdt"
	BackendPlain = "plain"
	BackendNoop  = "noop"
)

var ErrUnknownBackend = errors.New("unknown backend kind")

func NewBackend(kind string, replica uint64) (Backend, error) {
	switch kind {
	case BackendCRDT, "":
		return NewCRDTBackend(replica), nil
	case BackendPlain:
		return NewPlainBackend(), nil
	case BackendNoop:
		return NoopBackend{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, kind)
}

// insertable 去掉 U+0000：Char 为 0 的插入在合并端被当成畸形操作丢弃
func insertable(text string) string { return strings.ReplaceAll(text, "\x00", "") }

// NoopBackend 忽略所有输入
type NoopBackend struct{}

func (NoopBackend) ApplyIntent(Intent) Update { return Update{} }

func (NoopBackend) ApplyRemote(crdt.Op) crdt.Result {
	return crdt.Result{Outcome: crdt.Unsupported}
}

func (NoopBackend) RenderText() string { return "" }

func (NoopBackend) PendingCount() int { return 0 }

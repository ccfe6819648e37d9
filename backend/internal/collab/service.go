package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"causalText/backend/internal/crdt"
)

// 协作引擎接口
type Service interface {
	Replica() uint64
	// Open 打开（必要时创建）文档的缓冲区
	Open(ctx context.Context, docID string) error
	Documents() []string

	ApplyIntent(ctx context.Context, docID string, intent Intent) (Update, error)
	IntegrateRemote(ctx context.Context, docID string, op crdt.Op) (crdt.Result, error)

	Render(ctx context.Context, docID string) (string, error)
	PendingCount(ctx context.Context, docID string) (int, error)
	Version(ctx context.Context, docID string) (crdt.Global, error)
	// Frontier 连续前缀版本向量，sync_request 带的就是它
	Frontier(ctx context.Context, docID string) (crdt.Global, error)
	// 握手/追平：返回 v 之后的操作
	OpsSince(ctx context.Context, docID string, v crdt.Global) ([]crdt.Op, error)

	SaveSnapshot(ctx context.Context, docID string) error

	GetDocumentID(ctx context.Context, title string) (string, error)
	CreateDocument(ctx context.Context, ownerID uint64, title string) (string, error)
}

// 快照存储接口
type SnapshotStore interface {
	SaveDocumentSnapshot(ctx context.Context, docID string, replica uint64, version crdt.Global, content string) error
}

type DocumentStore interface {
	GetDocumentID(ctx context.Context, title string) (string, error)
	CreateDocument(ctx context.Context, ownerID uint64, title string) (string, error)
}

// Journal 本地操作日志，重启时重放
type Journal interface {
	Append(docID string, ops []crdt.Op) error
	Load(docID string) ([]crdt.Op, error)
	Documents() ([]string, error)
}

// OpSink 接收已落地的操作（websocket 广播、Kafka 等）
type OpSink interface {
	Publish(ctx context.Context, docID string, ops []crdt.Op)
}

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrUnsupported      = errors.New("backend does not support replication")
)

type docState struct {
	// Buffer 本身没有锁，同一文档的所有访问都经过这把锁
	mu      sync.Mutex
	backend Backend
}

type ServiceOptions struct {
	Replica     uint64
	BackendKind string

	Snapshots SnapshotStore
	Documents DocumentStore
	Journal   Journal
}

// InMemoryService 持有本副本所有文档的状态
type InMemoryService struct {
	replica     uint64
	backendKind string

	mu   sync.RWMutex
	docs map[string]*docState

	snapshots     SnapshotStore
	documentStore DocumentStore
	journal       Journal

	sinkMu sync.RWMutex
	sinks  []OpSink
}

func NewInMemoryService(opt ServiceOptions) (*InMemoryService, error) {
	// 提前校验后端类型，避免第一次打开文档时才报错
	if _, err := NewBackend(opt.BackendKind, opt.Replica); err != nil {
		return nil, err
	}
	return &InMemoryService{
		replica:       opt.Replica,
		backendKind:   opt.BackendKind,
		docs:          make(map[string]*docState),
		snapshots:     opt.Snapshots,
		documentStore: opt.Documents,
		journal:       opt.Journal,
	}, nil
}

func (s *InMemoryService) Replica() uint64 { return s.replica }

func (s *InMemoryService) AddSink(sink OpSink) {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	s.sinks = append(s.sinks, sink)
}

func (s *InMemoryService) publish(ctx context.Context, docID string, ops []crdt.Op) {
	if len(ops) == 0 {
		return
	}
	s.sinkMu.RLock()
	sinks := s.sinks
	s.sinkMu.RUnlock()
	for _, sink := range sinks {
		sink.Publish(ctx, docID, ops)
	}
}

// 获取或创建指定文档的状态
func (s *InMemoryService) getOrCreateDoc(docID string) *docState {
	s.mu.RLock()
	ds := s.docs[docID]
	s.mu.RUnlock()
	if ds != nil {
		return ds
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ds = s.docs[docID]; ds == nil {
		// 构造函数里已经校验过类型
		backend, _ := NewBackend(s.backendKind, s.replica)
		ds = &docState{backend: backend}
		s.docs[docID] = ds
	}
	return ds
}

func (s *InMemoryService) getDoc(docID string) (*docState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ds := s.docs[docID]
	if ds == nil {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, docID)
	}
	return ds, nil
}

func (s *InMemoryService) Open(ctx context.Context, docID string) error {
	if docID == "" {
		return fmt.Errorf("%w: empty id", ErrDocumentNotFound)
	}
	s.getOrCreateDoc(docID)
	return nil
}

// Documents 当前打开的文档
func (s *InMemoryService) Documents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *InMemoryService) ApplyIntent(ctx context.Context, docID string, intent Intent) (Update, error) {
	ds := s.getOrCreateDoc(docID)
	ds.mu.Lock()
	upd := ds.backend.ApplyIntent(intent)
	// 在文档锁内写日志，保证日志顺序就是整合顺序
	err := s.appendJournal(docID, upd.Ops)
	ds.mu.Unlock()

	// 操作已经落在缓冲区里：日志写失败也照常广播，错误返回给调用方
	observeLocal(upd.Ops)
	s.publish(ctx, docID, upd.Ops)
	return upd, err
}

func (s *InMemoryService) IntegrateRemote(ctx context.Context, docID string, op crdt.Op) (crdt.Result, error) {
	ds := s.getOrCreateDoc(docID)
	ds.mu.Lock()
	res := ds.backend.ApplyRemote(op)
	var err error
	switch res.Outcome {
	case crdt.Integrated, crdt.Buffered:
		// 被释放的暂存操作在暂存时已经写过日志
		err = s.appendJournal(docID, []crdt.Op{op})
	}
	pending := ds.backend.PendingCount()
	ds.mu.Unlock()

	integrateTotal.WithLabelValues(res.Outcome.String()).Inc()
	pendingOps.WithLabelValues(docID).Set(float64(pending))
	if res.Outcome == crdt.Integrated {
		s.publish(ctx, docID, res.Applied)
	}
	return res, err
}

func (s *InMemoryService) appendJournal(docID string, ops []crdt.Op) error {
	if s.journal == nil || len(ops) == 0 {
		return nil
	}
	if err := s.journal.Append(docID, ops); err != nil {
		return fmt.Errorf("journal append doc=%s: %w", docID, err)
	}
	return nil
}

func (s *InMemoryService) Render(ctx context.Context, docID string) (string, error) {
	ds, err := s.getDoc(docID)
	if err != nil {
		return "", err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.backend.RenderText(), nil
}

func (s *InMemoryService) PendingCount(ctx context.Context, docID string) (int, error) {
	ds, err := s.getDoc(docID)
	if err != nil {
		return 0, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.backend.PendingCount(), nil
}

func (s *InMemoryService) Version(ctx context.Context, docID string) (crdt.Global, error) {
	ds, err := s.getDoc(docID)
	if err != nil {
		return crdt.NewGlobal(), err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	syncer, ok := ds.backend.(Syncer)
	if !ok {
		return crdt.NewGlobal(), nil
	}
	return syncer.Version(), nil
}

func (s *InMemoryService) Frontier(ctx context.Context, docID string) (crdt.Global, error) {
	ds, err := s.getDoc(docID)
	if err != nil {
		return crdt.NewGlobal(), err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	syncer, ok := ds.backend.(Syncer)
	if !ok {
		return crdt.NewGlobal(), nil
	}
	return syncer.Frontier(), nil
}

// OpsSince 对未知文档返回空列表：对端可能比我们先打开这个文档
func (s *InMemoryService) OpsSince(ctx context.Context, docID string, v crdt.Global) ([]crdt.Op, error) {
	ds := s.getOrCreateDoc(docID)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	syncer, ok := ds.backend.(Syncer)
	if !ok {
		return nil, ErrUnsupported
	}
	return syncer.OpsSince(v), nil
}

func (s *InMemoryService) SaveSnapshot(ctx context.Context, docID string) error {
	if s.snapshots == nil {
		return errors.New("snapshot store not initialized")
	}
	content, err := s.Render(ctx, docID)
	if err != nil {
		return err
	}
	version, err := s.Version(ctx, docID)
	if err != nil {
		return err
	}
	return s.snapshots.SaveDocumentSnapshot(ctx, docID, s.replica, version, content)
}

func (s *InMemoryService) GetDocumentID(ctx context.Context, title string) (string, error) {
	if s.documentStore == nil {
		return "", errors.New("document store not initialized")
	}
	return s.documentStore.GetDocumentID(ctx, title)
}

func (s *InMemoryService) CreateDocument(ctx context.Context, ownerID uint64, title string) (string, error) {
	if s.documentStore == nil {
		return "", errors.New("document store not initialized")
	}
	docID, err := s.documentStore.CreateDocument(ctx, ownerID, title)
	if err != nil {
		return "", err
	}
	s.getOrCreateDoc(docID)
	return docID, nil
}

// Restore 启动时从本地日志重放所有文档
func (s *InMemoryService) Restore(ctx context.Context) error {
	if s.journal == nil {
		return nil
	}
	docIDs, err := s.journal.Documents()
	if err != nil {
		return fmt.Errorf("journal documents: %w", err)
	}
	for _, docID := range docIDs {
		ops, err := s.journal.Load(docID)
		if err != nil {
			return fmt.Errorf("journal load doc=%s: %w", docID, err)
		}
		ds := s.getOrCreateDoc(docID)
		ds.mu.Lock()
		for _, op := range ops {
			ds.backend.ApplyRemote(op)
		}
		pending := ds.backend.PendingCount()
		ds.mu.Unlock()
		pendingOps.WithLabelValues(docID).Set(float64(pending))
		log.Printf("restored doc=%s ops=%d pending=%d replica=%d", docID, len(ops), pending, s.replica)
	}
	return nil
}

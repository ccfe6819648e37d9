package collab

import (
	"context"
	"errors"
	"sync"
	"testing"

	"causalText/backend/internal/crdt"
)

type memJournal struct {
	mu  sync.Mutex
	ops map[string][]crdt.Op
}

func newMemJournal() *memJournal { return &memJournal{ops: make(map[string][]crdt.Op)} }

func (j *memJournal) Append(docID string, ops []crdt.Op) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ops[docID] = append(j.ops[docID], ops...)
	return nil
}

func (j *memJournal) Load(docID string) ([]crdt.Op, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]crdt.Op(nil), j.ops[docID]...), nil
}

func (j *memJournal) Documents() ([]string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []string
	for id := range j.ops {
		out = append(out, id)
	}
	return out, nil
}

// failJournal 追加总是失败
type failJournal struct{ memJournal }

var errDiskFull = errors.New("disk full")

func (*failJournal) Append(string, []crdt.Op) error { return errDiskFull }

type recordSink struct {
	mu  sync.Mutex
	ops []crdt.Op
}

func (s *recordSink) Publish(ctx context.Context, docID string, ops []crdt.Op) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, ops...)
}

type memSnapshots struct {
	docID   string
	replica uint64
	version crdt.Global
	content string
}

func (m *memSnapshots) SaveDocumentSnapshot(ctx context.Context, docID string, replica uint64, version crdt.Global, content string) error {
	m.docID, m.replica, m.version, m.content = docID, replica, version, content
	return nil
}

type memDocuments struct {
	byTitle map[string]string
}

func (m *memDocuments) GetDocumentID(ctx context.Context, title string) (string, error) {
	id, ok := m.byTitle[title]
	if !ok {
		return "", ErrDocumentNotFound
	}
	return id, nil
}

func (m *memDocuments) CreateDocument(ctx context.Context, ownerID uint64, title string) (string, error) {
	id := "doc-" + title
	m.byTitle[title] = id
	return id, nil
}

func newTestService(t *testing.T, replica uint64, j Journal) *InMemoryService {
	t.Helper()
	svc, err := NewInMemoryService(ServiceOptions{Replica: replica, Journal: j})
	if err != nil {
		t.Fatalf("NewInMemoryService: %v", err)
	}
	return svc
}

func TestService_ApplyIntentPublishes(t *testing.T) {
	ctx := context.Background()
	j := newMemJournal()
	svc := newTestService(t, 1, j)
	sink := &recordSink{}
	svc.AddSink(sink)

	upd, err := svc.ApplyIntent(ctx, "d1", InsertAt{Pos: 0, Text: "hi"})
	if err != nil {
		t.Fatalf("ApplyIntent: %v", err)
	}
	if upd.Text != "hi" || len(sink.ops) != 2 {
		t.Fatalf("text = %q published = %d", upd.Text, len(sink.ops))
	}
	if got, _ := j.Load("d1"); len(got) != 2 {
		t.Fatalf("journal = %d ops, want 2", len(got))
	}
	text, err := svc.Render(ctx, "d1")
	if err != nil || text != "hi" {
		t.Fatalf("Render = %q, %v", text, err)
	}
	if _, err := svc.Render(ctx, "missing"); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("Render(missing) err = %v", err)
	}
}

func TestService_IntegrateRemote(t *testing.T) {
	ctx := context.Background()
	origin := NewCRDTBackend(2)
	ops := origin.ApplyIntent(InsertAt{Pos: 0, Text: "abc"}).Ops

	j := newMemJournal()
	svc := newTestService(t, 1, j)
	sink := &recordSink{}
	svc.AddSink(sink)

	res, err := svc.IntegrateRemote(ctx, "d1", ops[1])
	if err != nil || res.Outcome != crdt.Buffered {
		t.Fatalf("outcome = %v err = %v", res.Outcome, err)
	}
	if n, _ := svc.PendingCount(ctx, "d1"); n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}
	if len(sink.ops) != 0 {
		t.Fatalf("buffered op should not be published")
	}

	res, _ = svc.IntegrateRemote(ctx, "d1", ops[0])
	if res.Outcome != crdt.Integrated || len(sink.ops) != 2 {
		t.Fatalf("outcome = %v published = %d", res.Outcome, len(sink.ops))
	}
	res, _ = svc.IntegrateRemote(ctx, "d1", ops[0])
	if res.Outcome != crdt.Duplicate {
		t.Fatalf("outcome = %v, want duplicate", res.Outcome)
	}
	svc.IntegrateRemote(ctx, "d1", ops[2])

	if got, _ := j.Load("d1"); len(got) != 3 {
		t.Fatalf("journal = %d ops, want 3", len(got))
	}
	v, _ := svc.Version(ctx, "d1")
	if v.Get(2) != 3 {
		t.Fatalf("version[2] = %d, want 3", v.Get(2))
	}
	missing, err := svc.OpsSince(ctx, "d1", crdt.Global{State: map[uint64]uint64{2: 1}})
	if err != nil || len(missing) != 2 {
		t.Fatalf("OpsSince = %d ops, %v", len(missing), err)
	}
}

func TestService_Restore(t *testing.T) {
	ctx := context.Background()
	j := newMemJournal()
	first := newTestService(t, 1, j)
	first.ApplyIntent(ctx, "d1", InsertAt{Pos: 0, Text: "abc"})
	first.ApplyIntent(ctx, "d1", DeleteRange{Start: 0, End: 1})

	// 重启后的同一副本
	second := newTestService(t, 1, j)
	if err := second.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if text, _ := second.Render(ctx, "d1"); text != "bc" {
		t.Fatalf("restored text = %q, want bc", text)
	}
	upd, _ := second.ApplyIntent(ctx, "d1", InsertAt{Pos: 2, Text: "d"})
	if upd.Ops[0].ID != (crdt.ID{Replica: 1, Seq: 5}) {
		t.Fatalf("next id = %v, want 5@1", upd.Ops[0].ID)
	}
	if docs := second.Documents(); len(docs) != 1 || docs[0] != "d1" {
		t.Fatalf("Documents = %v", docs)
	}
}

func TestService_SnapshotAndDocuments(t *testing.T) {
	ctx := context.Background()
	snaps := &memSnapshots{}
	docs := &memDocuments{byTitle: map[string]string{}}
	svc, err := NewInMemoryService(ServiceOptions{Replica: 3, Snapshots: snaps, Documents: docs})
	if err != nil {
		t.Fatalf("NewInMemoryService: %v", err)
	}

	docID, err := svc.CreateDocument(ctx, 7, "notes")
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	if id, _ := svc.GetDocumentID(ctx, "notes"); id != docID {
		t.Fatalf("GetDocumentID = %q, want %q", id, docID)
	}
	svc.ApplyIntent(ctx, docID, InsertAt{Pos: 0, Text: "xy"})
	if err := svc.SaveSnapshot(ctx, docID); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if snaps.content != "xy" || snaps.replica != 3 || snaps.version.Get(3) != 2 {
		t.Fatalf("snapshot = %+v", snaps)
	}
}

func TestService_PlainBackend(t *testing.T) {
	ctx := context.Background()
	svc, err := NewInMemoryService(ServiceOptions{Replica: 1, BackendKind: BackendPlain})
	if err != nil {
		t.Fatalf("NewInMemoryService: %v", err)
	}
	upd, _ := svc.ApplyIntent(ctx, "d1", InsertAt{Pos: 0, Text: "hi"})
	if upd.Text != "hi" || len(upd.Ops) != 0 {
		t.Fatalf("update = %+v", upd)
	}
	if _, err := svc.OpsSince(ctx, "d1", crdt.NewGlobal()); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("OpsSince err = %v", err)
	}
	if _, err := NewInMemoryService(ServiceOptions{BackendKind: "bogus"}); !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("err = %v", err)
	}
}

// 三个服务实例通过 sink 两两转发，最终文本一致
func TestService_ThreeReplicasConverge(t *testing.T) {
	ctx := context.Background()
	svcs := []*InMemoryService{
		newTestService(t, 1, nil),
		newTestService(t, 2, nil),
		newTestService(t, 3, nil),
	}
	var pending []struct {
		from int
		ops  []crdt.Op
	}
	for i, s := range svcs {
		upd, _ := s.ApplyIntent(ctx, "d", InsertAt{Pos: 0, Text: string(rune('a' + i))})
		pending = append(pending, struct {
			from int
			ops  []crdt.Op
		}{i, upd.Ops})
	}
	// 倒序投递
	for k := len(pending) - 1; k >= 0; k-- {
		for i, s := range svcs {
			if i == pending[k].from {
				continue
			}
			for _, op := range pending[k].ops {
				s.IntegrateRemote(ctx, "d", op)
			}
		}
	}
	want, _ := svcs[0].Render(ctx, "d")
	if want != "abc" {
		t.Fatalf("text = %q, want abc", want)
	}
	for _, s := range svcs[1:] {
		if got, _ := s.Render(ctx, "d"); got != want {
			t.Fatalf("replica %d = %q, want %q", s.Replica(), got, want)
		}
	}
}

func TestService_JournalFailureStillPublishes(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, 1, &failJournal{})
	sink := &recordSink{}
	svc.AddSink(sink)

	upd, err := svc.ApplyIntent(ctx, "d1", InsertAt{Pos: 0, Text: "hi"})
	if !errors.Is(err, errDiskFull) {
		t.Fatalf("ApplyIntent err = %v, want %v", err, errDiskFull)
	}
	if len(upd.Ops) != 2 || len(sink.ops) != 2 {
		t.Fatalf("returned %d ops, published %d, want 2 and 2", len(upd.Ops), len(sink.ops))
	}

	origin := NewCRDTBackend(2)
	op := origin.ApplyIntent(InsertAt{Pos: 0, Text: "x"}).Ops[0]
	res, err := svc.IntegrateRemote(ctx, "d1", op)
	if !errors.Is(err, errDiskFull) || res.Outcome != crdt.Integrated {
		t.Fatalf("IntegrateRemote = %v, %v", res.Outcome, err)
	}
	if len(sink.ops) != 3 {
		t.Fatalf("published %d ops, want 3", len(sink.ops))
	}
}

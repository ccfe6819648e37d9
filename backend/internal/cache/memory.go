package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memberEntry struct {
	name     string
	expireAt time.Time
}

type cursorEntry struct {
	pos      int
	expireAt time.Time
}

// memoryPresence 单机部署（未配置 Redis）时使用
type memoryPresence struct {
	mu      sync.Mutex
	rooms   map[string]map[string]memberEntry
	cursors map[string]cursorEntry
	now     func() time.Time
}

func NewMemoryPresence() PresenceCache {
	return &memoryPresence{
		rooms:   make(map[string]map[string]memberEntry),
		cursors: make(map[string]cursorEntry),
		now:     time.Now,
	}
}

func (p *memoryPresence) AddMember(ctx context.Context, docID, memberID, name string, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rooms[docID] == nil {
		p.rooms[docID] = make(map[string]memberEntry)
	}
	p.rooms[docID][memberID] = memberEntry{name: name, expireAt: p.now().Add(ttl)}
	return nil
}

func (p *memoryPresence) RemoveMember(ctx context.Context, docID, memberID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if room, ok := p.rooms[docID]; ok {
		delete(room, memberID)
		if len(room) == 0 {
			delete(p.rooms, docID)
		}
	}
	delete(p.cursors, cursorKey(docID, memberID))
	return nil
}

func (p *memoryPresence) GetDocuments(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	docs := make([]string, 0, len(p.rooms))
	for id := range p.rooms {
		docs = append(docs, id)
	}
	sort.Strings(docs)
	return docs, nil
}

func (p *memoryPresence) GetAliveMembers(ctx context.Context, docID string) ([]PresenceMember, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	var members []PresenceMember
	for id, m := range p.rooms[docID] {
		if !m.expireAt.After(now) {
			delete(p.rooms[docID], id)
			continue
		}
		members = append(members, PresenceMember{ID: id, Name: m.name})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members, nil
}

func (p *memoryPresence) SetCursor(ctx context.Context, docID, memberID string, pos int, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursors[cursorKey(docID, memberID)] = cursorEntry{pos: pos, expireAt: p.now().Add(ttl)}
	return nil
}

func (p *memoryPresence) GetCursor(ctx context.Context, docID, memberID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.cursors[cursorKey(docID, memberID)]
	if !ok || !c.expireAt.After(p.now()) {
		return 0, ErrNoCursor
	}
	return c.pos, nil
}

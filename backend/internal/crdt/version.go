package crdt

// Global 版本向量：replica -> 已知的该副本最大序列号
type Global struct {
	State map[uint64]uint64 `json:"state"`
}

func NewGlobal() Global {
	return Global{State: make(map[uint64]uint64)}
}

// Update 只会让某个副本的值变大（单调不减）
func (g *Global) Update(id ID) {
	if g.State == nil {
		g.State = make(map[uint64]uint64)
	}
	if id.Seq > g.State[id.Replica] {
		g.State[id.Replica] = id.Seq
	}
}

func (g Global) Get(replica uint64) uint64 { return g.State[replica] }

// Covers 报告 id 是否已经被这个向量观察到
func (g Global) Covers(id ID) bool { return id.Seq <= g.State[id.Replica] }

// HasGap 同一副本更早的操作还没到达。对 Frontier 调用才能发现中间的空洞。
func (g Global) HasGap(id ID) bool { return id.Seq > g.State[id.Replica]+1 }

func (g *Global) Merge(other Global) {
	for r, seq := range other.State {
		g.Update(ID{Replica: r, Seq: seq})
	}
}

func (g Global) Clone() Global {
	c := Global{State: make(map[uint64]uint64, len(g.State))}
	for r, seq := range g.State {
		c.State[r] = seq
	}
	return c
}

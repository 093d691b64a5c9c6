package ruleset

// Ruleset 是多个 Fragment 按顺序合并后的结果
type Ruleset struct {
	Version       string
	Rules         []*Rule
	CustomRules   []*Rule
	Exclusions    []*Exclusion
	Overrides     []*Override
	RulesData     []*DataSet
	ExclusionData []*DataSet
	Processors    []*Processor
	Scanners      []*Scanner
	Actions       []*Action
}

// Merge 按给定顺序合并片段，ID 相同的条目由后出现的替换，
// 同一数据集的条目取并集，相同值保留较晚的过期时间
func Merge(fragments ...*Fragment) *Ruleset {
	rs := &Ruleset{}
	rules := newIndexed[*Rule](func(r *Rule) string { return r.ID })
	custom := newIndexed[*Rule](func(r *Rule) string { return r.ID })
	exclusions := newIndexed[*Exclusion](func(e *Exclusion) string { return e.ID })
	processors := newIndexed[*Processor](func(p *Processor) string { return p.ID })
	scanners := newIndexed[*Scanner](func(s *Scanner) string { return s.ID })
	actions := newIndexed[*Action](func(a *Action) string { return a.ID })
	rulesData := newDataMerger()
	exclusionData := newDataMerger()

	for _, f := range fragments {
		if f == nil {
			continue
		}
		if f.Version != "" {
			rs.Version = f.Version
		}
		rules.add(f.Rules...)
		custom.add(f.CustomRules...)
		exclusions.add(f.Exclusions...)
		processors.add(f.Processors...)
		scanners.add(f.Scanners...)
		actions.add(f.Actions...)
		rs.Overrides = append(rs.Overrides, f.Overrides...)
		rulesData.add(f.RulesData)
		exclusionData.add(f.ExclusionData)
	}

	rs.Rules = rules.items
	rs.CustomRules = custom.items
	rs.Exclusions = exclusions.items
	rs.Processors = processors.items
	rs.Scanners = scanners.items
	rs.Actions = actions.items
	rs.RulesData = rulesData.sets
	rs.ExclusionData = exclusionData.sets
	return rs
}

type indexed[T any] struct {
	id    func(T) string
	pos   map[string]int
	items []T
}

func newIndexed[T any](id func(T) string) *indexed[T] {
	return &indexed[T]{id: id, pos: make(map[string]int)}
}

func (x *indexed[T]) add(items ...T) {
	for _, item := range items {
		id := x.id(item)
		if i, ok := x.pos[id]; ok {
			x.items[i] = item
			continue
		}
		x.pos[id] = len(x.items)
		x.items = append(x.items, item)
	}
}

type dataMerger struct {
	pos  map[string]int
	sets []*DataSet
}

func newDataMerger() *dataMerger {
	return &dataMerger{pos: make(map[string]int)}
}

func (m *dataMerger) add(sets []*DataSet) {
	for _, set := range sets {
		i, ok := m.pos[set.ID]
		if !ok {
			m.pos[set.ID] = len(m.sets)
			m.sets = append(m.sets, &DataSet{ID: set.ID, Type: set.Type, Entries: append([]DataEntry(nil), set.Entries...)})
			continue
		}
		merged := m.sets[i]
		if merged.Type != set.Type {
			continue
		}
		for _, entry := range set.Entries {
			merged.Entries = mergeEntry(merged.Entries, entry)
		}
	}
}

func mergeEntry(entries []DataEntry, entry DataEntry) []DataEntry {
	for i := range entries {
		if entries[i].Value != entry.Value {
			continue
		}
		if entries[i].Expiration != 0 && (entry.Expiration == 0 || entry.Expiration > entries[i].Expiration) {
			entries[i].Expiration = entry.Expiration
		}
		return entries
	}
	return append(entries, entry)
}

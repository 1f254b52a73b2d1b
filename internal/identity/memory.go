package identity

import (
	"sort"
	"time"
)

// Memory is a Store kept entirely in process memory.
type Memory struct {
	links map[Tag]map[int64]int64
	marks map[Tag]map[int64]int64
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		links: make(map[Tag]map[int64]int64),
		marks: make(map[Tag]map[int64]int64),
	}
}

func (m *Memory) SyncID(tag Tag, local int64) (int64, error) {
	if err := validate(tag, local); err != nil {
		return 0, err
	}
	return m.links[tag][local], nil
}

func (m *Memory) SetSyncID(tag Tag, local, remote int64) error {
	if err := validate(tag, local); err != nil {
		return err
	}
	set(m.links, tag, local, remote)
	return nil
}

func (m *Memory) Watermark(tag Tag, id int64) (time.Time, error) {
	if err := validate(tag, id); err != nil {
		return time.Time{}, err
	}
	v, ok := m.marks[tag][id]
	if !ok {
		return time.Time{}, nil
	}
	return decode(v), nil
}

func (m *Memory) SetWatermark(tag Tag, id int64, at time.Time) error {
	if err := validate(tag, id); err != nil {
		return err
	}
	if at.IsZero() {
		delete(m.marks[tag], id)
		return nil
	}
	if m.marks[tag] == nil {
		m.marks[tag] = make(map[int64]int64)
	}
	m.marks[tag][id] = encode(at)
	return nil
}

func (m *Memory) Links() ([]Link, error) {
	var out []Link
	for tag, entries := range m.links {
		for local, remote := range entries {
			out = append(out, Link{Tag: tag, Local: local, Remote: remote})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tag != out[j].Tag {
			return out[i].Tag < out[j].Tag
		}
		return out[i].Local < out[j].Local
	})
	return out, nil
}

func (m *Memory) Watermarks() ([]Mark, error) {
	var out []Mark
	for tag, entries := range m.marks {
		for id, v := range entries {
			out = append(out, Mark{Tag: tag, ID: id, At: decode(v)})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tag != out[j].Tag {
			return out[i].Tag < out[j].Tag
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) Close() error { return nil }

func set(tbl map[Tag]map[int64]int64, tag Tag, k, v int64) {
	if v == 0 {
		delete(tbl[tag], k)
		return
	}
	if tbl[tag] == nil {
		tbl[tag] = make(map[int64]int64)
	}
	tbl[tag][k] = v
}

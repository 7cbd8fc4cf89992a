package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "TrustClaw/internal/errors"
)

// MemoryStore 以内存方式保存账本,主要用于测试和本地运行。
type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[string]*Entry
	announced map[uint64]string
	cursor    uint64
	cursorSet bool
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:   make(map[string]*Entry),
		announced: make(map[uint64]string),
	}
}

// Record 实现 Store 接口。
func (m *MemoryStore) Record(_ context.Context, entry *Entry) error {
	if entry == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "entry 不能为空")
	}
	if strings.TrimSpace(entry.Key) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "事件键不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[entry.Key]; ok {
		return ErrEventConflict
	}
	now := time.Now().Unix()
	clone := *entry
	if clone.State == "" {
		clone.State = StateSeen
	}
	if clone.CreatedAt == 0 {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	clone.Announced = m.isAnnouncedLocked(clone.AgentID)
	m.entries[clone.Key] = &clone
	return nil
}

// Get 返回事件记录。
func (m *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[key]
	if !ok {
		return nil, ErrEventNotFound
	}
	clone := cloneEntry(entry)
	clone.Announced = m.isAnnouncedLocked(entry.AgentID)
	return clone, nil
}

// Claim 把事件切换到处理中。
func (m *MemoryStore) Claim(_ context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return nil, ErrEventNotFound
	}
	switch {
	case entry.State == StateDone:
		return cloneEntry(entry), ErrEventDone
	case entry.State == StateProcessing:
		return cloneEntry(entry), ErrEventConflict
	case entry.Terminal:
		return cloneEntry(entry), ErrEventExhausted
	}
	if entry.Attempts >= entry.MaxRetries {
		return cloneEntry(entry), ErrEventExhausted
	}
	entry.State = StateProcessing
	entry.Attempts++
	entry.LastError = ""
	entry.ErrorCode = ""
	entry.UpdatedAt = time.Now().Unix()
	return cloneEntry(entry), nil
}

// Release 把 processing 状态的事件退回 seen。
func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return ErrEventNotFound
	}
	if entry.State != StateProcessing {
		return nil
	}
	entry.State = StateSeen
	entry.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkDone 记录事件处理完毕。
func (m *MemoryStore) MarkDone(_ context.Context, key string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return ErrEventNotFound
	}
	entry.State = StateDone
	entry.Reason = reason
	entry.LastError = ""
	entry.ErrorCode = ""
	entry.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 记录一次失败。
func (m *MemoryStore) MarkFailed(_ context.Context, key string, code xerrors.Code, lastError string, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return ErrEventNotFound
	}
	entry.State = StateFailed
	entry.Terminal = terminal
	entry.LastError = lastError
	entry.ErrorCode = string(code)
	entry.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkAnnounced 登记公告,每个代理只允许一次。
func (m *MemoryStore) MarkAnnounced(_ context.Context, agentID uint64, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.announced[agentID]; ok {
		return ErrAlreadyAnnounced
	}
	m.announced[agentID] = key
	if entry, ok := m.entries[key]; ok {
		entry.Announced = true
		entry.UpdatedAt = time.Now().Unix()
	}
	return nil
}

// Announced 查询代理是否已经公告过。
func (m *MemoryStore) Announced(_ context.Context, agentID uint64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isAnnouncedLocked(agentID), nil
}

// Cursor 返回扫描游标。
func (m *MemoryStore) Cursor(_ context.Context) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursor, m.cursorSet, nil
}

// SetCursor 推进扫描游标,只增不减。
func (m *MemoryStore) SetCursor(_ context.Context, height uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cursorSet && height < m.cursor {
		return nil
	}
	m.cursor = height
	m.cursorSet = true
	return nil
}

// ListUndelivered 返回所有未完成的事件,按事件键排序。
func (m *MemoryStore) ListUndelivered(_ context.Context) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Entry, 0)
	for _, entry := range m.entries {
		if entry.State == StateDone || entry.Terminal {
			continue
		}
		clone := cloneEntry(entry)
		clone.Announced = m.isAnnouncedLocked(entry.AgentID)
		results = append(results, clone)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Key < results[j].Key
	})
	return results, nil
}

// List 按更新时间倒序返回事件。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Entry, 0, len(m.entries))
	for _, entry := range m.entries {
		if !matchesListFilters(entry, opts) {
			continue
		}
		clone := cloneEntry(entry)
		clone.Announced = m.isAnnouncedLocked(entry.AgentID)
		results = append(results, clone)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].UpdatedAt == results[j].UpdatedAt {
			return results[i].Key > results[j].Key
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset >= len(results) {
		return []*Entry{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 返回账本聚合统计。
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{Announced: int64(len(m.announced))}
	for _, entry := range m.entries {
		stats.Total++
		switch entry.State {
		case StateSeen:
			stats.Seen++
		case StateProcessing:
			stats.Processing++
		case StateDone:
			stats.Done++
		case StateFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) isAnnouncedLocked(agentID uint64) bool {
	_, ok := m.announced[agentID]
	return ok
}

func matchesListFilters(entry *Entry, opts ListOptions) bool {
	if len(opts.States) > 0 {
		matched := false
		for _, state := range opts.States {
			if entry.State == state {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.AgentID != 0 && entry.AgentID != opts.AgentID {
		return false
	}
	return true
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)

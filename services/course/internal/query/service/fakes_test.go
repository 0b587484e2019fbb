package service

import (
	"context"
	"errors"
	"sync"

	"github.com/payalb/course-management/services/course/internal/query/domain"
)

// memViews mimics the monotonic upsert of the read repository.
type memViews struct {
	mu    sync.Mutex
	rows  map[int64]domain.CourseView
	calls map[string]int
	err   error
}

func newMemViews() *memViews {
	return &memViews{
		rows:  make(map[int64]domain.CourseView),
		calls: make(map[string]int),
	}
}

func (m *memViews) Upsert(_ context.Context, view *domain.CourseView) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["Upsert"]++

	if m.err != nil {
		return false, m.err
	}

	cur, ok := m.rows[view.CourseID]
	if ok && cur.LastEventAt > view.LastEventAt {
		return false, nil
	}

	next := *view
	if ok {
		next.ID = cur.ID
		next.CreatedAt = cur.CreatedAt
	} else {
		next.ID = int64(len(m.rows) + 1)
	}
	m.rows[view.CourseID] = next

	return true, nil
}

func (m *memViews) GetByID(_ context.Context, courseID int64) (*domain.CourseView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["GetByID"]++

	if m.err != nil {
		return nil, m.err
	}

	row, ok := m.rows[courseID]
	if !ok {
		return nil, domain.ErrCourseNotFound
	}
	return &row, nil
}

func (m *memViews) List(_ context.Context, _ domain.ListQuery) ([]*domain.CourseView, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["List"]++

	var out []*domain.CourseView
	for _, row := range m.rows {
		out = append(out, &row)
	}
	return out, int64(len(out)), m.err
}

func (m *memViews) Search(_ context.Context, _ domain.SearchQuery) ([]*domain.CourseView, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["Search"]++

	return []*domain.CourseView{}, 0, m.err
}

func (m *memViews) count(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

type memCache struct {
	mu          sync.Mutex
	entries     map[string][]byte
	invalidated int
	getErr      error
	clearErr    error
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string][]byte)}
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.getErr != nil {
		return nil, false, c.getErr
	}
	val, ok := c.entries[key]
	return val, ok, nil
}

func (c *memCache) Put(_ context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = value
	return nil
}

func (c *memCache) InvalidateAll(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.clearErr != nil {
		return c.clearErr
	}
	c.entries = make(map[string][]byte)
	c.invalidated++
	return nil
}

func (c *memCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

var errStoreDown = errors.New("read store down")

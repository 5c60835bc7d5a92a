// internal/database/memory.go
package database

import (
	"context"
	"sync"
	"time"

	"github.com/jason-s-yu/guess/internal/models"
)

// Memory is an in-process Backend for development and tests. Nothing survives a restart.
type Memory struct {
	mu        sync.Mutex
	users     map[string]*models.UserRecord
	questions []string
}

func NewMemory(questions ...string) *Memory {
	return &Memory{
		users:     make(map[string]*models.UserRecord),
		questions: append([]string(nil), questions...),
	}
}

func (m *Memory) Migrate(context.Context) error { return nil }

func (m *Memory) Close() {}

func (m *Memory) GetOrCreate(_ context.Context, key, name string) (*models.UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[key]
	if !ok {
		u = &models.UserRecord{Key: key, Name: name, CreatedAt: time.Now()}
		m.users[key] = u
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) AddScore(_ context.Context, key string, delta int64) (*models.UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[key]
	if !ok {
		return nil, models.ErrNotFound
	}
	u.Score += delta
	u.Correct++
	cp := *u
	return &cp, nil
}

func (m *Memory) Count(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.questions), nil
}

func (m *Memory) GetByID(_ context.Context, id int) (*models.Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 1 || id > len(m.questions) {
		return nil, models.ErrNotFound
	}
	return &models.Question{ID: id, Text: m.questions[id-1]}, nil
}

func (m *Memory) AddQuestions(_ context.Context, texts ...string) error {
	m.mu.Lock()
	m.questions = append(m.questions, texts...)
	m.mu.Unlock()
	return nil
}

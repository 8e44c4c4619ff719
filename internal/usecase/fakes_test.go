package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"tg-llm-proxy/internal/domain"
)

type memSettings struct {
	mu        sync.Mutex
	topics    map[domain.ConversationKey]domain.TopicSettings
	allowed   map[string]bool
	getErr    error
	updateErr error
	updates   int
}

func newMemSettings() *memSettings {
	return &memSettings{
		topics:  make(map[domain.ConversationKey]domain.TopicSettings),
		allowed: make(map[string]bool),
	}
}

func (m *memSettings) GetOrCreateTopicSettings(_ context.Context, chatID, topicID int64) (domain.TopicSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return domain.TopicSettings{}, m.getErr
	}
	key := domain.ConversationKey{ChatID: chatID, TopicID: topicID}
	s, ok := m.topics[key]
	if !ok {
		s = domain.TopicSettings{ChatID: chatID, TopicID: topicID, Model: "test/model", Temperature: 0.7}
		m.topics[key] = s
	}
	return s, nil
}

func (m *memSettings) UpdateTopicSettings(_ context.Context, s domain.TopicSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	m.updates++
	m.topics[s.Key()] = s
	return nil
}

func (m *memSettings) get(key domain.ConversationKey) domain.TopicSettings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.topics[key]
}

func allowKey(chatID, topicID, userID int64) string {
	return fmt.Sprintf("%d/%d/%d", chatID, topicID, userID)
}

func (m *memSettings) GetAllowedTopics(_ context.Context, chatID, userID int64) (map[int64]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]bool)
	for k, v := range m.allowed {
		var c, t, u int64
		_, _ = fmt.Sscanf(k, "%d/%d/%d", &c, &t, &u)
		if c == chatID && u == userID && v {
			out[t] = true
		}
	}
	return out, nil
}

func (m *memSettings) AddAllowedTopic(_ context.Context, chatID, topicID, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowed[allowKey(chatID, topicID, userID)] = true
	return nil
}

func (m *memSettings) RemoveAllowedTopic(_ context.Context, chatID, topicID, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := allowKey(chatID, topicID, userID)
	if !m.allowed[k] {
		return false, nil
	}
	m.allowed[k] = false
	return true, nil
}

type memMessages struct {
	mu        sync.Mutex
	records   []domain.MessageRecord
	listErr   error
	appendErr error
	exchanges int
}

func (m *memMessages) AppendMessage(_ context.Context, r domain.MessageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.records = append(m.records, r)
	return nil
}

func (m *memMessages) AppendExchange(_ context.Context, user, assistant domain.MessageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.exchanges++
	m.records = append(m.records, user, assistant)
	return nil
}

func (m *memMessages) forKey(chatID, topicID int64) []domain.MessageRecord {
	var out []domain.MessageRecord
	for _, r := range m.records {
		if r.ChatID == chatID && r.TopicID == topicID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (m *memMessages) ListMessages(_ context.Context, chatID, topicID int64, skip int) ([]domain.MessageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	all := m.forKey(chatID, topicID)
	if skip >= len(all) {
		return nil, nil
	}
	return all[skip:], nil
}

func (m *memMessages) CountMessages(_ context.Context, chatID, topicID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.forKey(chatID, topicID)), nil
}

func (m *memMessages) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type fakeLLM struct {
	mu       sync.Mutex
	reply    string
	err      error
	models   []string
	requests []domain.TurnRequest
}

func (f *fakeLLM) SendTurn(_ context.Context, req domain.TurnRequest) (domain.TurnResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return domain.TurnResponse{}, f.err
	}
	return domain.TurnResponse{Text: f.reply, Model: req.Model, InputTokens: 11, OutputTokens: 7}, nil
}

func (f *fakeLLM) CountTokens(_ context.Context, _ string, text string) (int, error) {
	return len(text)/4 + 1, nil
}

func (f *fakeLLM) ListModels(_ context.Context) ([]string, error) {
	if f.models == nil {
		return nil, errors.New("no models configured")
	}
	return f.models, nil
}

func (f *fakeLLM) calls() []domain.TurnRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.TurnRequest(nil), f.requests...)
}

type statusErr struct{ code int }

func (e *statusErr) Error() string       { return fmt.Sprintf("status %d", e.code) }
func (e *statusErr) HTTPStatusCode() int { return e.code }

type memUsers struct {
	mu       sync.Mutex
	profiles map[int64]domain.UserProfile
	chats    map[int64][]domain.UserChat
	ensured  int
	recorded int
	err      error
}

func newMemUsers() *memUsers {
	return &memUsers{profiles: map[int64]domain.UserProfile{}, chats: map[int64][]domain.UserChat{}}
}

func (m *memUsers) EnsureUser(_ context.Context, u domain.UserProfile) (domain.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return domain.UserProfile{}, m.err
	}
	m.ensured++
	p, ok := m.profiles[u.UserID]
	if ok {
		p.Username, p.FullName = u.Username, u.FullName
	} else {
		p = u
	}
	m.profiles[u.UserID] = p
	return p, nil
}

func (m *memUsers) GetUser(_ context.Context, userID int64) (domain.UserProfile, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return domain.UserProfile{}, false, m.err
	}
	p, ok := m.profiles[userID]
	return p, ok, nil
}

func (m *memUsers) ListUsers(context.Context) ([]domain.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.UserProfile, 0, len(m.profiles))
	for _, p := range m.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *memUsers) SetAdmin(_ context.Context, userID int64, admin bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return errors.New("not registered")
	}
	p.IsAdmin = admin
	m.profiles[userID] = p
	return nil
}

func (m *memUsers) RecordUserChat(_ context.Context, l domain.UserChat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.recorded++
	list := m.chats[l.UserID]
	for i := range list {
		if list[i].ChatID == l.ChatID {
			list[i] = l
			return nil
		}
	}
	m.chats[l.UserID] = append(list, l)
	return nil
}

func (m *memUsers) ListUserChats(_ context.Context, userID int64) ([]domain.UserChat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.UserChat(nil), m.chats[userID]...), nil
}

type fakeSecrets struct {
	values map[string]string
	err    error
}

func (f *fakeSecrets) Token(_ context.Context, name string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	v, ok := f.values[name]
	if !ok {
		return "", fmt.Errorf("parameter %s not found", name)
	}
	return v, nil
}

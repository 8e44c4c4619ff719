package telegrambot

import (
	"context"
	"errors"
	"sync"
	"time"

	"tg-llm-proxy/internal/conversation"
	"tg-llm-proxy/internal/domain"
	"tg-llm-proxy/internal/integrations/telegram"
	"tg-llm-proxy/internal/usecase"
)

type pollResult struct {
	updates []telegram.Update
	next    int64
	err     error
}

// fakeAPI records every outbound call. Once its scripted polls run out it
// cancels the bot's context.
type fakeAPI struct {
	mu sync.Mutex

	me      telegram.User
	meErr   error
	polls   []pollResult
	offsets []int64
	cancel  context.CancelFunc

	sendErrs []error
	sent     []telegram.SendMessage
	edits    []telegram.EditMessageText
	answers  []string
	actions  []int64
}

func (f *fakeAPI) GetMe(context.Context) (telegram.User, error) {
	return f.me, f.meErr
}

func (f *fakeAPI) GetUpdates(ctx context.Context, offset int64, _ time.Duration) ([]telegram.Update, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offsets = append(f.offsets, offset)
	if len(f.polls) == 0 {
		if f.cancel != nil {
			f.cancel()
		}
		return nil, offset, context.Canceled
	}
	p := f.polls[0]
	f.polls = f.polls[1:]
	return p.updates, p.next, p.err
}

func (f *fakeAPI) SendMessage(_ context.Context, msg telegram.SendMessage) (telegram.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return telegram.Message{}, err
		}
	}
	return telegram.Message{MessageID: int64(len(f.sent)), Chat: telegram.Chat{ID: msg.ChatID}}, nil
}

func (f *fakeAPI) EditMessageText(_ context.Context, edit telegram.EditMessageText) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, edit)
	return nil
}

func (f *fakeAPI) AnswerCallbackQuery(_ context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, id+"|"+text)
	return nil
}

func (f *fakeAPI) SendChatAction(_ context.Context, chatID, _ int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, chatID)
	return nil
}

func (f *fakeAPI) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.Text)
	}
	return out
}

// fakeConversations is a scripted stand-in for the dispatcher.
type fakeConversations struct {
	mu sync.Mutex

	accepted []usecase.TextInput
	cont     usecase.Continuation

	allowed    map[domain.ConversationKey]bool
	allowedErr error
	started    []domain.ConversationKey
	startErr   error
	stopped    []domain.ConversationKey

	settings domain.TopicSettings
	beginErr error
	mode     map[domain.ConversationKey]conversation.Mode

	emptyResult usecase.EmptyResult
	info        usecase.TopicInfo
	infoErr     error
	cleared     []domain.ConversationKey

	models      []string
	modelsErr   error
	changed     []string
	changeErr   error
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{
		allowed: map[domain.ConversationKey]bool{},
		mode:    map[domain.ConversationKey]conversation.Mode{},
		settings: domain.TopicSettings{
			Model:       "openai/gpt-4.1-mini",
			Temperature: 0.7,
		},
	}
}

func (f *fakeConversations) Accept(in usecase.TextInput) usecase.Continuation {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, in)
	return f.cont
}

func (f *fakeConversations) BeginPrompt(_ context.Context, key domain.ConversationKey) (domain.TopicSettings, error) {
	if f.beginErr != nil {
		return domain.TopicSettings{}, f.beginErr
	}
	f.mode[key] = conversation.ModeAwaitingPrompt
	return f.settings, nil
}

func (f *fakeConversations) BeginTemperature(_ context.Context, key domain.ConversationKey) (domain.TopicSettings, error) {
	if f.beginErr != nil {
		return domain.TopicSettings{}, f.beginErr
	}
	f.mode[key] = conversation.ModeAwaitingTemperature
	return f.settings, nil
}

func (f *fakeConversations) Cancel(key domain.ConversationKey) bool {
	_, ok := f.mode[key]
	delete(f.mode, key)
	return ok
}

func (f *fakeConversations) DefaultTemperature() float64 { return 0.7 }

func (f *fakeConversations) Empty(_ context.Context, key domain.ConversationKey) (usecase.EmptyResult, error) {
	delete(f.mode, key)
	return f.emptyResult, nil
}

func (f *fakeConversations) ClearContext(_ context.Context, key domain.ConversationKey) (usecase.TopicInfo, error) {
	if f.infoErr != nil {
		return usecase.TopicInfo{}, f.infoErr
	}
	f.cleared = append(f.cleared, key)
	return f.info, nil
}

func (f *fakeConversations) Models(context.Context) ([]string, error) {
	return f.models, f.modelsErr
}

func (f *fakeConversations) ChangeModel(_ context.Context, _ domain.ConversationKey, model string) error {
	if f.changeErr != nil {
		return f.changeErr
	}
	f.changed = append(f.changed, model)
	return nil
}

func (f *fakeConversations) TopicInfo(context.Context, domain.ConversationKey) (usecase.TopicInfo, error) {
	return f.info, f.infoErr
}

func (f *fakeConversations) Start(_ context.Context, key domain.ConversationKey, _ int64) (bool, error) {
	if f.startErr != nil {
		return false, f.startErr
	}
	already := f.allowed[key]
	f.allowed[key] = true
	f.started = append(f.started, key)
	return already, nil
}

func (f *fakeConversations) Stop(_ context.Context, key domain.ConversationKey, _ int64) (bool, error) {
	was := f.allowed[key]
	delete(f.allowed, key)
	f.stopped = append(f.stopped, key)
	return was, nil
}

func (f *fakeConversations) IsAllowed(_ context.Context, key domain.ConversationKey, _ int64) (bool, error) {
	if f.allowedErr != nil {
		return false, f.allowedErr
	}
	return f.allowed[key], nil
}

type fakeUsage struct {
	report     usecase.UsageReport
	err        error
	userReport usecase.UserReport
	userErr    error
	userIDs    []int64
}

func (f *fakeUsage) Usage(context.Context, domain.ConversationKey) (usecase.UsageReport, error) {
	return f.report, f.err
}

func (f *fakeUsage) UserUsage(_ context.Context, userID int64) (usecase.UserReport, error) {
	f.userIDs = append(f.userIDs, userID)
	return f.userReport, f.userErr
}

type membershipCall struct {
	user   domain.UserProfile
	chat   domain.UserChat
	joined bool
}

type fakeDirectory struct {
	mu          sync.Mutex
	registered  []domain.UserProfile
	chats       []domain.UserChat
	registerErr error
	memberships []membershipCall
	memberErr   error

	claims   []string
	claimOK  bool
	claimErr error

	users    []usecase.UserReport
	usersOK  bool
	usersErr error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{}
}

func (f *fakeDirectory) Register(_ context.Context, user domain.UserProfile, chat domain.UserChat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, user)
	f.chats = append(f.chats, chat)
	return f.registerErr
}

func (f *fakeDirectory) MembershipChanged(_ context.Context, user domain.UserProfile, chat domain.UserChat, joined bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memberships = append(f.memberships, membershipCall{user: user, chat: chat, joined: joined})
	return f.memberErr
}

func (f *fakeDirectory) ClaimAdmin(_ context.Context, _ int64, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims = append(f.claims, token)
	return f.claimOK, f.claimErr
}

func (f *fakeDirectory) Users(context.Context, int64) ([]usecase.UserReport, bool, error) {
	return f.users, f.usersOK, f.usersErr
}

var errBoom = errors.New("boom")

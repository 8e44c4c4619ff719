package telegrambot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tg-llm-proxy/internal/conversation"
	"tg-llm-proxy/internal/domain"
	"tg-llm-proxy/internal/integrations/telegram"
	"tg-llm-proxy/internal/usecase"
)

const forumChatID int64 = -1000000000123

func newTestBot(t *testing.T) (*Bot, *fakeAPI, *fakeConversations, *fakeUsage) {
	t.Helper()
	api := &fakeAPI{me: telegram.User{ID: 99, IsBot: true, Username: "proxy_bot"}}
	conv := newFakeConversations()
	usage := &fakeUsage{}
	b, err := New(api, conv, usage, newFakeDirectory(), Config{
		MaxConcurrentTurns: 2,
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	b.username = "proxy_bot"
	b.retryDelay = time.Millisecond
	return b, api, conv, usage
}

func privateMsg(text string) *telegram.Message {
	return &telegram.Message{
		MessageID: 3,
		Date:      1,
		Chat:      telegram.Chat{ID: 5, Type: "private", Username: "ann"},
		From:      &telegram.User{ID: 7, FirstName: "Ann"},
		Text:      text,
	}
}

func forumMsg(thread int64, text string) *telegram.Message {
	return &telegram.Message{
		MessageID:       4,
		Date:            1,
		MessageThreadID: thread,
		IsTopicMessage:  thread != 0,
		Chat:            telegram.Chat{ID: forumChatID, Type: "supergroup", Title: "Llm bots", IsForum: true},
		From:            &telegram.User{ID: 8, FirstName: "Bob"},
		Text:            text,
	}
}

func send(b *Bot, msg *telegram.Message) {
	b.handleUpdate(context.Background(), telegram.Update{UpdateID: 1, Message: msg})
	b.wg.Wait()
}

func replyWith(text string, kind usecase.ReplyKind) usecase.Continuation {
	return func(context.Context) (usecase.TextOutput, error) {
		return usecase.TextOutput{Reply: text, Kind: kind}, nil
	}
}

// ---- construction & polling ----

func TestNew_Validation(t *testing.T) {
	api := &fakeAPI{}
	conv := newFakeConversations()
	usage := &fakeUsage{}
	dir := newFakeDirectory()

	_, err := New(nil, conv, usage, dir, Config{})
	require.ErrorContains(t, err, "api")
	_, err = New(api, nil, usage, dir, Config{})
	require.ErrorContains(t, err, "conversations")
	_, err = New(api, conv, nil, dir, Config{})
	require.ErrorContains(t, err, "usage")
	_, err = New(api, conv, usage, nil, Config{})
	require.ErrorContains(t, err, "directory")

	b, err := New(api, conv, usage, dir, Config{})
	require.NoError(t, err)
	require.Equal(t, defaultPollTimeout, b.cfg.PollTimeout)
	require.Equal(t, defaultMaxConcurrentTurns, cap(b.sem))
}

func TestRun_GetMeError(t *testing.T) {
	b, api, _, _ := newTestBot(t)
	api.meErr = errors.New("unauthorized")

	err := b.Run(context.Background())
	require.ErrorContains(t, err, "unauthorized")
}

func TestRun_PollsAdvancesOffsetAndRetries(t *testing.T) {
	b, api, _, _ := newTestBot(t)
	b.username = ""
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	api.cancel = cancel
	api.polls = []pollResult{
		{updates: []telegram.Update{{UpdateID: 10, Message: privateMsg("/hello")}}, next: 11},
		{err: errors.New("bad gateway")},
		{updates: nil, next: 11},
	}

	require.NoError(t, b.Run(ctx))
	require.Equal(t, "proxy_bot", b.username)
	require.Equal(t, []int64{0, 11, 11, 11}, api.offsets)
	require.Equal(t, []string{"Hello, Ann!"}, api.sentTexts())
}

// ---- plain text ----

func TestText_PrivateChatRunsTurn(t *testing.T) {
	b, api, conv, _ := newTestBot(t)
	conv.cont = replyWith("*hi* there", usecase.ReplyModel)

	send(b, privateMsg("hello"))

	require.Len(t, conv.accepted, 1)
	require.Equal(t, domain.NewConversationKey(5, 0), conv.accepted[0].Key)
	require.Equal(t, int64(7), conv.accepted[0].ActorID)
	require.Equal(t, "hello", conv.accepted[0].Text)

	require.Equal(t, []int64{5}, api.actions)
	require.Len(t, api.sent, 1)
	require.Equal(t, "*hi* there", api.sent[0].Text)
	require.Equal(t, telegram.ParseModeMarkdown, api.sent[0].ParseMode)
	require.Equal(t, int64(3), api.sent[0].ReplyToMessageID)
	require.Zero(t, api.sent[0].MessageThreadID)
}

func TestText_MergedFragmentSendsNothing(t *testing.T) {
	b, api, conv, _ := newTestBot(t)
	conv.cont = nil

	send(b, privateMsg("world"))

	require.Len(t, conv.accepted, 1)
	require.Empty(t, api.sent)
	require.Empty(t, api.actions)
}

func TestText_EmptyDrainSendsNothing(t *testing.T) {
	b, api, conv, _ := newTestBot(t)
	conv.cont = replyWith("", usecase.ReplyNone)

	send(b, privateMsg("hello"))
	require.Empty(t, api.sent)
}

func TestText_FailureRendersGenericMessage(t *testing.T) {
	b, api, conv, _ := newTestBot(t)
	conv.cont = func(context.Context) (usecase.TextOutput, error) {
		return usecase.TextOutput{}, errBoom
	}

	send(b, privateMsg("hello"))

	require.Len(t, api.sent, 1)
	require.Equal(t, usecase.GenericFailureMessage, api.sent[0].Text)
	require.Empty(t, api.sent[0].ParseMode)
	require.NotContains(t, api.sent[0].Text, "boom")
}

func TestText_TurnOutlivesCancelledContext(t *testing.T) {
	b, api, conv, _ := newTestBot(t)
	conv.cont = func(ctx context.Context) (usecase.TextOutput, error) {
		require.NoError(t, ctx.Err())
		return usecase.TextOutput{Reply: "done", Kind: usecase.ReplyModel}, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b.handleUpdate(ctx, telegram.Update{Message: privateMsg("hello")})
	b.wg.Wait()
	require.Equal(t, []string{"done"}, api.sentTexts())
}

func TestText_IgnoresBotsAndEmptyText(t *testing.T) {
	b, api, conv, _ := newTestBot(t)
	conv.cont = replyWith("x", usecase.ReplyModel)

	botMsg := privateMsg("hi")
	botMsg.From.IsBot = true
	send(b, botMsg)
	send(b, privateMsg("   "))
	noFrom := privateMsg("hi")
	noFrom.From = nil
	send(b, noFrom)

	require.Empty(t, conv.accepted)
	require.Empty(t, api.sent)
}

// ---- forum gating ----

func TestForum_DisallowedTopicIgnoresText(t *testing.T) {
	b, api, conv, _ := newTestBot(t)
	conv.cont = replyWith("x", usecase.ReplyModel)

	send(b, forumMsg(42, "hello"))

	require.Empty(t, conv.accepted)
	require.Empty(t, api.sent)
}

func TestForum_DisallowedTopicCommandGetsHint(t *testing.T) {
	b, api, _, _ := newTestBot(t)

	send(b, forumMsg(42, "/info"))

	require.Equal(t, []string{notAddedText}, api.sentTexts())
	require.Equal(t, int64(42), api.sent[0].MessageThreadID)
}

func TestForum_AllowedTopicUsesThread(t *testing.T) {
	b, api, conv, _ := newTestBot(t)
	key := domain.NewConversationKey(forumChatID, 42)
	conv.allowed[key] = true
	conv.cont = replyWith("answer", usecase.ReplyModel)

	send(b, forumMsg(42, "hello"))

	require.Equal(t, key, conv.accepted[0].Key)
	require.Equal(t, int64(42), api.sent[0].MessageThreadID)
}

func TestForum_GeneralTopicUsesDefault(t *testing.T) {
	b, api, conv, _ := newTestBot(t)
	conv.allowed[domain.NewConversationKey(forumChatID, domain.DefaultTopicID)] = true
	conv.cont = replyWith("answer", usecase.ReplyModel)

	send(b, forumMsg(0, "hello"))

	require.Equal(t, domain.DefaultTopicID, conv.accepted[0].Key.TopicID)
	require.Zero(t, api.sent[0].MessageThreadID)
}

func TestForum_AllowListErrorDropsText(t *testing.T) {
	b, api, conv, _ := newTestBot(t)
	conv.allowedErr = errBoom
	conv.cont = replyWith("x", usecase.ReplyModel)

	send(b, forumMsg(42, "hello"))
	require.Empty(t, conv.accepted)
	require.Empty(t, api.sent)

	send(b, forumMsg(42, "/info"))
	require.Equal(t, []string{usecase.GenericFailureMessage}, api.sentTexts())
}

// ---- commands ----

func TestCommand_StartStop(t *testing.T) {
	b, api, conv, _ := newTestBot(t)
	key := domain.NewConversationKey(forumChatID, 42)

	send(b, forumMsg(42, "/start"))
	send(b, forumMsg(42, "/start@proxy_bot"))
	send(b, forumMsg(42, "/stop"))
	send(b, forumMsg(42, "/stop"))

	texts := api.sentTexts()
	require.Len(t, texts, 4)
	require.Contains(t, texts[0], "Bot added")
	require.Equal(t, "The bot is already here.", texts[1])
	require.Contains(t, texts[2], "left this topic")
	require.Equal(t, "The bot was not active here.", texts[3])
	require.Equal(t, []domain.ConversationKey{key, key}, conv.started)
}

func TestCommand_StartError(t *testing.T) {
	b, api, conv, _ := newTestBot(t)
	conv.startErr = errBoom

	send(b, forumMsg(42, "/start"))
	require.Equal(t, []string{usecase.GenericFailureMessage}, api.sentTexts())
}

func TestCommand_OtherBotIgnored(t *testing.T) {
	b, api, _, _ := newTestBot(t)

	send(b, privateMsg("/info@other_bot"))
	require.Empty(t, api.sent)
}

func TestCommand_UnknownIsSilent(t *testing.T) {
	b, api, _, _ := newTestBot(t)

	send(b, privateMsg("/frobnicate"))
	require.Empty(t, api.sent)
}

func TestCommand_PromptThenCancel(t *testing.T) {
	b, api, conv, _ := newTestBot(t)
	key := domain.NewConversationKey(5, 0)

	send(b, privateMsg("/cancel"))
	send(b, privateMsg("/prompt"))
	require.Equal(t, conversation.ModeAwaitingPrompt, conv.mode[key])
	send(b, privateMsg("/cancel"))

	require.Len(t, api.sent, 3)
	require.Equal(t, "Nothing to cancel.", api.sent[0].Text)
	require.Contains(t, api.sent[1].Text, "Current prompt: <not set>")
	require.Equal(t, telegram.ParseModeMarkdown, api.sent[1].ParseMode)
	require.Equal(t, "Cancelled.", api.sent[2].Text)
	require.NotContains(t, conv.mode, key)
}

func TestCommand_PromptShowsCurrentPrompt(t *testing.T) {
	b, api, conv, _ := newTestBot(t)
	prompt := "be brief"
	conv.settings.SystemPrompt = &prompt

	send(b, privateMsg("/prompt"))
	require.Contains(t, api.sent[0].Text, "Current prompt: `be brief`")
}

func TestCommand_Temperature(t *testing.T) {
	b, api, conv, _ := newTestBot(t)
	conv.settings.Temperature = 0.25

	send(b, privateMsg("/temperature"))

	require.Equal(t, conversation.ModeAwaitingTemperature, conv.mode[domain.NewConversationKey(5, 0)])
	require.Contains(t, api.sent[0].Text, "Current temperature: 0.25")
	require.Contains(t, api.sent[0].Text, "Default temperature: 0.7")
}

func TestCommand_BeginFailure(t *testing.T) {
	b, api, conv, _ := newTestBot(t)
	conv.beginErr = errBoom

	send(b, privateMsg("/temperature"))
	require.Equal(t, []string{usecase.GenericFailureMessage}, api.sentTexts())
	require.Empty(t, conv.mode)
}

func TestCommand_Empty(t *testing.T) {
	cases := []struct {
		result usecase.EmptyResult
		want   string
	}{
		{usecase.EmptyPromptCleared, "Prompt reset."},
		{usecase.EmptyTemperatureReset, "Temperature reset."},
		{usecase.EmptyNothing, "Nothing to reset."},
	}
	for _, tc := range cases {
		b, api, conv, _ := newTestBot(t)
		conv.emptyResult = tc.result
		send(b, privateMsg("/empty"))
		require.Equal(t, []string{tc.want}, api.sentTexts())
	}
}

func TestCommand_InfoAndClear(t *testing.T) {
	b, api, conv, _ := newTestBot(t)
	prompt := "pirate"
	conv.info = usecase.TopicInfo{
		Settings:        domain.TopicSettings{Model: "a/b", Temperature: 0.5, SystemPrompt: &prompt},
		ContextMessages: 4,
		ContextTokens:   593,
	}

	send(b, privateMsg("/info"))
	send(b, privateMsg("/clear"))

	require.Len(t, api.sent, 2)
	info := api.sent[0].Text
	require.Contains(t, info, "Model: `a/b`")
	require.Contains(t, info, "Prompt: `pirate`")
	require.Contains(t, info, "Temperature (0 to 1): 0.5")
	require.Contains(t, info, "messages: 4")
	require.Contains(t, info, "tokens: 593")

	cleared := api.sent[1].Text
	require.NotContains(t, cleared, "Prompt:")
	require.True(t, strings.HasSuffix(cleared, "Context cleared."))
	require.Equal(t, []domain.ConversationKey{domain.NewConversationKey(5, 0)}, conv.cleared)
}

func TestCommand_Usage(t *testing.T) {
	b, api, _, usage := newTestBot(t)
	usage.report = usecase.UsageReport{
		ChatID: 5, TopicID: 1, Model: "a/b", Offset: 6, TotalMessages: 8, ContextMessages: 2,
		UserMessages: 4, AssistantMessages: 4, TokensLocal: 40, TokensFromProvider: 72,
	}

	send(b, privateMsg("/usage"))
	text := api.sent[0].Text
	require.Contains(t, text, "Messages: 8 (user 4, assistant 4)")
	require.Contains(t, text, "In context: 2 (offset 6)")
	require.Contains(t, text, "Tokens (provider): 72")

	usage.err = errBoom
	send(b, privateMsg("/usage"))
	require.Equal(t, usecase.GenericFailureMessage, api.sentTexts()[1])
}

func TestCommand_ModelsKeyboard(t *testing.T) {
	b, api, conv, _ := newTestBot(t)
	conv.models = []string{"a/b", strings.Repeat("x", 80)}

	send(b, privateMsg("/models"))

	require.Len(t, api.sent, 1)
	rows := api.sent[0].ReplyMarkup.InlineKeyboard
	require.Len(t, rows, 2)
	require.Equal(t, "model:a/b", rows[0][0].CallbackData)
	require.Equal(t, callbackCancel, rows[1][0].CallbackData)
}

func TestCommand_ModelsFailure(t *testing.T) {
	b, api, conv, _ := newTestBot(t)
	conv.modelsErr = errBoom

	send(b, privateMsg("/models"))
	require.Equal(t, []string{usecase.GenericFailureMessage}, api.sentTexts())
}

func TestInviteLink_AllowsTopic(t *testing.T) {
	b, api, conv, _ := newTestBot(t)

	send(b, privateMsg("https://t.me/c/123/45"))
	send(b, privateMsg("https://t.me/c/123/45"))

	require.Equal(t, domain.NewConversationKey(forumChatID, 45), conv.started[0])
	require.Equal(t, []string{"Bot added to the topic.", "The bot is already active in that topic."}, api.sentTexts())
	require.Empty(t, conv.accepted)
}

// ---- callbacks ----

func callback(data string) telegram.Update {
	return telegram.Update{CallbackQuery: &telegram.CallbackQuery{
		ID:      "cb",
		From:    telegram.User{ID: 8},
		Message: forumMsg(42, "Choose a model:"),
		Data:    data,
	}}
}

func TestCallback_ChangesModel(t *testing.T) {
	b, api, conv, _ := newTestBot(t)
	conv.allowed[domain.NewConversationKey(forumChatID, 42)] = true

	b.handleUpdate(context.Background(), callback("model:a/b"))

	require.Equal(t, []string{"a/b"}, conv.changed)
	require.Equal(t, []string{"cb|"}, api.answers)
	require.Len(t, api.edits, 1)
	require.Equal(t, "Selected model: a/b", api.edits[0].Text)
	require.Equal(t, forumChatID, api.edits[0].ChatID)
	require.Nil(t, api.edits[0].ReplyMarkup)
}

func TestCallback_ChangeFailureAnswersOnly(t *testing.T) {
	b, api, conv, _ := newTestBot(t)
	conv.allowed[domain.NewConversationKey(forumChatID, 42)] = true
	conv.changeErr = errBoom

	b.handleUpdate(context.Background(), callback("model:a/b"))

	require.Equal(t, []string{"cb|" + usecase.GenericFailureMessage}, api.answers)
	require.Empty(t, api.edits)
}

func TestCallback_ModelNeedsAllowedTopic(t *testing.T) {
	b, api, conv, _ := newTestBot(t)

	b.handleUpdate(context.Background(), callback("model:a/b"))

	require.Empty(t, conv.changed)
	require.Equal(t, []string{"cb|" + notAddedCallbackText}, api.answers)
	require.Empty(t, api.edits)

	conv.allowedErr = errBoom
	b.handleUpdate(context.Background(), callback("model:a/b"))
	require.Empty(t, conv.changed)
	require.Equal(t, "cb|"+usecase.GenericFailureMessage, api.answers[1])
}

func TestCallback_PrivateChatNeedsNoAllowList(t *testing.T) {
	b, _, conv, _ := newTestBot(t)
	conv.allowedErr = errBoom

	b.handleUpdate(context.Background(), telegram.Update{CallbackQuery: &telegram.CallbackQuery{
		ID:      "cb",
		From:    telegram.User{ID: 7},
		Message: privateMsg("Choose a model:"),
		Data:    "model:a/b",
	}})

	require.Equal(t, []string{"a/b"}, conv.changed)
}

func TestCallback_Cancel(t *testing.T) {
	b, api, _, _ := newTestBot(t)

	b.handleUpdate(context.Background(), callback("cancel"))

	require.Equal(t, "Cancelled.", api.edits[0].Text)
}

func TestCallback_ExpiredMenu(t *testing.T) {
	b, api, _, _ := newTestBot(t)

	b.handleUpdate(context.Background(), telegram.Update{CallbackQuery: &telegram.CallbackQuery{ID: "old", Data: "cancel"}})

	require.Equal(t, []string{"old|This menu has expired."}, api.answers)
	require.Empty(t, api.edits)
}

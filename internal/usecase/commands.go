package usecase

import (
	"context"
	"slices"
	"strings"

	"tg-llm-proxy/internal/conversation"
	"tg-llm-proxy/internal/domain"
)

// EmptyResult reports what /empty reset.
type EmptyResult int

const (
	EmptyNothing EmptyResult = iota
	EmptyPromptCleared
	EmptyTemperatureReset
)

// TopicInfo is a snapshot of a conversation's settings and active context.
type TopicInfo struct {
	Settings        domain.TopicSettings
	Mode            conversation.Mode
	ContextMessages int
	ContextTokens   int
}

// BeginPrompt arms AwaitingPrompt, overwriting any active mode, and returns
// the current settings so the caller can show the current prompt.
func (d *Dispatcher) BeginPrompt(ctx context.Context, key domain.ConversationKey) (domain.TopicSettings, error) {
	settings, err := d.settings.GetOrCreateTopicSettings(ctx, key.ChatID, key.TopicID)
	if err != nil {
		return domain.TopicSettings{}, newError(ErrorStore, "settings_load_error", err)
	}
	d.modes.Set(key, conversation.ModeAwaitingPrompt)
	return settings, nil
}

// BeginTemperature arms AwaitingTemperature, overwriting any active mode.
func (d *Dispatcher) BeginTemperature(ctx context.Context, key domain.ConversationKey) (domain.TopicSettings, error) {
	settings, err := d.settings.GetOrCreateTopicSettings(ctx, key.ChatID, key.TopicID)
	if err != nil {
		return domain.TopicSettings{}, newError(ErrorStore, "settings_load_error", err)
	}
	d.modes.Set(key, conversation.ModeAwaitingTemperature)
	return settings, nil
}

// Cancel returns the conversation to idle. It reports false when no mode
// was active. Pending turns are not affected.
func (d *Dispatcher) Cancel(key domain.ConversationKey) bool {
	return d.modes.Clear(key)
}

// Mode returns the current input mode of key.
func (d *Dispatcher) Mode(key domain.ConversationKey) conversation.Mode {
	return d.modes.Get(key)
}

// DefaultTemperature is the value /empty restores.
func (d *Dispatcher) DefaultTemperature() float64 {
	return d.cfg.DefaultTemperature
}

// Empty resets the setting the conversation is waiting for: the prompt is
// cleared or the temperature goes back to the default.
func (d *Dispatcher) Empty(ctx context.Context, key domain.ConversationKey) (EmptyResult, error) {
	mode := d.modes.Get(key)
	if mode == conversation.ModeIdle {
		return EmptyNothing, nil
	}
	settings, err := d.settings.GetOrCreateTopicSettings(ctx, key.ChatID, key.TopicID)
	if err != nil {
		return EmptyNothing, newError(ErrorStore, "settings_load_error", err)
	}
	result := EmptyNothing
	switch mode {
	case conversation.ModeAwaitingPrompt:
		settings.SystemPrompt = nil
		result = EmptyPromptCleared
	case conversation.ModeAwaitingTemperature:
		settings.Temperature = d.cfg.DefaultTemperature
		result = EmptyTemperatureReset
	}
	if err := d.settings.UpdateTopicSettings(ctx, settings); err != nil {
		return EmptyNothing, newError(ErrorStore, "settings_write_error", err)
	}
	d.modes.Clear(key)
	return result, nil
}

// ClearContext moves the offset to the current message count so future
// turns start with an empty context. History is kept for accounting. The
// returned info describes the context as it was before clearing.
func (d *Dispatcher) ClearContext(ctx context.Context, key domain.ConversationKey) (TopicInfo, error) {
	info, err := d.TopicInfo(ctx, key)
	if err != nil {
		return TopicInfo{}, err
	}
	count, err := d.messages.CountMessages(ctx, key.ChatID, key.TopicID)
	if err != nil {
		return TopicInfo{}, newError(ErrorStore, "message_count_error", err)
	}
	settings := info.Settings
	if count <= settings.Offset {
		return info, nil
	}
	settings.Offset = count
	if err := d.settings.UpdateTopicSettings(ctx, settings); err != nil {
		return TopicInfo{}, newError(ErrorStore, "settings_write_error", err)
	}
	d.logger.Info("context cleared", "chat_id", key.ChatID, "topic_id", key.TopicID, "offset", count)
	return info, nil
}

// Models lists the models the backend offers.
func (d *Dispatcher) Models(ctx context.Context) ([]string, error) {
	models, err := d.llm.ListModels(ctx)
	if err != nil {
		return nil, newError(ErrorUpstream, "model_list_error", err)
	}
	return models, nil
}

// ChangeModel switches the topic to model, which must be offered by the backend.
func (d *Dispatcher) ChangeModel(ctx context.Context, key domain.ConversationKey, model string) error {
	model = strings.TrimSpace(model)
	models, err := d.Models(ctx)
	if err != nil {
		return err
	}
	if !slices.Contains(models, model) {
		return newError(ErrorInvalidInput, "unknown_model", nil)
	}
	settings, err := d.settings.GetOrCreateTopicSettings(ctx, key.ChatID, key.TopicID)
	if err != nil {
		return newError(ErrorStore, "settings_load_error", err)
	}
	settings.Model = model
	if err := d.settings.UpdateTopicSettings(ctx, settings); err != nil {
		return newError(ErrorStore, "settings_write_error", err)
	}
	return nil
}

// TopicInfo returns the settings and the size of the active context.
func (d *Dispatcher) TopicInfo(ctx context.Context, key domain.ConversationKey) (TopicInfo, error) {
	settings, err := d.settings.GetOrCreateTopicSettings(ctx, key.ChatID, key.TopicID)
	if err != nil {
		return TopicInfo{}, newError(ErrorStore, "settings_load_error", err)
	}
	history, err := d.messages.ListMessages(ctx, key.ChatID, key.TopicID, settings.Offset)
	if err != nil {
		return TopicInfo{}, newError(ErrorStore, "history_load_error", err)
	}
	tokens := 0
	if len(history) > 0 {
		contents := make([]string, 0, len(history))
		for _, r := range history {
			contents = append(contents, r.Content)
		}
		tokens, err = d.llm.CountTokens(ctx, settings.Model, strings.Join(contents, "\n"))
		if err != nil {
			d.logger.Warn("token count failed", "chat_id", key.ChatID, "topic_id", key.TopicID, "err", err)
			tokens = 0
		}
	}
	return TopicInfo{
		Settings:        settings,
		Mode:            d.modes.Get(key),
		ContextMessages: len(history),
		ContextTokens:   tokens,
	}, nil
}

// Start allows the bot to answer userID in the topic. It reports whether
// the topic was already allowed.
func (d *Dispatcher) Start(ctx context.Context, key domain.ConversationKey, userID int64) (bool, error) {
	allowed, err := d.IsAllowed(ctx, key, userID)
	if err != nil {
		return false, err
	}
	if allowed {
		return true, nil
	}
	if err := d.settings.AddAllowedTopic(ctx, key.ChatID, key.TopicID, userID); err != nil {
		return false, newError(ErrorStore, "allow_list_write_error", err)
	}
	return false, nil
}

// Stop revokes the topic for userID. It reports false when the topic was
// not allowed in the first place.
func (d *Dispatcher) Stop(ctx context.Context, key domain.ConversationKey, userID int64) (bool, error) {
	removed, err := d.settings.RemoveAllowedTopic(ctx, key.ChatID, key.TopicID, userID)
	if err != nil {
		return false, newError(ErrorStore, "allow_list_write_error", err)
	}
	return removed, nil
}

func (d *Dispatcher) IsAllowed(ctx context.Context, key domain.ConversationKey, userID int64) (bool, error) {
	topics, err := d.settings.GetAllowedTopics(ctx, key.ChatID, userID)
	if err != nil {
		return false, newError(ErrorStore, "allow_list_load_error", err)
	}
	return topics[key.TopicID], nil
}

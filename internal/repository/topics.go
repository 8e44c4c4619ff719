package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"tg-llm-proxy/internal/domain"
)

func chatPK(chatID int64) string {
	return "CHAT#" + strconv.FormatInt(chatID, 10)
}

func settingsSK(topicID int64) string {
	return "TOPIC#" + strconv.FormatInt(topicID, 10) + "#SETTINGS"
}

func allowPrefix(userID int64) string {
	return "ALLOW#USER#" + strconv.FormatInt(userID, 10) + "#TOPIC#"
}

func allowSK(userID, topicID int64) string {
	return allowPrefix(userID) + strconv.FormatInt(topicID, 10)
}

func validateSettings(s domain.TopicSettings) error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.ChatID, validation.Required),
		validation.Field(&s.TopicID, validation.Required),
		validation.Field(&s.Model, validation.Required, validation.Length(1, 256)),
		validation.Field(&s.Temperature, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&s.Offset, validation.Min(0)),
	)
}

// GetOrCreateTopicSettings returns the settings of a topic, creating them
// with the configured defaults on first use.
func (c *Client) GetOrCreateTopicSettings(ctx context.Context, chatID, topicID int64) (domain.TopicSettings, error) {
	s, found, err := c.getTopicSettings(ctx, chatID, topicID)
	if err != nil {
		return domain.TopicSettings{}, fmt.Errorf("repository: GetOrCreateTopicSettings: %w", err)
	}
	if found {
		return s, nil
	}

	s = domain.TopicSettings{
		ChatID:      chatID,
		TopicID:     topicID,
		Model:       c.defaultModel,
		Temperature: c.defaultTemperature,
		UpdatedAt:   c.now().UTC(),
	}
	if err := validateSettings(s); err != nil {
		return domain.TopicSettings{}, fmt.Errorf("repository: GetOrCreateTopicSettings validate: %w", err)
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                settingsItem(s),
		ConditionExpression: aws.String(condItemAbsent),
	})
	if err == nil {
		return s, nil
	}
	if !isConditionFailed(err) {
		return domain.TopicSettings{}, fmt.Errorf("repository: GetOrCreateTopicSettings put: %w", err)
	}

	// Another writer created the row first.
	s, found, err = c.getTopicSettings(ctx, chatID, topicID)
	if err != nil {
		return domain.TopicSettings{}, fmt.Errorf("repository: GetOrCreateTopicSettings: %w", err)
	}
	if !found {
		return domain.TopicSettings{}, fmt.Errorf("repository: GetOrCreateTopicSettings: settings for %d/%d vanished", chatID, topicID)
	}
	return s, nil
}

func (c *Client) getTopicSettings(ctx context.Context, chatID, topicID int64) (domain.TopicSettings, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: chatPK(chatID)},
			"SK": &types.AttributeValueMemberS{Value: settingsSK(topicID)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.TopicSettings{}, false, fmt.Errorf("get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.TopicSettings{}, false, nil
	}
	s, err := itemToSettings(out.Item)
	if err != nil {
		return domain.TopicSettings{}, false, fmt.Errorf("decode settings: %w", err)
	}
	return s, true, nil
}

// UpdateTopicSettings replaces the stored settings of a topic.
func (c *Client) UpdateTopicSettings(ctx context.Context, s domain.TopicSettings) error {
	if err := validateSettings(s); err != nil {
		return fmt.Errorf("repository: UpdateTopicSettings validate: %w", err)
	}
	s.UpdatedAt = c.now().UTC()
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      settingsItem(s),
	})
	if err != nil {
		return fmt.Errorf("repository: UpdateTopicSettings: %w", err)
	}
	return nil
}

// GetAllowedTopics returns the topics of chatID in which userID enabled the bot.
func (c *Client) GetAllowedTopics(ctx context.Context, chatID, userID int64) (map[int64]bool, error) {
	topics := make(map[int64]bool)
	var startKey map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: chatPK(chatID)},
				":prefix": &types.AttributeValueMemberS{Value: allowPrefix(userID)},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: GetAllowedTopics query: %w", err)
		}
		for _, item := range out.Items {
			a, err := itemToAllowed(item)
			if err != nil {
				return nil, fmt.Errorf("repository: GetAllowedTopics unmarshal: %w", err)
			}
			if a.Allowed {
				topics[a.TopicID] = true
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return topics, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// AddAllowedTopic enables the bot for userID in the topic.
func (c *Client) AddAllowedTopic(ctx context.Context, chatID, topicID, userID int64) error {
	a := domain.AllowedTopic{ChatID: chatID, TopicID: topicID, UserID: userID, Allowed: true}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      allowedItem(a),
	})
	if err != nil {
		return fmt.Errorf("repository: AddAllowedTopic: %w", err)
	}
	return nil
}

// RemoveAllowedTopic disables the bot for userID in the topic. It reports
// false when the topic was not enabled.
func (c *Client) RemoveAllowedTopic(ctx context.Context, chatID, topicID, userID int64) (bool, error) {
	a := domain.AllowedTopic{ChatID: chatID, TopicID: topicID, UserID: userID, Allowed: false}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                allowedItem(a),
		ConditionExpression: aws.String("allowed = :true"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true": &types.AttributeValueMemberBOOL{Value: true},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("repository: RemoveAllowedTopic: %w", err)
	}
	return true, nil
}

func settingsItem(s domain.TopicSettings) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":          &types.AttributeValueMemberS{Value: chatPK(s.ChatID)},
		"SK":          &types.AttributeValueMemberS{Value: settingsSK(s.TopicID)},
		"chatId":      numAttr(s.ChatID),
		"topicId":     numAttr(s.TopicID),
		"offset":      numAttr(int64(s.Offset)),
		"model":       &types.AttributeValueMemberS{Value: s.Model},
		"temperature": &types.AttributeValueMemberN{Value: strconv.FormatFloat(s.Temperature, 'f', -1, 64)},
		"updatedAt":   &types.AttributeValueMemberS{Value: s.UpdatedAt.UTC().Format(time.RFC3339Nano)},
	}
	if s.SystemPrompt != nil {
		item["systemPrompt"] = &types.AttributeValueMemberS{Value: *s.SystemPrompt}
	}
	return item
}

func itemToSettings(item map[string]types.AttributeValue) (domain.TopicSettings, error) {
	chatID, err := int64Attr(item, "chatId")
	if err != nil {
		return domain.TopicSettings{}, err
	}
	topicID, err := int64Attr(item, "topicId")
	if err != nil {
		return domain.TopicSettings{}, err
	}
	offset, err := intAttr(item, "offset")
	if err != nil {
		return domain.TopicSettings{}, err
	}
	model, err := strAttr(item, "model")
	if err != nil {
		return domain.TopicSettings{}, err
	}
	temperature, err := floatAttr(item, "temperature")
	if err != nil {
		return domain.TopicSettings{}, err
	}
	s := domain.TopicSettings{
		ChatID:      chatID,
		TopicID:     topicID,
		Offset:      offset,
		Model:       model,
		Temperature: temperature,
	}
	if prompt, err := strAttr(item, "systemPrompt"); err == nil {
		s.SystemPrompt = &prompt
	}
	s.UpdatedAt, _ = timeAttr(item, "updatedAt") // allow missing
	return s, nil
}

func allowedItem(a domain.AllowedTopic) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":      &types.AttributeValueMemberS{Value: chatPK(a.ChatID)},
		"SK":      &types.AttributeValueMemberS{Value: allowSK(a.UserID, a.TopicID)},
		"chatId":  numAttr(a.ChatID),
		"topicId": numAttr(a.TopicID),
		"userId":  numAttr(a.UserID),
		"allowed": &types.AttributeValueMemberBOOL{Value: a.Allowed},
	}
}

func itemToAllowed(item map[string]types.AttributeValue) (domain.AllowedTopic, error) {
	chatID, err := int64Attr(item, "chatId")
	if err != nil {
		return domain.AllowedTopic{}, err
	}
	topicID, err := int64Attr(item, "topicId")
	if err != nil {
		return domain.AllowedTopic{}, err
	}
	userID, err := int64Attr(item, "userId")
	if err != nil {
		return domain.AllowedTopic{}, err
	}
	return domain.AllowedTopic{
		ChatID:  chatID,
		TopicID: topicID,
		UserID:  userID,
		Allowed: boolAttr(item, "allowed"),
	}, nil
}

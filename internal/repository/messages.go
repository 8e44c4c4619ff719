package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"tg-llm-proxy/internal/domain"
)

const (
	skPrefixMsg = "MSG#"

	// Fixed width so sort keys order lexicographically by time.
	msgTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

func topicPK(chatID, topicID int64) string {
	return chatPK(chatID) + "#TOPIC#" + strconv.FormatInt(topicID, 10)
}

// msgSK orders messages by timestamp; the id suffix keeps equal timestamps unique.
func msgSK(ts time.Time, id string) string {
	return skPrefixMsg + ts.UTC().Format(msgTimeLayout) + "#" + id
}

func validateMessage(r domain.MessageRecord) error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ID, validation.Required),
		validation.Field(&r.ChatID, validation.Required),
		validation.Field(&r.TopicID, validation.Required),
		validation.Field(&r.Role, validation.Required, validation.In(domain.RoleUser, domain.RoleAssistant)),
		validation.Field(&r.Content, validation.Required),
		validation.Field(&r.ContextSize, validation.Min(0)),
		validation.Field(&r.Timestamp, validation.Required),
	)
}

// AppendMessage writes a single record.
func (c *Client) AppendMessage(ctx context.Context, r domain.MessageRecord) error {
	if err := validateMessage(r); err != nil {
		return fmt.Errorf("repository: AppendMessage validate: %w", err)
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                messageItem(r),
		ConditionExpression: aws.String(condItemAbsent),
	})
	if err != nil {
		return fmt.Errorf("repository: AppendMessage: %w", err)
	}
	return nil
}

// AppendExchange writes the user and assistant halves of one exchange in a
// single transaction so a reader never sees one without the other. The same
// transaction adds the exchange's tokens to the user's profile.
func (c *Client) AppendExchange(ctx context.Context, user, assistant domain.MessageRecord) error {
	if err := validateMessage(user); err != nil {
		return fmt.Errorf("repository: AppendExchange validate user: %w", err)
	}
	if err := validateMessage(assistant); err != nil {
		return fmt.Errorf("repository: AppendExchange validate assistant: %w", err)
	}
	if user.Role != domain.RoleUser || assistant.Role != domain.RoleAssistant {
		return errors.New("repository: AppendExchange: expected a user record followed by an assistant record")
	}
	if !assistant.Timestamp.After(user.Timestamp) {
		return errors.New("repository: AppendExchange: assistant record must be later than user record")
	}

	items := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                messageItem(user),
				ConditionExpression: aws.String(condItemAbsent),
			},
		},
		{
			Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                messageItem(assistant),
				ConditionExpression: aws.String(condItemAbsent),
			},
		},
	}
	if user.UserID != 0 {
		items = append(items, c.tokenUpdate(user.UserID, exchangeTokens(user, assistant)))
	}
	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		return fmt.Errorf("repository: AppendExchange: %w", err)
	}
	return nil
}

// exchangeTokens is what the provider billed for the exchange, or the local
// estimate when the provider reported nothing.
func exchangeTokens(user, assistant domain.MessageRecord) int {
	if n := user.TokensFromProvider + assistant.TokensFromProvider; n > 0 {
		return n
	}
	return user.TokensLocal + assistant.TokensLocal
}

// ListMessages returns the records of a topic in chronological order,
// leaving out the first skip records.
func (c *Client) ListMessages(ctx context.Context, chatID, topicID int64, skip int) ([]domain.MessageRecord, error) {
	var msgs []domain.MessageRecord
	seen := 0
	var startKey map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, c.messagesQuery(chatID, topicID, startKey))
		if err != nil {
			return nil, fmt.Errorf("repository: ListMessages query: %w", err)
		}
		for _, item := range out.Items {
			seen++
			if seen <= skip {
				continue
			}
			msg, err := itemToMessage(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListMessages unmarshal: %w", err)
			}
			msgs = append(msgs, msg)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return msgs, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// CountMessages returns the number of records stored for a topic.
func (c *Client) CountMessages(ctx context.Context, chatID, topicID int64) (int, error) {
	total := 0
	var startKey map[string]types.AttributeValue
	for {
		in := c.messagesQuery(chatID, topicID, startKey)
		in.Select = types.SelectCount
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return 0, fmt.Errorf("repository: CountMessages query: %w", err)
		}
		total += int(out.Count)
		if len(out.LastEvaluatedKey) == 0 {
			return total, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func (c *Client) messagesQuery(chatID, topicID int64, startKey map[string]types.AttributeValue) *dynamodb.QueryInput {
	return &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: topicPK(chatID, topicID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ScanIndexForward:  aws.Bool(true),
		ConsistentRead:    aws.Bool(true),
		ExclusiveStartKey: startKey,
	}
}

func messageItem(r domain.MessageRecord) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: topicPK(r.ChatID, r.TopicID)},
		"SK":             &types.AttributeValueMemberS{Value: msgSK(r.Timestamp, r.ID)},
		"id":             &types.AttributeValueMemberS{Value: r.ID},
		"exchangeId":     &types.AttributeValueMemberS{Value: r.ExchangeID},
		"chatId":         numAttr(r.ChatID),
		"topicId":        numAttr(r.TopicID),
		"userId":         numAttr(r.UserID),
		"role":           &types.AttributeValueMemberS{Value: string(r.Role)},
		"content":        &types.AttributeValueMemberS{Value: r.Content},
		"contextSize":    numAttr(int64(r.ContextSize)),
		"model":          &types.AttributeValueMemberS{Value: r.Model},
		"tokensLocal":    numAttr(int64(r.TokensLocal)),
		"tokensProvider": numAttr(int64(r.TokensFromProvider)),
		"timestamp":      &types.AttributeValueMemberS{Value: r.Timestamp.UTC().Format(time.RFC3339Nano)},
	}
}

func itemToMessage(item map[string]types.AttributeValue) (domain.MessageRecord, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.MessageRecord{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.MessageRecord{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.MessageRecord{}, err
	}
	chatID, err := int64Attr(item, "chatId")
	if err != nil {
		return domain.MessageRecord{}, err
	}
	topicID, err := int64Attr(item, "topicId")
	if err != nil {
		return domain.MessageRecord{}, err
	}
	ts, err := timeAttr(item, "timestamp")
	if err != nil {
		return domain.MessageRecord{}, err
	}
	exchangeID, _ := strAttr(item, "exchangeId") // allow empty
	model, _ := strAttr(item, "model")
	userID, _ := int64Attr(item, "userId")
	contextSize, _ := intAttr(item, "contextSize")
	tokensLocal, _ := intAttr(item, "tokensLocal")
	tokensProvider, _ := intAttr(item, "tokensProvider")

	return domain.MessageRecord{
		ID:                 id,
		ExchangeID:         exchangeID,
		ChatID:             chatID,
		TopicID:            topicID,
		UserID:             userID,
		Role:               domain.Role(role),
		Content:            content,
		ContextSize:        contextSize,
		Model:              model,
		TokensLocal:        tokensLocal,
		TokensFromProvider: tokensProvider,
		Timestamp:          ts,
	}, nil
}

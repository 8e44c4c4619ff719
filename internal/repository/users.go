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

const (
	// All profiles share one partition so the admin listing is a Query.
	usersPK       = "USERS"
	skPrefixUser  = "USER#"
	skPrefixChat  = "CHAT#"
	maxNameLength = 256
)

func userSK(userID int64) string {
	return skPrefixUser + strconv.FormatInt(userID, 10)
}

func userChatsPK(userID int64) string {
	return skPrefixUser + strconv.FormatInt(userID, 10)
}

func userChatSK(chatID int64) string {
	return skPrefixChat + strconv.FormatInt(chatID, 10)
}

func userKey(userID int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: usersPK},
		"SK": &types.AttributeValueMemberS{Value: userSK(userID)},
	}
}

func validateUser(u domain.UserProfile) error {
	return validation.ValidateStruct(&u,
		validation.Field(&u.UserID, validation.Required),
		validation.Field(&u.Username, validation.Length(0, maxNameLength)),
		validation.Field(&u.FullName, validation.Length(0, maxNameLength)),
	)
}

func validateUserChat(l domain.UserChat) error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.UserID, validation.Required),
		validation.Field(&l.ChatID, validation.Required),
		validation.Field(&l.Type, validation.Required, validation.In("private", "group", "supergroup", "channel")),
		validation.Field(&l.Title, validation.Length(0, maxNameLength)),
	)
}

// EnsureUser creates the profile on first sight and refreshes the names on
// later calls. Registration time, admin flag and token total are kept.
func (c *Client) EnsureUser(ctx context.Context, u domain.UserProfile) (domain.UserProfile, error) {
	if err := validateUser(u); err != nil {
		return domain.UserProfile{}, fmt.Errorf("repository: EnsureUser validate: %w", err)
	}
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key:       userKey(u.UserID),
		UpdateExpression: aws.String("SET userId = :uid, username = :username, fullName = :fullName, " +
			"registeredAt = if_not_exists(registeredAt, :now), " +
			"isAdmin = if_not_exists(isAdmin, :false), " +
			"tokensTotal = if_not_exists(tokensTotal, :zero)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid":      numAttr(u.UserID),
			":username": &types.AttributeValueMemberS{Value: u.Username},
			":fullName": &types.AttributeValueMemberS{Value: u.FullName},
			":now":      &types.AttributeValueMemberS{Value: c.now().UTC().Format(time.RFC3339Nano)},
			":false":    &types.AttributeValueMemberBOOL{Value: false},
			":zero":     numAttr(0),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		return domain.UserProfile{}, fmt.Errorf("repository: EnsureUser: %w", err)
	}
	profile, err := itemToUser(out.Attributes)
	if err != nil {
		return domain.UserProfile{}, fmt.Errorf("repository: EnsureUser unmarshal: %w", err)
	}
	return profile, nil
}

// GetUser reads one profile. found is false when the user never registered.
func (c *Client) GetUser(ctx context.Context, userID int64) (domain.UserProfile, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            userKey(userID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.UserProfile{}, false, fmt.Errorf("repository: GetUser: %w", err)
	}
	if len(out.Item) == 0 {
		return domain.UserProfile{}, false, nil
	}
	profile, err := itemToUser(out.Item)
	if err != nil {
		return domain.UserProfile{}, false, fmt.Errorf("repository: GetUser unmarshal: %w", err)
	}
	return profile, true, nil
}

// ListUsers returns every profile ordered by the sort key.
func (c *Client) ListUsers(ctx context.Context) ([]domain.UserProfile, error) {
	var users []domain.UserProfile
	var startKey map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, c.prefixQuery(usersPK, skPrefixUser, startKey))
		if err != nil {
			return nil, fmt.Errorf("repository: ListUsers query: %w", err)
		}
		for _, item := range out.Items {
			u, err := itemToUser(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListUsers unmarshal: %w", err)
			}
			users = append(users, u)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return users, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// SetAdmin flips the admin flag of a registered user.
func (c *Client) SetAdmin(ctx context.Context, userID int64, admin bool) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 userKey(userID),
		UpdateExpression:    aws.String("SET isAdmin = :admin"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":admin": &types.AttributeValueMemberBOOL{Value: admin},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("repository: SetAdmin: user %d is not registered", userID)
		}
		return fmt.Errorf("repository: SetAdmin: %w", err)
	}
	return nil
}

// RecordUserChat upserts the link between a user and a chat.
func (c *Client) RecordUserChat(ctx context.Context, l domain.UserChat) error {
	if err := validateUserChat(l); err != nil {
		return fmt.Errorf("repository: RecordUserChat validate: %w", err)
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = c.now().UTC()
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      userChatItem(l),
	})
	if err != nil {
		return fmt.Errorf("repository: RecordUserChat: %w", err)
	}
	return nil
}

// ListUserChats returns the chats linked to a user, ordered by chat id.
func (c *Client) ListUserChats(ctx context.Context, userID int64) ([]domain.UserChat, error) {
	var chats []domain.UserChat
	var startKey map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, c.prefixQuery(userChatsPK(userID), skPrefixChat, startKey))
		if err != nil {
			return nil, fmt.Errorf("repository: ListUserChats query: %w", err)
		}
		for _, item := range out.Items {
			l, err := itemToUserChat(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListUserChats unmarshal: %w", err)
			}
			chats = append(chats, l)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return chats, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func (c *Client) prefixQuery(pk, prefix string, startKey map[string]types.AttributeValue) *dynamodb.QueryInput {
	return &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: pk},
			":prefix": &types.AttributeValueMemberS{Value: prefix},
		},
		ConsistentRead:    aws.Bool(true),
		ExclusiveStartKey: startKey,
	}
}

// tokenUpdate adds an exchange's tokens to the user's running total inside
// the exchange transaction. It creates a bare profile when the user has none
// yet; EnsureUser fills in the rest later.
func (c *Client) tokenUpdate(userID int64, tokens int) types.TransactWriteItem {
	return types.TransactWriteItem{
		Update: &types.Update{
			TableName:        aws.String(c.tableName),
			Key:              userKey(userID),
			UpdateExpression: aws.String("SET userId = :uid ADD tokensTotal :tokens"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":uid":    numAttr(userID),
				":tokens": numAttr(int64(tokens)),
			},
		},
	}
}

func userChatItem(l domain.UserChat) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: userChatsPK(l.UserID)},
		"SK":        &types.AttributeValueMemberS{Value: userChatSK(l.ChatID)},
		"userId":    numAttr(l.UserID),
		"chatId":    numAttr(l.ChatID),
		"title":     &types.AttributeValueMemberS{Value: l.Title},
		"chatType":  &types.AttributeValueMemberS{Value: l.Type},
		"active":    &types.AttributeValueMemberBOOL{Value: l.Active},
		"updatedAt": &types.AttributeValueMemberS{Value: l.UpdatedAt.UTC().Format(time.RFC3339Nano)},
	}
}

func itemToUser(item map[string]types.AttributeValue) (domain.UserProfile, error) {
	userID, err := int64Attr(item, "userId")
	if err != nil {
		return domain.UserProfile{}, err
	}
	username, _ := strAttr(item, "username")
	fullName, _ := strAttr(item, "fullName")
	tokens, _ := intAttr(item, "tokensTotal")
	// A profile created by a token update has no registration time yet.
	registered, _ := timeAttr(item, "registeredAt")
	return domain.UserProfile{
		UserID:       userID,
		Username:     username,
		FullName:     fullName,
		IsAdmin:      boolAttr(item, "isAdmin"),
		TokensTotal:  tokens,
		RegisteredAt: registered,
	}, nil
}

func itemToUserChat(item map[string]types.AttributeValue) (domain.UserChat, error) {
	userID, err := int64Attr(item, "userId")
	if err != nil {
		return domain.UserChat{}, err
	}
	chatID, err := int64Attr(item, "chatId")
	if err != nil {
		return domain.UserChat{}, err
	}
	chatType, err := strAttr(item, "chatType")
	if err != nil {
		return domain.UserChat{}, err
	}
	title, _ := strAttr(item, "title")
	updated, _ := timeAttr(item, "updatedAt")
	return domain.UserChat{
		UserID:    userID,
		ChatID:    chatID,
		Title:     title,
		Type:      chatType,
		Active:    boolAttr(item, "active"),
		UpdatedAt: updated,
	}, nil
}

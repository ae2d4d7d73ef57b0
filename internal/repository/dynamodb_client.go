package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"moodle-teams-bot/internal/domain"
)

const (
	pkConversation = "CONV#"
	pkUser         = "USER#"
	pkCache        = "CACHE#"
	skState        = "STATE#"
	skBotCache     = "BOTCACHE#"
	ttlDuration    = 30 * 24 * time.Hour // 30-day TTL on conversation state
)

// ErrVersionConflict is returned when a bot cache write lost a race with
// another writer. Callers re-read and re-apply their change.
var ErrVersionConflict = errors.New("repository: bot cache version conflict")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// ReadWriter defines the state operations consumed by the bot.
type ReadWriter interface {
	GetConversationState(ctx context.Context, key string) (domain.ConversationState, error)
	SaveConversationState(ctx context.Context, key string, state domain.ConversationState) error
	DeleteConversationState(ctx context.Context, key string) error
	GetUserState(ctx context.Context, key string) (domain.UserState, error)
	SaveUserState(ctx context.Context, key string, state domain.UserState) error
	GetBotCache(ctx context.Context) (domain.BotCache, bool, error)
	PutBotCache(ctx context.Context, cache domain.BotCache) (domain.BotCache, error)
}

// Client wraps a DynamoDB table holding conversation, user and bot cache state.
type Client struct {
	api       dynamodbAPI
	tableName string
	cacheKey  string
	now       func() time.Time
}

// New creates a new repository Client. cacheKey names the bot cache record.
func New(api dynamodbAPI, tableName, cacheKey string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	cacheKey = strings.TrimSpace(cacheKey)
	if cacheKey == "" {
		cacheKey = DefaultCacheKey
	}
	return &Client{api: api, tableName: tableName, cacheKey: cacheKey, now: time.Now}, nil
}

// DefaultCacheKey is the name of the bot cache record when none is configured.
const DefaultCacheKey = "botCache"

func (c *Client) key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// GetConversationState returns the stored state or a zero value when absent.
func (c *Client) GetConversationState(ctx context.Context, key string) (domain.ConversationState, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.key(pkConversation+key, skState),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("repository: GetConversationState get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.ConversationState{}, nil
	}
	state, err := itemToConversationState(out.Item)
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("repository: GetConversationState decode: %w", err)
	}
	return state, nil
}

// SaveConversationState replaces the conversation record and refreshes its TTL.
func (c *Client) SaveConversationState(ctx context.Context, key string, state domain.ConversationState) error {
	item := c.key(pkConversation+key, skState)
	item["dialogStep"] = &types.AttributeValueMemberS{Value: string(state.Dialog.Step)}
	item["command"] = &types.AttributeValueMemberS{Value: state.Command}
	if !state.Dialog.ExpiresAt.IsZero() {
		item["dialogExpires"] = &types.AttributeValueMemberS{Value: state.Dialog.ExpiresAt.UTC().Format(time.RFC3339Nano)}
	}
	item["ttl"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", c.now().Add(ttlDuration).Unix())}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: SaveConversationState: %w", err)
	}
	return nil
}

// DeleteConversationState clears the conversation record.
func (c *Client) DeleteConversationState(ctx context.Context, key string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       c.key(pkConversation+key, skState),
	})
	if err != nil {
		return fmt.Errorf("repository: DeleteConversationState: %w", err)
	}
	return nil
}

// GetUserState returns the stored user preferences or a zero value.
func (c *Client) GetUserState(ctx context.Context, key string) (domain.UserState, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.key(pkUser+key, skState),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.UserState{}, fmt.Errorf("repository: GetUserState get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.UserState{}, nil
	}
	language, _ := strAttr(out.Item, "language") // allow empty
	return domain.UserState{LanguagePreference: language}, nil
}

// SaveUserState upserts the user record.
func (c *Client) SaveUserState(ctx context.Context, key string, state domain.UserState) error {
	item := c.key(pkUser+key, skState)
	item["language"] = &types.AttributeValueMemberS{Value: state.LanguagePreference}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: SaveUserState: %w", err)
	}
	return nil
}

// GetBotCache reads the bot cache record. ok is false when it was never written.
func (c *Client) GetBotCache(ctx context.Context) (domain.BotCache, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.key(pkCache+c.cacheKey, skBotCache),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.BotCache{}, false, fmt.Errorf("repository: GetBotCache get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.BotCache{}, false, nil
	}
	cache, err := itemToBotCache(out.Item)
	if err != nil {
		return domain.BotCache{}, false, fmt.Errorf("repository: GetBotCache decode: %w", err)
	}
	return cache, true, nil
}

// PutBotCache writes the bot cache if nobody wrote it since cache.Version was
// read, and returns the record with its new version.
func (c *Client) PutBotCache(ctx context.Context, cache domain.BotCache) (domain.BotCache, error) {
	next := cache
	next.Version = cache.Version + 1

	in := &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      botCacheItem(c.key(pkCache+c.cacheKey, skBotCache), next),
	}
	if cache.Version == 0 {
		in.ConditionExpression = aws.String("attribute_not_exists(PK)")
	} else {
		in.ConditionExpression = aws.String("version = :v")
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(cache.Version, 10)},
		}
	}

	if _, err := c.api.PutItem(ctx, in); err != nil {
		var conflict *types.ConditionalCheckFailedException
		if errors.As(err, &conflict) {
			return domain.BotCache{}, ErrVersionConflict
		}
		return domain.BotCache{}, fmt.Errorf("repository: PutBotCache: %w", err)
	}
	return next, nil
}

func itemToConversationState(item map[string]types.AttributeValue) (domain.ConversationState, error) {
	step, _ := strAttr(item, "dialogStep") // allow empty
	command, _ := strAttr(item, "command")
	state := domain.ConversationState{
		Dialog:  domain.DialogState{Step: domain.DialogStep(step)},
		Command: command,
	}
	if raw, err := strAttr(item, "dialogExpires"); err == nil && raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return domain.ConversationState{}, fmt.Errorf("repository: parse dialogExpires: %w", err)
		}
		state.Dialog.ExpiresAt = ts
	}
	return state, nil
}

func botCacheItem(item map[string]types.AttributeValue, cache domain.BotCache) map[string]types.AttributeValue {
	users := make(map[string]types.AttributeValue, len(cache.UsersList))
	for k, v := range cache.UsersList {
		users[k] = &types.AttributeValueMemberS{Value: v}
	}
	teams := make([]types.AttributeValue, 0, len(cache.TeamsList))
	for _, t := range cache.TeamsList {
		teams = append(teams, &types.AttributeValueMemberS{Value: t})
	}
	item["usersList"] = &types.AttributeValueMemberM{Value: users}
	item["teamsList"] = &types.AttributeValueMemberL{Value: teams}
	item["botObject"] = &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
		"id":          &types.AttributeValueMemberS{Value: cache.BotObject.ID},
		"name":        &types.AttributeValueMemberS{Value: cache.BotObject.Name},
		"aadObjectId": &types.AttributeValueMemberS{Value: cache.BotObject.AADObjectID},
	}}
	item["tenant"] = &types.AttributeValueMemberS{Value: cache.Tenant}
	item["serviceUrl"] = &types.AttributeValueMemberS{Value: cache.ServiceURL}
	item["channelId"] = &types.AttributeValueMemberS{Value: cache.ChannelID}
	item["version"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(cache.Version, 10)}
	return item
}

func itemToBotCache(item map[string]types.AttributeValue) (domain.BotCache, error) {
	cache := domain.BotCache{UsersList: map[string]string{}}

	if v, ok := item["usersList"].(*types.AttributeValueMemberM); ok {
		for k, av := range v.Value {
			s, ok := av.(*types.AttributeValueMemberS)
			if !ok {
				return domain.BotCache{}, fmt.Errorf("repository: usersList[%q] is not a string", k)
			}
			cache.UsersList[k] = s.Value
		}
	}
	if v, ok := item["teamsList"].(*types.AttributeValueMemberL); ok {
		for _, av := range v.Value {
			s, ok := av.(*types.AttributeValueMemberS)
			if !ok {
				return domain.BotCache{}, errors.New("repository: teamsList entry is not a string")
			}
			cache.TeamsList = append(cache.TeamsList, s.Value)
		}
	}
	if v, ok := item["botObject"].(*types.AttributeValueMemberM); ok {
		cache.BotObject.ID, _ = strAttr(v.Value, "id")
		cache.BotObject.Name, _ = strAttr(v.Value, "name")
		cache.BotObject.AADObjectID, _ = strAttr(v.Value, "aadObjectId")
	}
	cache.Tenant, _ = strAttr(item, "tenant")
	cache.ServiceURL, _ = strAttr(item, "serviceUrl")
	cache.ChannelID, _ = strAttr(item, "channelId")

	version, err := int64Attr(item, "version")
	if err != nil {
		return domain.BotCache{}, err
	}
	cache.Version = version
	return cache, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

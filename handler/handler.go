package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"tg-llm-proxy/internal/domain"
	"tg-llm-proxy/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type usageService interface {
	Usage(ctx context.Context, key domain.ConversationKey) (usecase.UsageReport, error)
	UserUsage(ctx context.Context, userID int64) (usecase.UserReport, error)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Handler serves GET /usage?chat_id=..&topic_id=.. and GET /usage?user_id=..
// behind API Gateway.
type Handler struct {
	usage  usageService
	logger *slog.Logger
}

func NewHandler(usage usageService) (*Handler, error) {
	if usage == nil {
		return nil, errors.New("handler: usage service must not be nil")
	}
	return &Handler{usage: usage, logger: slog.Default()}, nil
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", correlationID)

	if req.HTTPMethod != "" && req.HTTPMethod != http.MethodGet {
		return jsonResponse(http.StatusMethodNotAllowed, correlationID, errorResponse{
			Error:   string(usecase.ErrorInvalidInput),
			Message: "method not allowed",
		}), nil
	}

	if rawUser, ok := req.QueryStringParameters["user_id"]; ok {
		return h.handleUser(ctx, logger, correlationID, rawUser), nil
	}

	key, msg := conversationKey(req.QueryStringParameters)
	if msg != "" {
		logger.Warn("usage_bad_request", "reason", msg)
		return jsonResponse(http.StatusBadRequest, correlationID, errorResponse{
			Error:   string(usecase.ErrorInvalidInput),
			Message: msg,
		}), nil
	}

	report, err := h.usage.Usage(ctx, key)
	if err != nil {
		code := usecase.CodeOf(err)
		logger.Error("usage_failed", "chat_id", key.ChatID, "topic_id", key.TopicID, "code", string(code), "err", err)
		return jsonResponse(statusFor(code), correlationID, errorResponse{Error: string(code)}), nil
	}
	logger.Info("usage_served", "chat_id", key.ChatID, "topic_id", key.TopicID, "total_messages", report.TotalMessages)
	return jsonResponse(http.StatusOK, correlationID, report), nil
}

func (h *Handler) handleUser(ctx context.Context, logger *slog.Logger, correlationID, rawUser string) events.APIGatewayProxyResponse {
	userID, err := strconv.ParseInt(strings.TrimSpace(rawUser), 10, 64)
	if err != nil || userID <= 0 {
		logger.Warn("usage_bad_request", "reason", "user_id must be a positive integer")
		return jsonResponse(http.StatusBadRequest, correlationID, errorResponse{
			Error:   string(usecase.ErrorInvalidInput),
			Message: "user_id must be a positive integer",
		})
	}
	report, err := h.usage.UserUsage(ctx, userID)
	if err != nil {
		code := usecase.CodeOf(err)
		logger.Error("user_usage_failed", "user_id", userID, "code", string(code), "err", err)
		return jsonResponse(statusFor(code), correlationID, errorResponse{Error: string(code)})
	}
	logger.Info("user_usage_served", "user_id", userID, "tokens_total", report.TokensTotal)
	return jsonResponse(http.StatusOK, correlationID, report)
}

func conversationKey(params map[string]string) (domain.ConversationKey, string) {
	rawChat := strings.TrimSpace(params["chat_id"])
	if rawChat == "" {
		return domain.ConversationKey{}, "chat_id is required"
	}
	chatID, err := strconv.ParseInt(rawChat, 10, 64)
	if err != nil || chatID == 0 {
		return domain.ConversationKey{}, "chat_id must be a non-zero integer"
	}
	var topicID int64
	if rawTopic := strings.TrimSpace(params["topic_id"]); rawTopic != "" {
		topicID, err = strconv.ParseInt(rawTopic, 10, 64)
		if err != nil || topicID < 0 {
			return domain.ConversationKey{}, "topic_id must be a positive integer"
		}
	}
	return domain.NewConversationKey(chatID, topicID), ""
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func jsonResponse(status int, correlationID string, body any) events.APIGatewayProxyResponse {
	buf, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		buf = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(buf),
	}
}

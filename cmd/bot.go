package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tg-llm-proxy/internal/conversation"
	"tg-llm-proxy/internal/integrations/openai"
	"tg-llm-proxy/internal/integrations/telegram"
	"tg-llm-proxy/internal/telegrambot"
	"tg-llm-proxy/internal/usecase"
)

func newBotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bot",
		Short: "Run the Telegram long-polling bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBot(ctx)
		},
	}
}

func runBot(ctx context.Context) error {
	logger := slog.Default()
	s, err := loadStores(ctx)
	if err != nil {
		return err
	}

	quiet := envDuration("QUIET_PERIOD", conversation.DefaultQuietPeriod)
	llmTimeout := envDuration("LLM_TIMEOUT", 120*time.Second)

	llm, err := openai.NewClient(s.params, s.paramPrefix,
		openai.WithBaseURL(envString("LLM_BASE_URL", openai.DefaultBaseURL)),
		openai.WithHTTPClient(&http.Client{Timeout: llmTimeout}),
		openai.WithModelCacheTTL(envDuration("MODEL_CACHE_TTL", 5*time.Minute)),
	)
	if err != nil {
		return fmt.Errorf("create LLM client: %w", err)
	}
	tg, err := telegram.NewClient(s.params, s.paramPrefix,
		telegram.WithBaseURL(envString("TELEGRAM_BASE_URL", telegram.DefaultBaseURL)),
	)
	if err != nil {
		return fmt.Errorf("create Telegram client: %w", err)
	}

	queue := conversation.NewQueue(quiet, nil)
	defer queue.Close()

	dispatcher, err := usecase.NewDispatcher(s.state, s.state, llm, conversation.NewModeTable(), queue, usecase.Config{
		DefaultModel:       envString("DEFAULT_MODEL", defaultModel),
		DefaultTemperature: envFloat("DEFAULT_TEMPERATURE", defaultTemperature),
		MaxTokens:          envInt("DEFAULT_MAX_TOKENS", 4096),
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}
	usage, err := usecase.NewUsageService(s.state, s.state, usecase.WithUserStore(s.state))
	if err != nil {
		return fmt.Errorf("create usage service: %w", err)
	}
	dir, err := usecase.NewDirectory(s.state, s.params, usecase.DirectoryConfig{
		AdminTokenParam: envString("ADMIN_TOKEN_PARAM", s.paramPrefix+"/admin-token"),
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("create user directory: %w", err)
	}

	bot, err := telegrambot.New(tg, dispatcher, usage, dir, telegrambot.Config{
		PollTimeout:        envDuration("TELEGRAM_POLL_TIMEOUT", 30*time.Second),
		MaxConcurrentTurns: envInt("MAX_CONCURRENT_TURNS", 8),
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}

	logger.Info("bot starting", "quiet_period", quiet.String(), "llm_timeout", llmTimeout.String())
	return bot.Run(ctx)
}

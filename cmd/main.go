package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"tg-llm-proxy/internal/integrations/paramstore"
	"tg-llm-proxy/internal/repository"
)

const (
	defaultModel       = "openai/gpt-4.1-mini"
	defaultTemperature = 0.7
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tg-llm-proxy",
		Short:         "Telegram proxy for OpenAI-compatible chat models",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			slog.SetDefault(newLogger(os.Getenv("LOG_LEVEL")))
		},
	}
	cmd.AddCommand(newBotCmd())
	cmd.AddCommand(newUsageLambdaCmd())
	return cmd
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		slog.Error("command failed", "err", err)
		return 1
	}
	return 0
}

func main() {
	_ = godotenv.Load()
	os.Exit(execute(newRootCmd()))
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// stores holds the clients every command needs.
type stores struct {
	params      *paramstore.Client
	state       *repository.Client
	paramPrefix string
}

func loadStores(ctx context.Context) (*stores, error) {
	// ---- Configuration (read only here) ----
	stateTable, err := requireEnv("STATE_TABLE")
	if err != nil {
		return nil, err
	}
	paramPrefix, err := requireEnv("PARAM_PREFIX")
	if err != nil {
		return nil, err
	}
	model := envString("DEFAULT_MODEL", defaultModel)
	temperature := envFloat("DEFAULT_TEMPERATURE", defaultTemperature)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create SSM client: %w", err)
	}
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable,
		repository.WithTopicDefaults(model, temperature))
	if err != nil {
		return nil, fmt.Errorf("create state client: %w", err)
	}
	return &stores{params: ssmClient, state: stateClient, paramPrefix: paramPrefix}, nil
}

func requireEnv(key string) (string, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("required environment variable %s is not set", key)
	}
	return v, nil
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.Replace(strings.TrimSpace(v), ",", ".", 1), 64)
	if err != nil {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

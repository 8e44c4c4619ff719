package main

import (
	"fmt"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"

	"tg-llm-proxy/handler"
	"tg-llm-proxy/internal/usecase"
)

func newUsageLambdaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usage-lambda",
		Short: "Serve GET /usage as an AWS Lambda behind API Gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadStores(cmd.Context())
			if err != nil {
				return err
			}
			usage, err := usecase.NewUsageService(s.state, s.state, usecase.WithUserStore(s.state))
			if err != nil {
				return fmt.Errorf("create usage service: %w", err)
			}
			h, err := handler.NewHandler(usage)
			if err != nil {
				return fmt.Errorf("create handler: %w", err)
			}
			lambda.Start(h.Handle)
			return nil
		},
	}
}

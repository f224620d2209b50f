package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"pq_chat/internal/service/app"
	"pq_chat/internal/service/node"
	"pq_chat/internal/utils/log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join a chat, serving it when no partner is found",
		Example: `  pqchat chat --name alice --code 123456
  PQCHAT_SYNC_PUSH_MODE=websocket pqchat chat --name bob --code 123456`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			if cfg.Name == "" {
				cfg.Name = prompt("Enter your name: ")
			}
			if err := requireChatCode(cfg); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			n, err := node.Open(ctx, cfg)
			if err != nil {
				return err
			}
			defer n.Stop()

			fmt.Printf("Looking for a partner on chat '%s'...\n", cfg.ChatCode)
			if err := n.Start(ctx); err != nil {
				log.Error("start chat failed", zap.Error(err))
				return err
			}

			ui := app.NewApp(n, cfg.Name)
			go func() {
				<-ctx.Done()
				ui.Stop()
			}()
			return ui.Run(ctx)
		},
	}

	cmd.Flags().String("name", "", "display name shown to your partner")
	viper.BindPFlag("name", cmd.Flags().Lookup("name"))
	return cmd
}

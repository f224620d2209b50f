package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"pq_chat/internal/config"
	"pq_chat/internal/utils/log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pqchat",
		Short: "Post-quantum end-to-end encrypted chat for the local network",
		Long: `pqchat pairs two people on the same network by a shared chat code.
The first one to join serves the chat, the second finds it over mDNS.
Every message is sealed with ML-KEM and AES-GCM to the partner's key.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "configuration file (default <base-dir>/config.yaml)")
	cmd.PersistentFlags().String("base-dir", "", "directory holding keys/, sharedkeys/ and chats/")
	cmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("code", "", "chat code shared with your partner")
	viper.BindPFlag("base_dir", cmd.PersistentFlags().Lookup("base-dir"))
	viper.BindPFlag("log.level", cmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("chat_code", cmd.PersistentFlags().Lookup("code"))

	cmd.AddCommand(
		newChatCommand(),
		newKeygenCommand(),
		newFingerprintCommand(),
		newHistoryCommand(),
	)
	return cmd
}

// loadConfig reads the configuration and starts file logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	if err := log.Init(cfg.Log.Level, cfg.Log.File); err != nil {
		return nil, fmt.Errorf("init log: %w", err)
	}
	return cfg, nil
}

func prompt(label string) string {
	fmt.Print(label)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	return strings.TrimSpace(line)
}

func requireChatCode(cfg *config.Config) error {
	if cfg.ChatCode == "" {
		cfg.ChatCode = prompt("Enter chat code: ")
	}
	if cfg.ChatCode == "" {
		return fmt.Errorf("a chat code is required")
	}
	return nil
}

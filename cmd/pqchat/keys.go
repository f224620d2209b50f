package main

import (
	"context"
	"errors"
	"fmt"

	"pq_chat/internal/cryptographic/kem"
	"pq_chat/internal/protocol/sealer"
	"pq_chat/internal/repository/identity"
	"pq_chat/internal/service/node"

	"github.com/spf13/cobra"
)

func newKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Create the key pair for a chat code",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := requireChatCode(cfg); err != nil {
				return err
			}

			crypto, err := sealer.NewByName(cfg.KEM.Scheme)
			if err != nil {
				return err
			}

			ctx := context.Background()
			ids, closeIDs, err := node.OpenIdentities(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeIDs()

			id, created, err := identity.GetOrCreate(ctx, ids, cfg.ChatCode, crypto.GenerateIdentity)
			if err != nil {
				return err
			}
			if created {
				fmt.Printf("Created %s key pair for chat '%s'\n", id.Scheme, cfg.ChatCode)
			} else {
				fmt.Printf("Key pair for chat '%s' already exists\n", cfg.ChatCode)
			}
			fmt.Printf("Fingerprint: %s\n", kem.Fingerprint(id.PublicKey))
			return nil
		},
	}
}

func newFingerprintCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the fingerprints of your key and your partner's key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := requireChatCode(cfg); err != nil {
				return err
			}

			ctx := context.Background()
			ids, closeIDs, err := node.OpenIdentities(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeIDs()

			id, err := ids.Get(ctx, cfg.ChatCode)
			if errors.Is(err, identity.ErrNotFound) {
				return fmt.Errorf("no key pair for chat '%s', run keygen first", cfg.ChatCode)
			}
			if err != nil {
				return err
			}
			fmt.Printf("You:     %s\n", kem.Fingerprint(id.PublicKey))

			peer, err := ids.GetPeerKey(ctx, cfg.ChatCode)
			switch {
			case errors.Is(err, identity.ErrNotFound):
				fmt.Println("Partner: (not paired yet)")
			case err != nil:
				return err
			default:
				fmt.Printf("Partner: %s\n", kem.Fingerprint(peer))
			}
			return nil
		},
	}
}

func newHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Print the decrypted local history of a chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := requireChatCode(cfg); err != nil {
				return err
			}

			ctx := context.Background()
			n, err := node.Open(ctx, cfg)
			if err != nil {
				return err
			}
			defer n.Stop()

			if err := n.LoadIdentity(ctx); err != nil {
				return err
			}
			lines, err := n.History()
			if err != nil {
				return err
			}
			for _, l := range lines {
				fmt.Println(l)
			}
			return nil
		},
	}
}

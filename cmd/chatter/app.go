package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kalambet/chatter/internal/attachment"
	"github.com/kalambet/chatter/internal/config"
	"github.com/kalambet/chatter/internal/conversation"
	"github.com/kalambet/chatter/internal/keys"
	"github.com/kalambet/chatter/internal/pricing"
	"github.com/kalambet/chatter/internal/proxy"
	"github.com/kalambet/chatter/internal/session"
	"github.com/kalambet/chatter/internal/storage"
)

// defaultOwner is recorded on every conversation. It is the same on every
// device so that synced conversations stay visible.
const defaultOwner = "local"

// app wires the long-lived components of the server.
type app struct {
	local         *storage.Store
	remote        *storage.Store
	keyring       *keys.Keyring
	conversations *conversation.Store
	proxy         *proxy.Client
	catalog       *pricing.Catalog
	sessions      *session.Manager
}

func openApp(cfg config.Config) (*app, error) {
	local, err := storage.OpenLocal(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening local storage: %w", err)
	}

	remote, err := storage.OpenRemote(cfg.Storage.DataDir, storage.RemoteOptions{
		PrimaryURL:   cfg.Sync.RemoteURL,
		AuthToken:    cfg.Sync.AuthToken,
		SyncInterval: cfg.Sync.Interval,
	})
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("opening remote storage: %w", err)
	}

	// A missing key only disables remote conversations.
	keyring := keys.NewKeyring(config.Keychain{})
	cipher, err := keyring.Ensure()
	if err != nil {
		slog.Warn("encryption key unavailable, remote conversations disabled", "error", err)
	}

	conversations := conversation.New(conversation.Options{
		Local:  local,
		Remote: remote,
		Cipher: cipher,
		Owner:  defaultOwner,
	})

	client := proxy.NewClientWithBaseURL(cfg.Proxy.OpenRouterAPIKey, cfg.Proxy.BaseURL)
	catalog := pricing.NewCatalog(client, cfg.Catalog.TTL)
	sessions := session.NewManager(session.Deps{
		Store:    conversations,
		Provider: client,
		Pricer:   catalog,
		Builder:  attachment.NewBuilder(&http.Client{Timeout: 30 * time.Second}),
		Config: session.Config{
			Model:        cfg.Proxy.DefaultModel,
			APIKey:       cfg.Proxy.OpenRouterAPIKey,
			SystemPrompt: cfg.Session.SystemPrompt,
			IdleTimeout:  cfg.Session.IdleTimeout,
		},
	})

	return &app{
		local:         local,
		remote:        remote,
		keyring:       keyring,
		conversations: conversations,
		proxy:         client,
		catalog:       catalog,
		sessions:      sessions,
	}, nil
}

func (a *app) Close() error {
	return errors.Join(a.local.Close(), a.remote.Close())
}

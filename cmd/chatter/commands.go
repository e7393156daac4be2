package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/chatter/internal/api"
	"github.com/kalambet/chatter/internal/chat"
	"github.com/kalambet/chatter/internal/config"
	"github.com/kalambet/chatter/internal/keys"
	"github.com/kalambet/chatter/internal/session"
)

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat [message...]",
	Short: "Send a message and stream the answer",
	Long: `Send a message and stream the answer.

Examples:
  chatter chat "what is a monad"
  chatter chat -c <conversation-id> "and in Go?"
  chatter chat --attach ./report.pdf "summarize this"
  chatter chat --remote "this conversation syncs, encrypted"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, _ := cmd.Flags().GetString("conversation")
		model, _ := cmd.Flags().GetString("model")
		remote, _ := cmd.Flags().GetBool("remote")
		attachPaths, _ := cmd.Flags().GetStringSlice("attach")
		showReasoning, _ := cmd.Flags().GetBool("reasoning")

		text := strings.Join(args, " ")
		atts, err := parseAttachments(attachPaths)
		if err != nil {
			return err
		}
		if strings.TrimSpace(text) == "" && len(atts) == 0 {
			return fmt.Errorf("a message or --attach is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt)
		defer stop()

		if convID == "" {
			backend := chat.BackendLocal
			if remote {
				backend = chat.BackendRemote
			}
			c, err := createConversation(ctx, client, backend)
			if err != nil {
				return err
			}
			convID = c.ID
			printStep("Conversation %s", convID)
		}

		resp, err := client.post(ctx, "/v1/conversations/"+convID+"/messages", api.SubmitRequest{
			Content:     text,
			Attachments: atts,
			Model:       model,
		})
		if err != nil {
			return err
		}
		var turn api.TurnJSON
		if err := decodeJSON(resp, &turn); err != nil {
			return err
		}

		last, err := streamTurn(ctx, client, convID, showReasoning)
		fmt.Println()
		if ctx.Err() != nil {
			cancelCtx, cancel := withTimeout(context.Background())
			defer cancel()
			if resp, err := client.post(cancelCtx, "/v1/conversations/"+convID+"/cancel", nil); err == nil {
				resp.Body.Close()
			}
			printWarning("Canceled; the partial answer was saved")
			return nil
		}
		if err != nil {
			return err
		}
		return reportTurn(last)
	},
}

func init() {
	chatCmd.Flags().StringP("conversation", "c", "", "continue this conversation")
	chatCmd.Flags().StringP("model", "m", "", "OpenRouter model id (default from config)")
	chatCmd.Flags().Bool("remote", false, "start the conversation in the synced, encrypted backend")
	chatCmd.Flags().StringSlice("attach", nil, "file path or URL to attach (repeatable)")
	chatCmd.Flags().Bool("reasoning", false, "print the model's reasoning when available")
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func parseAttachments(specs []string) ([]chat.Attachment, error) {
	var out []chat.Attachment
	for _, s := range specs {
		if u, err := url.Parse(s); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
			out = append(out, chat.Attachment{URL: s, Name: filepath.Base(u.Path)})
			continue
		}
		abs, err := filepath.Abs(s)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(abs); err != nil {
			return nil, fmt.Errorf("attachment %s: %w", s, err)
		}
		out = append(out, chat.Attachment{Path: abs, Name: filepath.Base(abs)})
	}
	return out, nil
}

func createConversation(ctx context.Context, client *apiClient, backend chat.Backend) (api.ConversationJSON, error) {
	resp, err := client.post(ctx, "/v1/conversations", map[string]string{"backend": string(backend)})
	if err != nil {
		return api.ConversationJSON{}, err
	}
	var c api.ConversationJSON
	err = decodeJSON(resp, &c)
	return c, err
}

// streamTurn prints the answer as it arrives and returns the last snapshot.
func streamTurn(ctx context.Context, client *apiClient, convID string, showReasoning bool) (session.Snapshot, error) {
	var last session.Snapshot
	var printedContent, printedReasoning int
	err := client.events(ctx, "/v1/conversations/"+convID+"/events", func(_ string, data []byte) error {
		var snap session.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("decoding event: %w", err)
		}
		if showReasoning && len(snap.Reasoning) > printedReasoning {
			fmt.Fprint(os.Stderr, colorize(colorCyan, snap.Reasoning[printedReasoning:]))
			printedReasoning = len(snap.Reasoning)
		}
		if len(snap.Content) > printedContent {
			fmt.Print(snap.Content[printedContent:])
			printedContent = len(snap.Content)
		}
		last = snap
		return nil
	})
	return last, err
}

func reportTurn(s session.Snapshot) error {
	switch s.Status {
	case session.StatusError:
		return fmt.Errorf("turn failed: %s", s.Error)
	case session.StatusAborted:
		printWarning("Turn was canceled")
	}
	for _, a := range s.Annotations {
		printStatus("Source", "%s", a.URL)
	}
	if s.CreditsConsumed != nil {
		printStatus("Credits", "%d (%s)", *s.CreditsConsumed, s.Model)
	}
	return nil
}

// --- conversations ---

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Manage stored conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, _ := cmd.Flags().GetString("backend")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout(cmd.Context())
		defer cancel()

		path := "/v1/conversations"
		if backend != "" {
			path += "?backend=" + url.QueryEscape(backend)
		}
		resp, err := client.get(ctx, path)
		if err != nil {
			return err
		}
		var convs []api.ConversationJSON
		if err := decodeJSON(resp, &convs); err != nil {
			return err
		}

		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range convs {
			fmt.Printf("%s  %s  %-6s  %s\n",
				colorize(colorCyan, c.ID),
				c.UpdatedAt.Local().Format("2006-01-02 15:04"),
				c.Backend,
				truncateRunes(c.Name, 60),
			)
		}
		return nil
	},
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print every message of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout(cmd.Context())
		defer cancel()

		resp, err := client.get(ctx, "/v1/conversations/"+args[0]+"/messages")
		if err != nil {
			return err
		}
		var msgs []api.MessageJSON
		if err := decodeJSON(resp, &msgs); err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(msgs)
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

var conversationsRenameCmd = &cobra.Command{
	Use:   "rename <id> <name...>",
	Short: "Rename a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := strings.Join(args[1:], " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout(cmd.Context())
		defer cancel()

		resp, err := client.patch(ctx, "/v1/conversations/"+args[0], map[string]string{"name": name})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Renamed to %q", name)
		return nil
	},
}

var conversationsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a conversation and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout(cmd.Context())
		defer cancel()

		resp, err := client.delete(ctx, "/v1/conversations/"+args[0])
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted conversation %s", args[0])
		return nil
	},
}

func init() {
	conversationsListCmd.Flags().String("backend", "", "only list local or remote conversations")
	conversationsShowCmd.Flags().Bool("json", false, "print messages as JSON")
	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsShowCmd)
	conversationsCmd.AddCommand(conversationsRenameCmd)
	conversationsCmd.AddCommand(conversationsDeleteCmd)
}

// --- models ---

var modelsCmd = &cobra.Command{
	Use:   "models [query]",
	Short: "List OpenRouter models, optionally fuzzy-filtered",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout(cmd.Context())
		defer cancel()

		path := "/v1/models"
		if len(args) > 0 {
			path += "?q=" + url.QueryEscape(strings.Join(args, " "))
		}
		resp, err := client.get(ctx, path)
		if err != nil {
			return err
		}
		var models []api.ModelInfo
		if err := decodeJSON(resp, &models); err != nil {
			return err
		}

		if len(models) == 0 {
			fmt.Println("No models found.")
			return nil
		}
		if limit > 0 && len(models) > limit {
			models = models[:limit]
		}
		for _, m := range models {
			fmt.Printf("%-50s  %s\n", colorize(colorBold, m.ID), formatRates(m))
		}
		return nil
	},
}

func init() {
	modelsCmd.Flags().Int("limit", 25, "maximum number of models to print (0 for all)")
}

// --- key ---

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage the encryption key for remote conversations",
}

var keyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the encryption key (import it on your other devices)",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := newKeyring().Stored()
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("no encryption key yet; create one with: chatter key generate")
		}
		if err != nil {
			return err
		}
		fmt.Println(secret)
		return nil
	},
}

var keyGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Create a new encryption key",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		kr := newKeyring()
		_, err := kr.Stored()
		switch {
		case err == nil && !force:
			return fmt.Errorf("an encryption key already exists; replacing it makes existing remote conversations unreadable (use --force)")
		case err != nil && !errors.Is(err, fs.ErrNotExist):
			return err
		}

		secret, err := keys.Generate()
		if err != nil {
			return err
		}
		if err := kr.Import(secret); err != nil {
			return err
		}
		printSuccess("Generated a new encryption key")
		printStep("Restart the server to use it")
		return nil
	},
}

var keyImportCmd = &cobra.Command{
	Use:   "import <key>",
	Short: "Use an encryption key created on another device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newKeyring().Import(args[0]); err != nil {
			return err
		}
		printSuccess("Encryption key imported")
		printStep("Restart the server to use it")
		return nil
	},
}

func newKeyring() *keys.Keyring {
	return keys.NewKeyring(config.Keychain{})
}

func init() {
	keyGenerateCmd.Flags().Bool("force", false, "replace an existing key")
	keyCmd.AddCommand(keyShowCmd)
	keyCmd.AddCommand(keyGenerateCmd)
	keyCmd.AddCommand(keyImportCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "$"+k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s", key)
		return nil
	},
}

var configTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print the API bearer token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.Server.APIToken == "" {
			return fmt.Errorf("no API token yet; start the server once with: chatter serve")
		}
		fmt.Println(cfg.Server.APIToken)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configTokenCmd)
}

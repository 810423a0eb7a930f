// ABOUTME: Admin and client subcommands: tokens, directory records, repair, health, inbox, send
// ABOUTME: Directory writes go straight to the store; inbox and send go through the HTTP API

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/locus-dm/internal/api"
	"github.com/2389/locus-dm/internal/auth"
	"github.com/2389/locus-dm/internal/client"
	"github.com/2389/locus-dm/internal/config"
	"github.com/2389/locus-dm/internal/server"
	"github.com/2389/locus-dm/internal/store"
)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("locus-dm "+name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

// requireFlag returns an error naming flag when value is empty.
func requireFlag(value, flagName string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("--%s is required", flagName)
	}
	return nil
}

func runToken(args []string) error {
	fs := newFlagSet("token")
	configPath := fs.String("config", "", "config file path")
	participant := fs.String("participant", "", "participant id to issue the token for")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag(*participant, "participant"); err != nil {
		return err
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	token, err := issueToken(cfg, *participant, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func issueToken(cfg *config.Config, participantID string, ttl time.Duration) (string, error) {
	if cfg.Auth.JWTSecret == "" {
		return "", errors.New("auth.jwt_secret is not configured")
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("creating verifier: %w", err)
	}
	token, err := verifier.Generate(participantID, ttl)
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return token, nil
}

// openStore opens the configured SQLite database directly, honouring the
// same path override as the server.
func openStore(path string) (*store.SQLiteStore, error) {
	cfg, _, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	dbPath := cfg.Database.Path
	if envPath := os.Getenv(server.EnvDBPath); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return s, nil
}

func runProfile(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "set" {
		return errors.New("usage: locus-dm profile set --participant ID --name NAME [flags]")
	}

	fs := newFlagSet("profile set")
	configPath := fs.String("config", "", "config file path")
	participant := fs.String("participant", "", "participant id")
	name := fs.String("name", "", "display name")
	email := fs.String("email", "", "notification email address")
	avatar := fs.String("avatar", "", "avatar URL")
	practice := fs.String("practice", "", "practice name")
	role := fs.String("role", "", "professional role")
	verified := fs.Bool("verified", false, "mark the profile verified")
	matrixRoom := fs.String("matrix-room", "", "Matrix room id for notifications")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if err := requireFlag(*participant, "participant"); err != nil {
		return err
	}
	if err := requireFlag(*name, "name"); err != nil {
		return err
	}

	s, err := openStore(*configPath)
	if err != nil {
		return err
	}
	defer s.Close()

	p := &store.Profile{
		ParticipantID: *participant,
		DisplayName:   *name,
		Email:         *email,
		AvatarURL:     *avatar,
		PracticeName:  *practice,
		Role:          *role,
		Verified:      *verified,
		MatrixRoomID:  *matrixRoom,
	}
	if err := s.UpsertProfile(ctx, p); err != nil {
		return fmt.Errorf("saving profile: %w", err)
	}

	color.New(color.FgGreen).Print("✓ ")
	fmt.Printf("profile %s saved\n", *participant)
	return nil
}

func runContext(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "set" {
		return errors.New("usage: locus-dm context set --id ID --title TITLE")
	}

	fs := newFlagSet("context set")
	configPath := fs.String("config", "", "config file path")
	id := fs.String("id", "", "context id, e.g. a job listing id")
	title := fs.String("title", "", "human readable title")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if err := requireFlag(*id, "id"); err != nil {
		return err
	}
	if err := requireFlag(*title, "title"); err != nil {
		return err
	}

	s, err := openStore(*configPath)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.UpsertContext(ctx, &store.ContextRecord{ID: *id, Title: *title}); err != nil {
		return fmt.Errorf("saving context: %w", err)
	}

	color.New(color.FgGreen).Print("✓ ")
	fmt.Printf("context %s saved\n", *id)
	return nil
}

func runRepairUnread(ctx context.Context, args []string) error {
	fs := newFlagSet("repair-unread")
	configPath := fs.String("config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := openStore(*configPath)
	if err != nil {
		return err
	}
	defer s.Close()

	fixed, err := s.RepairUnreadCounters(ctx)
	if err != nil {
		return fmt.Errorf("repairing unread counters: %w", err)
	}

	if fixed == 0 {
		color.New(color.FgGreen).Print("✓ ")
		fmt.Println("all unread counters are consistent")
		return nil
	}
	color.New(color.FgYellow).Print("! ")
	fmt.Printf("repaired %d unread counter(s)\n", fixed)
	return nil
}

// apiFlags are shared by the commands that talk to a running server.
type apiFlags struct {
	config *string
	url    *string
}

func addAPIFlags(fs *flag.FlagSet) apiFlags {
	return apiFlags{
		config: fs.String("config", "", "config file path"),
		url:    fs.String("url", "", "server base URL (default http://<server.http_addr>)"),
	}
}

// newClient builds a client acting as participantID. With a JWT secret
// configured a short-lived token is issued, otherwise the development header is used.
func (f apiFlags) newClient(participantID string) (*client.Client, error) {
	cfg, _, err := loadConfig(*f.config)
	if err != nil {
		return nil, err
	}
	baseURL := *f.url
	if baseURL == "" {
		baseURL = "http://" + cfg.Server.HTTPAddr
	}
	if participantID == "" {
		return client.New(baseURL), nil
	}
	if cfg.Auth.JWTSecret == "" {
		return client.New(baseURL, client.WithParticipant(participantID)), nil
	}
	token, err := issueToken(cfg, participantID, 5*time.Minute)
	if err != nil {
		return nil, err
	}
	return client.New(baseURL, client.WithToken(token)), nil
}

func runHealth(ctx context.Context, args []string) error {
	fs := newFlagSet("health")
	flags := addAPIFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := flags.newClient("")
	if err != nil {
		return err
	}
	if err := c.Ready(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	fmt.Println("healthy")
	return nil
}

func runInbox(ctx context.Context, args []string) error {
	fs := newFlagSet("inbox")
	flags := addAPIFlags(fs)
	as := fs.String("as", "", "participant id to list the inbox for")
	query := fs.String("q", "", "filter by name, email, practice or context title")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag(*as, "as"); err != nil {
		return err
	}

	c, err := flags.newClient(*as)
	if err != nil {
		return err
	}
	entries, err := c.ListConversations(ctx, *query)
	if err != nil {
		return fmt.Errorf("listing conversations: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("no conversations")
		return nil
	}
	printInbox(os.Stdout, entries)
	return nil
}

func printInbox(w io.Writer, entries []api.InboxEntry) {
	bold := color.New(color.Bold)
	gray := color.New(color.FgHiBlack)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONVERSATION\tWITH\tREGARDING\tUNREAD\tLAST MESSAGE")
	for _, e := range entries {
		name := e.Other.DisplayName
		if name == "" {
			name = e.Other.ID
		}
		unread := gray.Sprint("0")
		if e.Unread > 0 {
			unread = bold.Sprint(e.Unread)
		}
		last := gray.Sprint("-")
		if e.LastMessage != nil {
			last = truncate(e.LastMessage.Content, 40)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.ConversationID, name, e.ContextTitle, unread, last)
	}
	_ = tw.Flush()
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func runSend(ctx context.Context, args []string) error {
	fs := newFlagSet("send")
	flags := addAPIFlags(fs)
	as := fs.String("as", "", "sending participant id")
	to := fs.String("to", "", "recipient participant id")
	contextRef := fs.String("context", "", "business context id for a new conversation")
	retries := fs.Int("retries", 2, "resend attempts on retryable failures")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag(*as, "as"); err != nil {
		return err
	}
	if err := requireFlag(*to, "to"); err != nil {
		return err
	}
	text := strings.Join(fs.Args(), " ")
	if err := requireFlag(text, "message text"); err != nil {
		return err
	}

	c, err := flags.newClient(*as)
	if err != nil {
		return err
	}
	conv, err := c.FindOrCreateConversation(ctx, *to, *contextRef)
	if err != nil {
		return fmt.Errorf("opening conversation: %w", err)
	}

	outbox := client.NewOutbox()
	item, err := outbox.Send(ctx, c, conv.ID, text)
	for attempt := 0; err != nil && client.IsRetryable(err) && attempt < *retries; attempt++ {
		color.New(color.FgYellow).Print("! ")
		fmt.Printf("send failed (%v), retrying\n", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * time.Second):
		}
		item, err = outbox.Resend(ctx, c, item.TempID)
	}
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}

	color.New(color.FgGreen).Print("✓ ")
	fmt.Printf("sent %s in conversation %s\n", item.Message.ID, conv.ID)
	return nil
}

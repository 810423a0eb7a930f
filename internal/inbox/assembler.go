// ABOUTME: Assembler renders a participant's inbox: conversations enriched with profile, context, preview and unread count
// ABOUTME: Enrichment fetches run in parallel on a bounded errgroup; one failed fetch only blanks its own field

package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/locus-dm/internal/metrics"
	"github.com/2389/locus-dm/internal/store"
)

// Enrichment field names used in logs and metrics
const (
	FieldProfile     = "profile"
	FieldContext     = "context"
	FieldLastMessage = "last_message"
	FieldUnread      = "unread"
)

const (
	defaultConcurrency       = 8
	defaultEnrichmentTimeout = 2 * time.Second
)

// Participant is the profile summary of the other side of a conversation.
type Participant struct {
	ID           string
	DisplayName  string
	Email        string
	AvatarURL    string
	PracticeName string
	Role         string
	Verified     bool
}

// Preview is the most recent message of a conversation.
type Preview struct {
	MessageID string
	SenderID  string
	Content   string
	CreatedAt time.Time
}

// View is one inbox row. Enrichment fields that could not be fetched stay zero
// and are listed in Missing.
type View struct {
	ConversationID string
	ContextRef     string
	ContextTitle   string
	LastActivityAt time.Time
	Other          Participant
	LastMessage    *Preview
	Unread         int
	Missing        []string
}

// Options narrows the listing.
type Options struct {
	// Query keeps only conversations whose other participant's name, email or
	// practice, or whose context title, contains it (case-insensitive).
	Query string
}

// Directory resolves profiles and context records.
type Directory interface {
	GetProfile(ctx context.Context, participantID string) (*store.Profile, error)
	GetContext(ctx context.Context, id string) (*store.ContextRecord, error)
}

// Config bounds the enrichment fan-out.
type Config struct {
	Concurrency       int
	EnrichmentTimeout time.Duration
}

// Assembler builds inbox views.
type Assembler struct {
	store       store.Store
	directory   Directory
	concurrency int
	timeout     time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewAssembler creates an Assembler. Zero config values fall back to defaults.
func NewAssembler(s store.Store, dir Directory, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.EnrichmentTimeout <= 0 {
		cfg.EnrichmentTimeout = defaultEnrichmentTimeout
	}
	return &Assembler{
		store:       s,
		directory:   dir,
		concurrency: cfg.Concurrency,
		timeout:     cfg.EnrichmentTimeout,
		metrics:     m,
		logger:      logger.With("component", "inbox"),
	}
}

// ListForParticipant returns the participant's conversations, most recently
// active first, each enriched independently. Cancelling ctx stops scheduling
// further fetches and returns ctx.Err().
func (a *Assembler) ListForParticipant(ctx context.Context, participantID string, opts Options) ([]View, error) {
	listCtx, cancel := context.WithTimeout(ctx, a.timeout)
	convs, err := a.store.ListConversations(listCtx, store.ListOptions{
		Filter: store.Or(
			store.Eq(store.FieldParticipantLow, participantID),
			store.Eq(store.FieldParticipantHigh, participantID),
		),
		Order: []store.Order{{Field: store.FieldLastActivityAt, Desc: true}},
	})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	views := make([]View, len(convs))
	missing := make([][4]bool, len(convs)) // indexed like fields below

	var g errgroup.Group
	g.SetLimit(a.concurrency)

schedule:
	for i, conv := range convs {
		views[i] = View{
			ConversationID: conv.ID,
			LastActivityAt: conv.LastActivityAt,
			Other:          Participant{ID: conv.Other(participantID)},
		}
		if conv.ContextRef != nil {
			views[i].ContextRef = *conv.ContextRef
		}

		tasks := [4]func(context.Context) error{
			func(ctx context.Context) error { return a.enrichProfile(ctx, &views[i]) },
			func(ctx context.Context) error { return a.enrichContext(ctx, &views[i]) },
			func(ctx context.Context) error { return a.enrichLastMessage(ctx, &views[i]) },
			func(ctx context.Context) error { return a.enrichUnread(ctx, &views[i], participantID) },
		}
		for f, task := range tasks {
			if ctx.Err() != nil {
				break schedule
			}
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				taskCtx, cancel := context.WithTimeout(ctx, a.timeout)
				defer cancel()
				if err := task(taskCtx); err != nil {
					missing[i][f] = true
					a.metrics.EnrichmentFailed(fieldNames[f])
					a.logger.Warn("inbox enrichment failed",
						"conversation_id", views[i].ConversationID,
						"field", fieldNames[f],
						"error", err)
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for i := range views {
		for f, failed := range missing[i] {
			if failed {
				views[i].Missing = append(views[i].Missing, fieldNames[f])
			}
		}
	}

	if q := strings.TrimSpace(opts.Query); q != "" {
		views = filterViews(views, q)
	}
	return views, nil
}

var fieldNames = [4]string{FieldProfile, FieldContext, FieldLastMessage, FieldUnread}

func (a *Assembler) enrichProfile(ctx context.Context, v *View) error {
	p, err := a.directory.GetProfile(ctx, v.Other.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	v.Other = Participant{
		ID:           v.Other.ID,
		DisplayName:  p.DisplayName,
		Email:        p.Email,
		AvatarURL:    p.AvatarURL,
		PracticeName: p.PracticeName,
		Role:         p.Role,
		Verified:     p.Verified,
	}
	return nil
}

func (a *Assembler) enrichContext(ctx context.Context, v *View) error {
	if v.ContextRef == "" {
		return nil
	}
	c, err := a.directory.GetContext(ctx, v.ContextRef)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	v.ContextTitle = c.Title
	return nil
}

func (a *Assembler) enrichLastMessage(ctx context.Context, v *View) error {
	msg, err := a.store.LatestMessage(ctx, v.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	v.LastMessage = &Preview{
		MessageID: msg.ID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	}
	return nil
}

func (a *Assembler) enrichUnread(ctx context.Context, v *View, participantID string) error {
	n, err := a.store.UnreadCount(ctx, v.ConversationID, participantID)
	if err != nil {
		return err
	}
	v.Unread = n
	return nil
}

func filterViews(views []View, query string) []View {
	q := strings.ToLower(query)
	out := views[:0]
	for _, v := range views {
		for _, field := range []string{v.Other.DisplayName, v.Other.Email, v.Other.PracticeName, v.ContextTitle} {
			if field != "" && strings.Contains(strings.ToLower(field), q) {
				out = append(out, v)
				break
			}
		}
	}
	return out
}

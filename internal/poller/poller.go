// Package poller drives the archival pipeline: on a timer it walks every
// active mailbox of every active tenant, fetches new messages with
// attachments, deduplicates against the usage ledger, archives the
// attachments and advances the mailbox cursor.
package poller

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/atticmail/atticmail/internal/drive"
	"github.com/atticmail/atticmail/internal/graph"
	"github.com/atticmail/atticmail/internal/store"
	"github.com/atticmail/atticmail/internal/tokens"
	"github.com/atticmail/atticmail/internal/usage"
	"github.com/atticmail/atticmail/internal/vault"
)

// pageSize bounds how many messages one poll pass fetches per mailbox.
const pageSize = 50

// cursorLayout is the wire form of the mailbox high-water mark.
const cursorLayout = time.RFC3339Nano

// Directory is the registry slice of the store the poller reads and the two
// mutations it owns: cursor advance and flagging a connection for re-consent.
type Directory interface {
	ListActiveTenants(ctx context.Context) ([]*store.Tenant, error)
	ListActiveMailboxes(ctx context.Context, tenantID string) ([]*store.Mailbox, error)
	GetConnection(ctx context.Context, id string) (*store.Connection, error)
	UpdateMailboxCursor(ctx context.Context, id, cursor string) error
	UpdateConnectionStatus(ctx context.Context, id, status string) error
}

// TokenSource yields a valid access token for a connection.
type TokenSource interface {
	AccessToken(ctx context.Context, conn *store.Connection) (string, error)
}

// MailClient lists messages and attachments for one authenticated account.
type MailClient interface {
	ListNewMessages(ctx context.Context, mailbox string, since *time.Time, pageSize int32) ([]graph.Message, error)
	ListAttachments(ctx context.Context, mailbox, messageID string) ([]graph.Attachment, error)
}

// MailClientFactory builds a MailClient around an access token.
type MailClientFactory func(accessToken string) (MailClient, error)

// Uploader archives attachment content into the document store.
type Uploader interface {
	Upload(ctx context.Context, accessToken, owner string, receivedAt time.Time, fileName string, content []byte) (*drive.Result, error)
}

// Ledger is the deduplication gate and the usage recorder.
type Ledger interface {
	Exists(ctx context.Context, tenantID, sourceID string) (bool, error)
	Record(ctx context.Context, tenantID string, ev usage.Event) error
}

// Poller owns the poll timer and runs one cycle per tick. Start and Stop are
// idempotent; an overlapping tick is skipped while a cycle is still running.
type Poller struct {
	directory Directory
	tokens    TokenSource
	newMail   MailClientFactory
	uploader  Uploader
	ledger    Ledger
	log       *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	cycleActive atomic.Bool
}

// New assembles a poller.
func New(directory Directory, ts TokenSource, newMail MailClientFactory, uploader Uploader, ledger Ledger, log *zap.Logger) *Poller {
	return &Poller{
		directory: directory,
		tokens:    ts,
		newMail:   newMail,
		uploader:  uploader,
		ledger:    ledger,
		log:       log,
	}
}

// Start launches the poll loop with the given interval. Calling Start while
// running is a no-op.
func (p *Poller) Start(interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		p.log.Debug("poller already running, start ignored")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	go p.run(ctx, interval)
	p.log.Info("poller started", zap.Duration("interval", interval))
}

// Stop halts the poll loop and waits for an in-flight cycle to finish.
// Calling Stop while stopped is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel, done := p.cancel, p.done
	p.running = false
	p.mu.Unlock()

	cancel()
	<-done
	p.log.Info("poller stopped")
}

// Running reports whether the poll loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) run(ctx context.Context, interval time.Duration) {
	defer close(p.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	if !p.cycleActive.CompareAndSwap(false, true) {
		p.log.Warn("previous poll cycle still running, skipping tick")
		return
	}
	defer p.cycleActive.Store(false)

	if err := p.RunCycle(ctx); err != nil {
		p.log.Error("poll cycle failed", zap.Error(err))
	}
}

// RunCycle performs one full pass over every active mailbox. A failing
// mailbox is logged and skipped, never aborting the rest of the cycle.
func (p *Poller) RunCycle(ctx context.Context) error {
	tenants, err := p.directory.ListActiveTenants(ctx)
	if err != nil {
		return fmt.Errorf("list active tenants: %w", err)
	}

	for _, tenant := range tenants {
		mailboxes, err := p.directory.ListActiveMailboxes(ctx, tenant.ID)
		if err != nil {
			p.log.Error("list mailboxes", zap.String("tenant_id", tenant.ID), zap.Error(err))
			continue
		}

		for _, mb := range mailboxes {
			if err := p.pollMailbox(ctx, tenant, mb); err != nil {
				p.log.Error("poll mailbox",
					zap.String("tenant_id", tenant.ID),
					zap.String("mailbox", mb.Address),
					zap.Error(err))
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
	return nil
}

func (p *Poller) pollMailbox(ctx context.Context, tenant *store.Tenant, mb *store.Mailbox) error {
	conn, err := p.directory.GetConnection(ctx, mb.ConnectionID)
	if err != nil {
		return fmt.Errorf("resolve connection %s: %w", mb.ConnectionID, err)
	}
	if conn.Status != store.ConnectionActive {
		p.log.Info("skipping mailbox, connection not active",
			zap.String("mailbox", mb.Address),
			zap.String("connection_status", conn.Status))
		return nil
	}

	token, err := p.tokens.AccessToken(ctx, conn)
	if errors.Is(err, tokens.ErrReauthRequired) || errors.Is(err, vault.ErrIntegrity) {
		p.log.Warn("connection needs re-consent, skipping mailbox",
			zap.String("mailbox", mb.Address),
			zap.String("connection_id", conn.ID),
			zap.Error(err))
		if serr := p.directory.UpdateConnectionStatus(ctx, conn.ID, store.ConnectionNeedsReconsent); serr != nil {
			p.log.Error("flag connection for re-consent", zap.String("connection_id", conn.ID), zap.Error(serr))
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("obtain access token: %w", err)
	}

	mail, err := p.newMail(token)
	if err != nil {
		return fmt.Errorf("create mail client: %w", err)
	}

	var since *time.Time
	if mb.Cursor != "" {
		t, err := time.Parse(cursorLayout, mb.Cursor)
		if err != nil {
			return fmt.Errorf("parse cursor %q: %w", mb.Cursor, err)
		}
		since = &t
	}

	messages, err := mail.ListNewMessages(ctx, mb.Address, since, pageSize)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	if len(messages) == 0 {
		return nil
	}

	// Messages arrive oldest first. The cursor only moves through the
	// prefix of fully archived messages: once a message has a failed
	// attachment, later messages are still attempted this cycle but the
	// cursor stays behind so the failure is retried next cycle, with the
	// ledger suppressing re-uploads of what already succeeded.
	var cursor time.Time
	advance := false
	prefixClean := true
	for _, msg := range messages {
		complete := p.processMessage(ctx, token, tenant, mb, mail, msg)
		if !complete {
			prefixClean = false
		}
		if prefixClean {
			cursor = msg.ReceivedAt
			advance = true
		}
	}

	if advance {
		encoded := cursor.UTC().Format(cursorLayout)
		if err := p.directory.UpdateMailboxCursor(ctx, mb.ID, encoded); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
		p.log.Info("cursor advanced",
			zap.String("mailbox", mb.Address),
			zap.String("cursor", encoded),
			zap.Int("messages", len(messages)))
	}
	return nil
}

// processMessage archives every new attachment of one message and reports
// whether the message completed without failures.
func (p *Poller) processMessage(ctx context.Context, token string, tenant *store.Tenant, mb *store.Mailbox, mail MailClient, msg graph.Message) bool {
	attachments, err := mail.ListAttachments(ctx, mb.Address, msg.ID)
	if err != nil {
		p.log.Error("fetch attachments", zap.String("message_id", msg.ID), zap.Error(err))
		return false
	}

	complete := true
	for _, att := range attachments {
		sourceID := usage.SourceID(msg.ID, att.ID)

		exists, err := p.ledger.Exists(ctx, tenant.ID, sourceID)
		if err != nil {
			p.log.Error("dedup check", zap.String("source_id", sourceID), zap.Error(err))
			complete = false
			continue
		}
		if exists {
			p.log.Debug("attachment already archived", zap.String("source_id", sourceID))
			continue
		}

		// Content hash is audit metadata only; dedup stays keyed on the
		// source id.
		sum := sha256.Sum256(att.Content)
		hash := hex.EncodeToString(sum[:])

		res, err := p.uploader.Upload(ctx, token, mb.Address, msg.ReceivedAt, att.Name, att.Content)
		if err != nil {
			p.log.Error("archive attachment",
				zap.String("source_id", sourceID),
				zap.String("file", att.Name),
				zap.Error(err))
			complete = false
			continue
		}

		err = p.ledger.Record(ctx, tenant.ID, usage.Event{
			SourceID:        sourceID,
			FileName:        att.Name,
			FileSize:        int64(len(att.Content)),
			ContentHash:     hash,
			DestinationPath: res.Path,
			WebURL:          res.WebURL,
			OccurredAt:      time.Now().UTC(),
		})
		if errors.Is(err, store.ErrDuplicate) {
			// Lost a race with another recorder; the upload exists, the
			// event exists, nothing left to do.
			p.log.Info("usage event already recorded", zap.String("source_id", sourceID))
			continue
		}
		if err != nil {
			p.log.Error("record usage", zap.String("source_id", sourceID), zap.Error(err))
			complete = false
		}
	}
	return complete
}

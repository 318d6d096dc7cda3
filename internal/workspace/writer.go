package workspace

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const (
	opWriterNew     = "workspace.update_writer.new"
	opWriterEnqueue = "workspace.update_writer.enqueue"

	defaultMailboxSize = 256
)

// PersistedFunc is invoked by the writer after a delta has been durably
// appended and counted, typically to relay it to other subscribers.
type PersistedFunc func(update Update)

// UpdateWriterConfig describes the dependencies of the per-workspace writer.
type UpdateWriterConfig struct {
	Updates     *UpdateStore
	Cache       *StateCache
	MailboxSize int
	Logger      *zap.Logger
}

// UpdateWriter serializes all delta persistence for a workspace through one
// writer goroutine with a bounded FIFO mailbox. The network receive path
// hands off asynchronously via Enqueue and never blocks on the durable
// write; deltas already enqueued survive the submitting session's disconnect
// because persistence runs detached from any connection context.
type UpdateWriter struct {
	mu          sync.Mutex
	actors      map[string]chan pendingUpdate
	updates     *UpdateStore
	cache       *StateCache
	mailboxSize int
	logger      *zap.Logger
	senders     sync.WaitGroup
	wg          sync.WaitGroup
	closed      bool
}

type pendingUpdate struct {
	payload     []byte
	userID      string
	onPersisted PersistedFunc
}

// NewUpdateWriter constructs the writer.
func NewUpdateWriter(cfg UpdateWriterConfig) (*UpdateWriter, error) {
	if cfg.Updates == nil {
		return nil, newServiceError(opWriterNew, "missing_update_store", errMissingUpdateStore)
	}
	if cfg.Cache == nil {
		return nil, newServiceError(opWriterNew, "missing_state_cache", errMissingStateCache)
	}
	mailboxSize := cfg.MailboxSize
	if mailboxSize <= 0 {
		mailboxSize = defaultMailboxSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UpdateWriter{
		actors:      make(map[string]chan pendingUpdate),
		updates:     cfg.Updates,
		cache:       cfg.Cache,
		mailboxSize: mailboxSize,
		logger:      logger,
	}, nil
}

// Enqueue hands a delta to the workspace's writer goroutine. Submission
// order is preserved per workspace; a full mailbox applies backpressure to
// the caller rather than dropping the delta.
func (w *UpdateWriter) Enqueue(workspaceID string, payload []byte, userID string, onPersisted PersistedFunc) error {
	if workspaceID == "" {
		return newServiceError(opWriterEnqueue, "missing_workspace_id", errMissingWorkspaceID)
	}
	if userID == "" {
		return newServiceError(opWriterEnqueue, "missing_user_id", errMissingUserID)
	}

	mailbox, err := w.mailboxFor(workspaceID)
	if err != nil {
		return err
	}
	defer w.senders.Done()
	mailbox <- pendingUpdate{
		payload:     append([]byte(nil), payload...),
		userID:      userID,
		onPersisted: onPersisted,
	}
	return nil
}

// Close stops accepting deltas and waits for every mailbox to drain. Senders
// already past the closed check finish their sends before the mailboxes are
// closed; the actors keep consuming until then, so no sender blocks forever.
func (w *UpdateWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	mailboxes := make([]chan pendingUpdate, 0, len(w.actors))
	for _, mailbox := range w.actors {
		mailboxes = append(mailboxes, mailbox)
	}
	w.mu.Unlock()

	w.senders.Wait()
	for _, mailbox := range mailboxes {
		close(mailbox)
	}
	w.wg.Wait()
}

// mailboxFor registers the caller as an in-flight sender under the same lock
// that gates closed, so Close never closes a mailbox while a send is pending.
// The caller must release the registration with senders.Done after its send.
func (w *UpdateWriter) mailboxFor(workspaceID string) (chan pendingUpdate, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, newServiceError(opWriterEnqueue, "writer_closed", errWriterClosed)
	}
	mailbox, ok := w.actors[workspaceID]
	if !ok {
		mailbox = make(chan pendingUpdate, w.mailboxSize)
		w.actors[workspaceID] = mailbox
		w.wg.Add(1)
		go w.run(workspaceID, mailbox)
	}
	w.senders.Add(1)
	return mailbox, nil
}

func (w *UpdateWriter) run(workspaceID string, mailbox chan pendingUpdate) {
	defer w.wg.Done()
	for pending := range mailbox {
		// Persistence is detached from any session context on purpose:
		// an accepted delta must be written even if the sender is gone.
		update, saved, err := w.updates.SaveUpdate(context.Background(), workspaceID, pending.payload, pending.userID)
		if err != nil {
			w.logger.Error("delta persistence failed",
				zap.String(fieldWorkspaceID, workspaceID),
				zap.String(fieldUserID, pending.userID),
				zap.Error(err))
			continue
		}
		if !saved {
			continue
		}
		if err := w.cache.RecordAccepted(context.Background(), workspaceID, update); err != nil {
			w.logger.Error("recording accepted delta failed",
				zap.String(fieldWorkspaceID, workspaceID),
				zap.Error(err))
		}
		if pending.onPersisted != nil {
			pending.onPersisted(update)
		}
	}
}

// Package fanout is the single choke point (C10) that resolves a
// destination — direct user, group, or broadcast — serialises a
// response, writes it to each live recipient socket, and enqueues push
// jobs for recipients with stored device tokens.
package fanout

import (
	"context"
	"encoding/json"
	"log/slog"

	"betterfly/internal/protocol"
	"betterfly/internal/push"
	"betterfly/internal/queue"
	"betterfly/internal/registry"
	"betterfly/internal/store"
)

// Fanout holds the collaborators needed to resolve and deliver messages.
type Fanout struct {
	reg    *registry.Registry
	st     *store.Store
	queues *queue.Queues
	cipher protocol.Cipher
}

// New builds a Fanout.
func New(reg *registry.Registry, st *store.Store, queues *queue.Queues, cipher protocol.Cipher) *Fanout {
	if cipher == nil {
		cipher = protocol.Identity
	}
	return &Fanout{reg: reg, st: st, queues: queues, cipher: cipher}
}

func (f *Fanout) write(entry *registry.Entry, resp protocol.Response) {
	plain, err := json.Marshal(resp)
	if err != nil {
		slog.Error("fanout: marshal response", "err", err)
		return
	}
	sealed, err := f.cipher.Seal(plain)
	if err != nil {
		slog.Error("fanout: seal frame", "err", err)
		return
	}
	if _, err := entry.Conn.Write(sealed); err != nil {
		slog.Warn("fanout: write failed", "fd", entry.FD, "err", err)
	}
}

func (f *Fanout) enqueuePush(ctx context.Context, userID int, name, msgType, text string) {
	tokens, err := f.st.QueryUserAPNsTokens(ctx, userID)
	if err != nil {
		slog.Warn("fanout: query apns tokens failed", "user_id", userID, "err", err)
		return
	}
	body := push.PreviewBody(msgType, text)
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		select {
		case f.queues.Push <- queue.PushJob{Token: tok, DisplayName: name, Body: body, UserID: userID}:
		default:
			slog.Warn("fanout: push queue full, dropping job", "user_id", userID)
		}
	}
}

// DeliverToUser writes resp to toUserID's live socket, if any, and — when
// withPush is set and toUserID isn't the sender — enqueues one push job
// per stored device token regardless of whether the user is online.
func (f *Fanout) DeliverToUser(ctx context.Context, toUserID int, resp protocol.Response, withPush bool, fromID int, senderName, msgType, text string) {
	if withPush && toUserID != fromID {
		f.enqueuePush(ctx, toUserID, senderName, msgType, text)
	}
	if entry, ok := f.reg.LookupByUser(toUserID); ok {
		f.write(entry, resp)
	}
}

// DeliverGroup delivers resp to every member of groupID except fromID.
func (f *Fanout) DeliverGroup(ctx context.Context, groupID int, resp protocol.Response, fromID int, withPush bool, senderName, msgType, text string) error {
	members, err := f.st.QueryGroupUser(ctx, groupID)
	if err != nil {
		return err
	}
	for _, uid := range members {
		if uid == fromID {
			continue
		}
		f.DeliverToUser(ctx, uid, resp, withPush, fromID, senderName, msgType, text)
	}
	return nil
}

// Broadcast delivers resp to every authenticated session except fromID.
// Broadcasts never enqueue push (per §4.9: is_group ∧ to_id=-1 → no push).
// It snapshots the member list before iterating, per §5's requirement to
// avoid iterator invalidation from concurrent registry mutation.
func (f *Fanout) Broadcast(resp protocol.Response, fromID int) {
	for _, entry := range f.reg.SnapshotAuthenticated() {
		if entry.UserID == fromID {
			continue
		}
		f.write(entry, resp)
	}
}

// Package lifecycle runs the three workers that drive connection
// lifecycle off the shared queues: Login/handshake processing for
// staged descriptors, socket teardown, and push delivery with
// invalid-token purge.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"betterfly/internal/protocol"
	"betterfly/internal/push"
	"betterfly/internal/queue"
	"betterfly/internal/registry"
	"betterfly/internal/store"
)

// Workers bundles the collaborators the three loops need.
type Workers struct {
	reg    *registry.Registry
	st     *store.Store
	pushgw *push.Gateway
	queues *queue.Queues
	cipher protocol.Cipher
}

// New builds a Workers set. pushgw may be nil if push delivery is
// disabled; the push worker then drains jobs as no-ops.
func New(reg *registry.Registry, st *store.Store, pushgw *push.Gateway, queues *queue.Queues, cipher protocol.Cipher) *Workers {
	if cipher == nil {
		cipher = protocol.Identity
	}
	return &Workers{reg: reg, st: st, pushgw: pushgw, queues: queues, cipher: cipher}
}

// RunInitialize consumes queue.Initialize: for each staged fd it reads one
// batch, requires the first decoded frame to be a Login, and either
// promotes the session (welcome + offline sync) or enqueues a disconnect:
// non-abnormal for a rejected or malformed handshake, abnormal when the
// last-login lookup fails or the login is refused as a duplicate.
func (w *Workers) RunInitialize(ctx context.Context) {
	for fd := range w.queues.Initialize {
		w.initializeOne(ctx, fd)
	}
}

func (w *Workers) initializeOne(ctx context.Context, fd int) {
	entry, ok := w.reg.StagedEntry(fd)
	if !ok {
		return
	}

	// A handshake batch that never arrives, fails to decode, or doesn't
	// lead with Login is an orderly rejection, not an abnormal socket
	// failure — the reference initialize_client disconnects all of
	// these non-abnormally (disconnect_queue.put((fileno, False))).
	buf := make([]byte, 40960)
	n, err := entry.Conn.Read(buf)
	if err != nil {
		w.enqueueDisconnect(fd, false)
		return
	}

	plain, err := w.cipher.Open(buf[:n])
	if err != nil {
		slog.Warn("lifecycle: cipher open failed during handshake", "fd", fd, "err", err)
		w.enqueueDisconnect(fd, false)
		return
	}

	frames, err := protocol.Decode(plain)
	if err != nil || len(frames) == 0 {
		slog.Warn("lifecycle: no frames in handshake batch", "fd", fd)
		w.enqueueDisconnect(fd, false)
		return
	}

	req, err := protocol.ParseRequest(frames[0])
	if err != nil {
		slog.Warn("lifecycle: malformed handshake frame", "fd", fd, "err", err)
		w.enqueueDisconnect(fd, false)
		return
	}
	login, ok := req.(protocol.LoginRequest)
	if !ok {
		slog.Warn("lifecycle: first frame was not Login", "fd", fd, "kind", req.Kind())
		w.enqueueDisconnect(fd, false)
		return
	}

	lastLogin, err := w.st.LastLogin(ctx, login.From)
	if err != nil {
		slog.Error("lifecycle: lookup last login failed", "fd", fd, "err", err)
		w.enqueueDisconnect(fd, true)
		return
	}

	promoted, err := w.reg.Promote(fd, login.From, login.Name)
	if err != nil {
		slog.Warn("lifecycle: login rejected", "fd", fd, "user_id", login.From, "err", err)
		w.writeDirect(entry, protocol.Refused())
		w.enqueueDisconnect(fd, true)
		return
	}

	if err := w.st.Login(ctx, login.From, login.Name, time.Now()); err != nil {
		slog.Error("lifecycle: persist login failed", "fd", fd, "err", err)
	}
	if login.UserAPNsToken != "" {
		if err := w.st.InsertUserAPNsToken(ctx, login.From, login.UserAPNsToken); err != nil {
			slog.Warn("lifecycle: persist apns token at login failed", "fd", fd, "err", err)
		}
	}

	w.writeDirect(promoted, protocol.Server("Welcome to Betterfly, "+login.Name+"!"))
	w.syncOffline(ctx, promoted, login.From, lastLogin)
}

// syncOffline replays every message addressed to userID since its last
// login, oldest first, as ordinary Post frames. Push is never triggered
// for sync replay (§4.10): the recipient is, by definition, connected now.
func (w *Workers) syncOffline(ctx context.Context, entry *registry.Entry, userID int, lastLogin time.Time) {
	rows, err := w.st.QuerySyncMessage(ctx, userID, lastLogin)
	if err != nil {
		slog.Warn("lifecycle: offline sync query failed", "user_id", userID, "err", err)
		return
	}
	for _, row := range rows {
		name, err := w.st.QueryUserName(ctx, row.From)
		if err != nil {
			slog.Warn("lifecycle: sync sender lookup failed", "from", row.From, "err", err)
		}
		resp := protocol.Post(row.From, row.To, name, row.Text, row.MsgType, row.IsGroup, row.Ts)
		w.writeDirect(entry, resp)
	}
}

func (w *Workers) writeDirect(entry *registry.Entry, resp protocol.Response) {
	plain, err := resp.MarshalJSON()
	if err != nil {
		slog.Error("lifecycle: marshal response", "err", err)
		return
	}
	sealed, err := w.cipher.Seal(plain)
	if err != nil {
		slog.Error("lifecycle: seal frame", "err", err)
		return
	}
	if _, err := entry.Conn.Write(sealed); err != nil {
		slog.Warn("lifecycle: write failed", "fd", entry.FD, "err", err)
	}
}

func (w *Workers) enqueueDisconnect(fd int, abnormal bool) {
	select {
	case w.queues.Disconnect <- queue.DisconnectJob{FD: fd, Abnormal: abnormal}:
	default:
		slog.Warn("lifecycle: disconnect queue full", "fd", fd)
	}
}

// RunDisconnect consumes queue.Disconnect: it removes the entry from the
// registry, sends a farewell only for orderly (non-abnormal) closures,
// and closes the socket.
func (w *Workers) RunDisconnect(ctx context.Context) {
	for job := range w.queues.Disconnect {
		w.disconnectOne(job)
	}
}

func (w *Workers) disconnectOne(job queue.DisconnectJob) {
	entry, ok := w.reg.DropByFd(job.FD)
	if !ok {
		return
	}
	if !job.Abnormal {
		w.writeDirect(entry, protocol.Server("Goodbye!"))
	}
	if err := entry.Conn.Close(); err != nil {
		slog.Debug("lifecycle: close on teardown", "fd", job.FD, "err", err)
	}
}

// RunPush consumes queue.Push: it sends one notification per job and, on
// an invalid-token result, purges the token from persistence so future
// fan-out stops retrying it.
func (w *Workers) RunPush(ctx context.Context) {
	for job := range w.queues.Push {
		w.pushOne(ctx, job)
	}
}

func (w *Workers) pushOne(ctx context.Context, job queue.PushJob) {
	if w.pushgw == nil {
		return
	}
	result, err := w.pushgw.Send(ctx, job.Token, push.Payload{Title: job.DisplayName, Body: job.Body})
	if err != nil {
		slog.Warn("lifecycle: push send failed", "user_id", job.UserID, "err", err)
		return
	}
	if result == push.ResultInvalidToken {
		if err := w.st.DeleteUserAPNsToken(ctx, job.UserID, job.Token); err != nil {
			slog.Warn("lifecycle: purge invalid token failed", "user_id", job.UserID, "err", err)
		}
	}
}

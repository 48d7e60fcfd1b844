// Package dispatch implements the per-kind request dispatcher (C9): it
// reads one batch from an authenticated descriptor, decodes frames, and
// executes the handler table from §4.8 — routing, persistence, and push
// enqueue for each request kind.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"betterfly/internal/fanout"
	"betterfly/internal/objectstore"
	"betterfly/internal/protocol"
	"betterfly/internal/queue"
	"betterfly/internal/registry"
	"betterfly/internal/store"
)

// Dispatcher holds every collaborator a handler might need.
type Dispatcher struct {
	reg    *registry.Registry
	st     *store.Store
	fan    *fanout.Fanout
	objs   *objectstore.Gateway
	queues *queue.Queues
	cipher protocol.Cipher
}

// New builds a Dispatcher.
func New(reg *registry.Registry, st *store.Store, fan *fanout.Fanout, objs *objectstore.Gateway, queues *queue.Queues, cipher protocol.Cipher) *Dispatcher {
	if cipher == nil {
		cipher = protocol.Identity
	}
	return &Dispatcher{reg: reg, st: st, fan: fan, objs: objs, queues: queues, cipher: cipher}
}

// HandleData runs inside the dispatch pool: it reads one batch from fd's
// socket, decodes N frames, and dispatches each in order. Per-fd
// serialisation is the caller's responsibility (the reactor holds the
// registry entry's single-flight lock for the duration of this call).
func (d *Dispatcher) HandleData(ctx context.Context, fd int) {
	entry, ok := d.reg.AuthenticatedEntry(fd)
	if !ok {
		slog.Warn("dispatch: fd not authenticated, dropping", "fd", fd)
		return
	}

	buf := make([]byte, 40960)
	n, err := entry.Conn.Read(buf)
	if err != nil {
		d.enqueueDisconnect(fd, true)
		return
	}

	plain, err := d.cipher.Open(buf[:n])
	if err != nil {
		slog.Warn("dispatch: cipher open failed", "fd", fd, "err", err)
		d.enqueueDisconnect(fd, true)
		return
	}

	frames, err := protocol.Decode(plain)
	if err != nil {
		slog.Warn("dispatch: decode failed", "fd", fd, "err", err)
		return
	}

	for _, frame := range frames {
		req, err := protocol.ParseRequest(frame)
		if err != nil {
			slog.Warn("dispatch: malformed frame", "fd", fd, "err", err)
			continue
		}
		if stop := d.dispatch(ctx, entry, req); stop {
			return
		}
	}
}

func (d *Dispatcher) enqueueDisconnect(fd int, abnormal bool) {
	select {
	case d.queues.Disconnect <- queue.DisconnectJob{FD: fd, Abnormal: abnormal}:
	default:
		slog.Warn("dispatch: disconnect queue full", "fd", fd)
	}
}

// dispatch executes one request's handler. It returns true if the caller
// should stop processing further frames for this fd (Exit).
func (d *Dispatcher) dispatch(ctx context.Context, entry *registry.Entry, req protocol.Request) bool {
	switch r := req.(type) {
	case protocol.ExitRequest:
		d.enqueueDisconnect(entry.FD, false)
		return true
	case protocol.PostRequest:
		d.handlePost(ctx, entry, r)
	case protocol.QueryUserRequest:
		d.handleQueryUser(ctx, entry, r)
	case protocol.InsertContactRequest:
		d.handleInsertContact(ctx, entry, r)
	case protocol.QueryGroupRequest:
		d.handleQueryGroup(ctx, entry, r)
	case protocol.InsertGroupRequest:
		d.handleInsertGroup(ctx, entry, r)
	case protocol.InsertGroupUserRequest:
		d.handleInsertGroupUser(ctx, entry, r)
	case protocol.FileRequest:
		d.handleFile(ctx, entry, r)
	case protocol.APNsTokenRequest:
		d.handleAPNsToken(ctx, entry, r)
	case protocol.UpdateAvatarRequest:
		d.handleUpdateAvatar(ctx, entry, r)
	case protocol.KeyRequest:
		// reserved, accepted and ignored
	default:
		slog.Info("dispatch: unknown request kind, ignoring", "kind", fmt.Sprintf("%T", req))
	}
	return false
}

func (d *Dispatcher) dropOnTransient(ctx context.Context, entry *registry.Entry, err error, op string) bool {
	if err == nil {
		return false
	}
	if strings.Contains(err.Error(), "transient") {
		slog.Warn("dispatch: transient store failure, dropping operation", "op", op, "fd", entry.FD, "err", err)
		return true
	}
	slog.Error("dispatch: fatal store failure, disconnecting", "op", op, "fd", entry.FD, "err", err)
	d.enqueueDisconnect(entry.FD, true)
	return true
}

func (d *Dispatcher) handlePost(ctx context.Context, entry *registry.Entry, r protocol.PostRequest) {
	now := time.Now()
	if err := d.st.InsertMessage(ctx, r.From, r.To, now, r.Msg, r.MsgType, r.IsGroup); err != nil {
		if d.dropOnTransient(ctx, entry, err, "insert_message") {
			return
		}
	}
	resp := protocol.Post(r.From, r.To, r.Name, r.Msg, r.MsgType, r.IsGroup, now)

	if r.IsGroup && r.To == -1 {
		d.fan.Broadcast(resp, r.From)
		return
	}
	if r.IsGroup {
		if err := d.fan.DeliverGroup(ctx, r.To, resp, r.From, true, r.Name, r.MsgType, r.Msg); err != nil {
			d.dropOnTransient(ctx, entry, err, "deliver_group")
		}
		return
	}
	// Direct message: echo to sender (no push), then deliver to recipient
	// with push enabled if distinct from the sender.
	d.fan.DeliverToUser(ctx, r.From, resp, false, r.From, r.Name, r.MsgType, r.Msg)
	if r.To != r.From {
		d.fan.DeliverToUser(ctx, r.To, resp, true, r.From, r.Name, r.MsgType, r.Msg)
	}
}

func (d *Dispatcher) handleQueryUser(ctx context.Context, entry *registry.Entry, r protocol.QueryUserRequest) {
	name, avatar, err := d.st.QueryUser(ctx, r.To)
	if d.dropOnTransient(ctx, entry, err, "query_user") {
		return
	}
	resp := protocol.UserInfo(r.To, name+"."+avatar)
	d.fan.DeliverToUser(ctx, entry.UserID, resp, false, entry.UserID, "", "", "")
}

func (d *Dispatcher) sendHello(ctx context.Context, entry *registry.Entry, fromID, toID int, fromName, msg string, isGroup bool) protocol.Response {
	resp := protocol.Hello(fromID, toID, fromName, msg, isGroup)
	if err := d.st.InsertMessage(ctx, fromID, toID, resp.Timestamp, msg, "text", isGroup); err != nil {
		slog.Warn("dispatch: failed to persist hello", "err", err)
	}
	return resp
}

func (d *Dispatcher) handleInsertContact(ctx context.Context, entry *registry.Entry, r protocol.InsertContactRequest) {
	if err := d.st.InsertContact(ctx, r.From, r.To); d.dropOnTransient(ctx, entry, err, "insert_contact") {
		return
	}
	name, _, _ := d.st.QueryUser(ctx, r.From)
	hello := d.sendHello(ctx, entry, r.From, r.To, name, "Hello", false)
	d.fan.DeliverToUser(ctx, r.From, hello, false, r.From, name, "", "")
	d.fan.DeliverToUser(ctx, r.To, hello, false, r.From, name, "", "")
}

func (d *Dispatcher) handleQueryGroup(ctx context.Context, entry *registry.Entry, r protocol.QueryGroupRequest) {
	name, avatar, err := d.st.QueryGroup(ctx, r.To)
	if d.dropOnTransient(ctx, entry, err, "query_group") {
		return
	}
	duringAdd := r.Msg != ""
	resp := protocol.GroupInfo(r.To, name+"."+avatar, duringAdd)
	d.fan.DeliverToUser(ctx, entry.UserID, resp, false, entry.UserID, "", "", "")
}

func (d *Dispatcher) handleInsertGroup(ctx context.Context, entry *registry.Entry, r protocol.InsertGroupRequest) {
	if err := d.st.InsertGroup(ctx, r.To, r.Msg); d.dropOnTransient(ctx, entry, err, "insert_group") {
		return
	}
	if err := d.st.InsertGroupUser(ctx, r.To, r.From); d.dropOnTransient(ctx, entry, err, "insert_group_user") {
		return
	}
	hello := d.sendHello(ctx, entry, 0, r.To, "", r.Msg, true)
	if err := d.fan.DeliverGroup(ctx, r.To, hello, r.From, false, "", "", ""); err != nil {
		slog.Warn("dispatch: broadcast group hello failed", "err", err)
	}
	// DeliverGroup excludes r.From (the creator) from the member loop, so
	// the creator is delivered to separately here.
	d.fan.DeliverToUser(ctx, r.From, hello, false, r.From, "", "", "")
}

func (d *Dispatcher) handleInsertGroupUser(ctx context.Context, entry *registry.Entry, r protocol.InsertGroupUserRequest) {
	if err := d.st.InsertGroupUser(ctx, r.To, r.From); d.dropOnTransient(ctx, entry, err, "insert_group_user") {
		return
	}
	name, _, _ := d.st.QueryUser(ctx, r.From)
	hello := d.sendHello(ctx, entry, r.From, r.To, name, "Hi", true)
	if err := d.fan.DeliverGroup(ctx, r.To, hello, -1, false, "", "", ""); err != nil {
		slog.Warn("dispatch: broadcast group-user hello failed", "err", err)
	}
}

func (d *Dispatcher) handleFile(ctx context.Context, entry *registry.Entry, r protocol.FileRequest) {
	exists, err := d.st.QueryFile(ctx, r.FileHash, r.FileSuffix)
	if d.dropOnTransient(ctx, entry, err, "query_file") {
		return
	}
	fileName := r.FileHash + "." + r.FileSuffix

	switch r.Operation {
	case "upload":
		var resp protocol.Response
		if !exists {
			if err := d.st.InsertFile(ctx, r.FileHash, r.FileSuffix); d.dropOnTransient(ctx, entry, err, "insert_file") {
				return
			}
			url := d.objs.PresignedUpload(fileName)
			resp = protocol.Upload(fileName, url)
		} else {
			resp = protocol.Upload(fileName, "Existed")
		}
		d.fan.DeliverToUser(ctx, entry.UserID, resp, false, entry.UserID, "", "", "")
	case "download":
		var resp protocol.Response
		if !exists {
			resp = protocol.Download(fileName, "Not Exist")
		} else {
			url := d.objs.PresignedDownload(fileName)
			resp = protocol.Download(fileName, url)
		}
		d.fan.DeliverToUser(ctx, entry.UserID, resp, false, entry.UserID, "", "", "")
	default:
		slog.Warn("dispatch: unknown file operation", "operation", r.Operation)
	}
}

func (d *Dispatcher) handleAPNsToken(ctx context.Context, entry *registry.Entry, r protocol.APNsTokenRequest) {
	if err := d.st.InsertUserAPNsToken(ctx, r.From, r.APNsToken); err != nil {
		d.dropOnTransient(ctx, entry, err, "insert_user_apns_token")
	}
}

func (d *Dispatcher) handleUpdateAvatar(ctx context.Context, entry *registry.Entry, r protocol.UpdateAvatarRequest) {
	if r.IsGroup {
		if err := d.st.UpdateGroupAvatar(ctx, r.To, r.Msg); d.dropOnTransient(ctx, entry, err, "update_group_avatar") {
			return
		}
		name, avatar, _ := d.st.QueryGroup(ctx, r.To)
		resp := protocol.GroupInfo(r.To, name+"."+avatar, false)
		if err := d.fan.DeliverGroup(ctx, r.To, resp, -1, false, "", "", ""); err != nil {
			slog.Warn("dispatch: avatar refresh broadcast failed", "err", err)
		}
		return
	}
	if err := d.st.UpdateUserAvatar(ctx, r.From, r.Msg); d.dropOnTransient(ctx, entry, err, "update_user_avatar") {
		return
	}
	name, avatar, _ := d.st.QueryUser(ctx, r.From)
	resp := protocol.UserInfo(r.From, name+"."+avatar)
	d.fan.DeliverToUser(ctx, r.From, resp, false, r.From, "", "", "")
}

//go:build linux

// Package reactor runs the epoll event loop: it accepts new connections,
// stages them, and classifies every readable/hangup event exactly the
// way the reference EpollChatServer did — readable-and-authenticated
// goes to a bounded dispatch pool, readable-and-staged goes to the
// initialize queue, and HUP/ERR goes to the disconnect queue.
package reactor

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"betterfly/internal/dispatch"
	"betterfly/internal/queue"
	"betterfly/internal/registry"
)

const (
	// maxDispatchWorkers bounds the goroutine pool draining readable
	// authenticated descriptors, mirroring MAX_WORKER in the reference.
	maxDispatchWorkers = 16
	pollTimeoutMillis  = 1000
)

// Reactor owns the listening socket, the epoll fd, and the bounded
// dispatch worker pool.
type Reactor struct {
	epfd     int
	listener *net.TCPListener
	listenFd int

	reg     *registry.Registry
	queues  *queue.Queues
	disp    *dispatch.Dispatcher
	workers chan struct{}

	mu     sync.Mutex
	fdConn map[int]net.Conn
}

// New creates the epoll fd and registers the listener for read events.
func New(listener *net.TCPListener, reg *registry.Registry, queues *queue.Queues, disp *dispatch.Dispatcher) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	sysconn, err := listener.SyscallConn()
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	var listenFd int
	var ctlErr error
	err = sysconn.Control(func(fd uintptr) {
		listenFd = int(fd)
		ctlErr = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, listenFd, &unix.EpollEvent{
			Events: unix.EPOLLIN,
			Fd:     int32(listenFd),
		})
	})
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	if ctlErr != nil {
		unix.Close(epfd)
		return nil, ctlErr
	}

	return &Reactor{
		epfd:     epfd,
		listener: listener,
		listenFd: listenFd,
		reg:      reg,
		queues:   queues,
		disp:     disp,
		workers:  make(chan struct{}, maxDispatchWorkers),
		fdConn:   make(map[int]net.Conn),
	}, nil
}

// Run polls for events until ctx is cancelled.
func (r *Reactor) Run(ctx context.Context) {
	events := make([]unix.EpollEvent, 256)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := unix.EpollWait(r.epfd, events, pollTimeoutMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			slog.Error("reactor: epoll_wait failed", "err", err)
			continue
		}
		for i := 0; i < n; i++ {
			r.handleEvent(ctx, events[i])
		}
	}
}

func (r *Reactor) handleEvent(ctx context.Context, ev unix.EpollEvent) {
	fd := int(ev.Fd)

	if fd == r.listenFd {
		r.acceptClient()
		return
	}

	if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		select {
		case r.queues.Disconnect <- queue.DisconnectJob{FD: fd, Abnormal: true}:
		default:
			slog.Warn("reactor: disconnect queue full", "fd", fd)
		}
		return
	}

	if ev.Events&unix.EPOLLIN == 0 {
		return
	}

	if _, ok := r.reg.AuthenticatedEntry(fd); ok {
		r.submitDispatch(ctx, fd)
		return
	}
	if r.reg.IsStaged(fd) {
		select {
		case r.queues.Initialize <- fd:
		default:
			slog.Warn("reactor: initialize queue full", "fd", fd)
		}
		return
	}
	slog.Warn("reactor: event for unknown fd, unregistering", "fd", fd)
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// submitDispatch hands fd to the bounded worker pool. A per-fd TryLock
// on the registry entry keeps a slow client from holding a worker slot
// hostage while a second readable event for the same fd arrives.
func (r *Reactor) submitDispatch(ctx context.Context, fd int) {
	entry, ok := r.reg.AuthenticatedEntry(fd)
	if !ok {
		return
	}
	if !entry.TryLock() {
		return
	}
	select {
	case r.workers <- struct{}{}:
		go func() {
			defer func() { <-r.workers }()
			defer entry.Unlock()
			r.disp.HandleData(ctx, fd)
		}()
	default:
		entry.Unlock()
		slog.Warn("reactor: dispatch pool saturated, deferring fd", "fd", fd)
	}
}

func (r *Reactor) acceptClient() {
	conn, err := r.listener.Accept()
	if err != nil {
		slog.Error("reactor: accept failed", "err", err)
		return
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return
	}
	sysconn, err := tcpConn.SyscallConn()
	if err != nil {
		conn.Close()
		return
	}
	var fd int
	var ctlErr error
	err = sysconn.Control(func(rawFd uintptr) {
		fd = int(rawFd)
		ctlErr = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
			Events: unix.EPOLLIN,
			Fd:     int32(fd),
		})
	})
	if err != nil || ctlErr != nil {
		slog.Error("reactor: epoll_ctl add failed", "err", err, "ctlErr", ctlErr)
		conn.Close()
		return
	}

	r.mu.Lock()
	r.fdConn[fd] = conn
	r.mu.Unlock()

	r.reg.Stage(fd, conn, conn.RemoteAddr())
	slog.Info("reactor: new connection", "fd", fd, "peer", conn.RemoteAddr().String(), "at", time.Now().Format(time.RFC3339))
}

// Close tears down the epoll fd and listener.
func (r *Reactor) Close() error {
	unix.Close(r.epfd)
	return r.listener.Close()
}

// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/subcommands"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gvisor.dev/fusebridge/pkg/cleanup"
	"gvisor.dev/fusebridge/pkg/fuse"
	"gvisor.dev/fusebridge/pkg/log"
	"gvisor.dev/fusebridge/runfuse/cmd/util"
	"gvisor.dev/fusebridge/runfuse/config"
)

// unmountTimeout bounds the FUSE_DESTROY exchange on shutdown.
const unmountTimeout = 5 * time.Second

// Serve implements subcommands.Command for the "serve" command.
type Serve struct{}

// Name implements subcommands.Command.Name.
func (*Serve) Name() string {
	return "serve"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Serve) Synopsis() string {
	return "accept daemon connections and run a session for each"
}

// Usage implements subcommands.Command.Usage.
func (*Serve) Usage() string {
	return `serve --socket=<path> - listen on a unix socket; every daemon that connects gets its own session.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Serve) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Serve) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if conf.Socket == "" {
		return util.Errorf("--socket is required")
	}

	var prompt config.PromptFunc
	if conf.TimeoutPolicy == "prompt" {
		prompt = newTerminalPrompt(os.Stdin, os.Stderr).Prompt
	}
	srv, err := newServer(conf, prompt)
	if err != nil {
		return util.Errorf("serve: %v", err)
	}

	ctx, stop := signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM)
	defer stop()
	if err := srv.run(ctx); err != nil {
		return util.Errorf("serve: %v", err)
	}
	return subcommands.ExitSuccess
}

// server runs one session per daemon connection.
type server struct {
	conf     *config.Config
	prompt   config.PromptFunc
	registry *prometheus.Registry

	mu sync.Mutex

	// +checklocks:mu
	sessions map[string]*fuse.Session
}

func newServer(conf *config.Config, prompt config.PromptFunc) (*server, error) {
	// Fail early on options the sessions would reject.
	if _, err := conf.SessionOptions(prompt); err != nil {
		return nil, err
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &server{
		conf:     conf.Clone(),
		prompt:   prompt,
		registry: registry,
		sessions: make(map[string]*fuse.Session),
	}, nil
}

// run listens on the configured socket until ctx is cancelled, or until the
// first session ends with --once.
func (s *server) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lock := flock.New(s.conf.Socket + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("locking %q: %w", lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("%q is served by another process", s.conf.Socket)
	}
	cu := cleanup.Make(func() { lock.Unlock() })
	defer cu.Clean()

	if err := os.Remove(s.conf.Socket); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	l, err := net.Listen("unix", s.conf.Socket)
	if err != nil {
		return fmt.Errorf("listening on %q: %w", s.conf.Socket, err)
	}
	cu.Add(func() {
		l.Close()
		os.Remove(s.conf.Socket)
	})
	util.Infof("Listening on %q", s.conf.Socket)

	g, ctx := errgroup.WithContext(ctx)
	if s.conf.MetricsAddr != "" {
		s.serveMetrics(ctx, g)
	}
	g.Go(func() error {
		<-ctx.Done()
		// Unblock Accept.
		l.Close()
		return nil
	})
	g.Go(func() error {
		return s.accept(ctx, cancel, l.(*net.UnixListener), g)
	})
	return g.Wait()
}

func (s *server) accept(ctx context.Context, cancel context.CancelFunc, l *net.UnixListener, g *errgroup.Group) error {
	for {
		conn, err := l.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting: %w", err)
		}
		if s.conf.Once {
			s.serveConn(ctx, conn)
			cancel()
			return nil
		}
		g.Go(func() error {
			s.serveConn(ctx, conn)
			return nil
		})
	}
}

// peerCredentials returns the identity of the process on the other end of
// conn.
func peerCredentials(conn *net.UnixConn) (fuse.Credentials, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fuse.Credentials{}, err
	}
	var (
		ucred *unix.Ucred
		uerr  error
	)
	if err := raw.Control(func(fd uintptr) {
		ucred, uerr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return fuse.Credentials{}, err
	}
	if uerr != nil {
		return fuse.Credentials{}, fmt.Errorf("SO_PEERCRED: %w", uerr)
	}
	return fuse.Credentials{UID: ucred.Uid, GID: ucred.Gid, PID: uint32(ucred.Pid)}, nil
}

// serveConn runs a session for the daemon on conn until either side goes
// away.
func (s *server) serveConn(ctx context.Context, conn *net.UnixConn) {
	defer conn.Close()
	creds, err := peerCredentials(conn)
	if err != nil {
		log.Warningf("Rejecting daemon connection: %v", err)
		return
	}
	opts, err := s.conf.SessionOptions(s.prompt)
	if err != nil {
		log.Warningf("Rejecting daemon connection: %v", err)
		return
	}
	opts.Daemon = creds
	opts.OnRevoke = func(n *fuse.Node) {
		log.Infof("Volume %q: node %d (%v) is gone", opts.VolumeName, n.ID, n.Type())
	}
	sess := fuse.NewSession(opts)
	defer sess.Destroy()
	log.Infof("Daemon PID %d (UID %d, GID %d) connected, session %s", creds.PID, creds.UID, creds.GID, sess.ID())

	collector := fuse.NewCollector(sess)
	if err := s.registry.Register(collector); err != nil {
		log.Warningf("Session %s has no metrics: %v", sess.ID(), err)
	} else {
		defer s.registry.Unregister(collector)
	}
	s.track(sess)
	defer s.untrack(sess)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The transport outlives ctx so that FUSE_DESTROY can still be
		// delivered on shutdown. It stops once the session is dead.
		return sess.Device().Serve(context.WithoutCancel(gctx), conn)
	})
	g.Go(func() error {
		return mount(gctx, sess)
	})
	if s.conf.StatsInterval > 0 {
		g.Go(func() error {
			dumpStats(gctx, sess, s.conf.StatsInterval)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Warningf("Session %s failed: %v", sess.ID(), err)
	}
	st := sess.Stats()
	log.Infof("Session %s ended: %d requests, %d replies, %d interrupts, %d timeouts", sess.ID(), st.Requests, st.Replies, st.Interrupts, st.Timeouts)
}

// mount performs the handshake and probes the volume, then holds the session
// until the daemon goes away or ctx is cancelled. The session is dead when it
// returns.
func mount(ctx context.Context, sess *fuse.Session) error {
	defer sess.SetDead()
	if err := sess.Init(ctx); err != nil {
		return fmt.Errorf("sending FUSE_INIT: %w", err)
	}
	if err := sess.WaitInitialized(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("handshake: %w", err)
	}
	probe(ctx, sess)

	select {
	case <-sess.Done():
		return nil
	case <-ctx.Done():
	}
	uctx, cancel := context.WithTimeout(context.Background(), unmountTimeout)
	defer cancel()
	if err := sess.Unmount(uctx); err != nil {
		log.Warningf("Session %s: unmount: %v", sess.ID(), err)
	}
	return nil
}

// probe logs what the daemon reports about the volume.
func probe(ctx context.Context, sess *fuse.Session) {
	major, minor := sess.ABIVersion()
	st, err := sess.Statfs(ctx)
	if err != nil {
		log.Warningf("Session %s: statfs: %v", sess.ID(), err)
		return
	}
	attr, err := sess.Getattr(ctx, sess.Root())
	if err != nil {
		log.Warningf("Session %s: getattr of the root: %v", sess.ID(), err)
		return
	}
	log.Infof("Volume %q mounted: protocol %d.%d, max write %d, %d of %d blocks free (%d bytes each), root mode %#o",
		sess.VolumeName(), major, minor, sess.MaxWrite(), st.Bfree, st.Blocks, st.Bsize, attr.Mode)
}

// dumpStats writes the session's metrics to the debug log every interval.
func dumpStats(ctx context.Context, sess *fuse.Session, interval time.Duration) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(fuse.NewCollector(sess))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case <-ticker.C:
		}
		if !log.IsLogging(log.Debug) {
			continue
		}
		families, err := reg.Gather()
		if err != nil {
			log.Warningf("Session %s: gathering stats: %v", sess.ID(), err)
			continue
		}
		var buf bytes.Buffer
		for _, mf := range families {
			if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
				log.Warningf("Session %s: encoding stats: %v", sess.ID(), err)
				break
			}
		}
		log.Debugf("Session %s stats:\n%s", sess.ID(), buf.String())
	}
}

// serveMetrics exports the registry over HTTP until ctx is cancelled.
func (s *server) serveMetrics(ctx context.Context, g *errgroup.Group) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/sessions", s.listSessions)
	hs := &http.Server{Addr: s.conf.MetricsAddr, Handler: mux}
	g.Go(func() error {
		log.Infof("Serving metrics on %q", s.conf.MetricsAddr)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return hs.Shutdown(sctx)
	})
}

func (s *server) track(sess *fuse.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID()] = sess
}

func (s *server) untrack(sess *fuse.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.ID())
}

// listSessions writes one line per live session.
func (s *server) listSessions(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	sessions := make([]*fuse.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, sess := range sessions {
		st := sess.Stats()
		fmt.Fprintf(w, "%s\t%s\t%v\ttickets=%d pending=%d awaiting=%d nodes=%d\n",
			sess.ID(), sess.VolumeName(), st.State, st.Tickets, st.Pending, st.Awaiting, st.Nodes)
	}
}

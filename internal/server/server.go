// Package server is the orchestrator: it owns the TLS listener, wires
// each connection's capture session, pipeline, input, clipboard, and
// multiplexer, and runs the shutdown cascade.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lamco-admin/lamco-rdp/internal/clipboard"
	"github.com/lamco-admin/lamco-rdp/internal/config"
	"github.com/lamco-admin/lamco-rdp/internal/health"
	"github.com/lamco-admin/lamco-rdp/internal/input"
	"github.com/lamco-admin/lamco-rdp/internal/logging"
	"github.com/lamco-admin/lamco-rdp/internal/mux"
	"github.com/lamco-admin/lamco-rdp/internal/pipewire"
	"github.com/lamco-admin/lamco-rdp/internal/rdp"
	"github.com/lamco-admin/lamco-rdp/internal/registry"
	"github.com/lamco-admin/lamco-rdp/internal/session"
	"github.com/lamco-admin/lamco-rdp/internal/tokenstore"
	"github.com/lamco-admin/lamco-rdp/internal/video"
	"github.com/lamco-admin/lamco-rdp/internal/workerpool"
)

var log = logging.L("server")

// egfxReadyTimeout bounds the wait for the client's EGFX capability
// advertisement after the channel handshake.
const egfxReadyTimeout = 10 * time.Second

// Server owns process-wide state: listener, registry, token store,
// worker pool. Per-connection state lives in conn.
type Server struct {
	cfg     *config.Config
	reg     *registry.Registry
	tokens  *tokenstore.Store
	pool    *workerpool.Pool
	factory rdp.ServerFactory
	auth    Authenticator
	tlsConf *tls.Config
	health  *health.Monitor

	// sessionActive enforces the one-session-per-process rule.
	sessionMu     sync.Mutex
	sessionActive bool

	wg sync.WaitGroup
}

// New builds the server. Fails fast on configuration errors (bad TLS
// material, unknown auth method) and on a missing protocol library.
func New(cfg *config.Config, reg *registry.Registry, tokens *tokenstore.Store) (*Server, error) {
	tlsConf, err := LoadTLSConfig(cfg.Security.CertPath, cfg.Security.KeyPath)
	if err != nil {
		return nil, err
	}
	auth, err := NewAuthenticator(cfg.Security.AuthMethod)
	if err != nil {
		return nil, err
	}
	factory := rdp.DefaultFactory()
	if factory == nil {
		return nil, errors.New("server: no RDP protocol library linked into this binary")
	}

	workers := runtime.NumCPU() - 1
	if workers < 2 {
		workers = 2
	}

	return &Server{
		cfg:     cfg,
		reg:     reg,
		tokens:  tokens,
		pool:    workerpool.New(workers, workers*4),
		factory: factory,
		auth:    auth,
		tlsConf: tlsConf,
		health:  health.NewMonitor(),
	}, nil
}

// Run listens and serves until ctx is cancelled, then runs the shutdown
// cascade: stop accepting, cancel per-connection tasks, release
// sessions, drain the worker pool.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Server.ListenAddr, err)
	}
	s.health.Update(health.ComponentListener, health.Healthy, s.cfg.Server.ListenAddr)
	log.Info("listening", "addr", s.cfg.Server.ListenAddr, "auth", s.auth.Method())

	connCtx, cancelConns := context.WithCancel(ctx)
	defer cancelConns()

	go s.statusWriter(connCtx)
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	sem := make(chan struct{}, s.cfg.Server.MaxConnections)
	for {
		netConn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Warn("accept failed", "error", err)
			continue
		}

		select {
		case sem <- struct{}{}:
		default:
			log.Warn("connection limit reached, rejecting", "remote", netConn.RemoteAddr())
			netConn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-sem }()
			s.handleConn(connCtx, netConn)
		}()
	}

	cancelConns()
	s.wg.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.pool.Shutdown(drainCtx)

	log.Info("server stopped")
	return nil
}

// acquireSession reserves the process-wide session slot.
func (s *Server) acquireSession() bool {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	if s.sessionActive {
		return false
	}
	s.sessionActive = true
	return true
}

func (s *Server) releaseSession() {
	s.sessionMu.Lock()
	s.sessionActive = false
	s.sessionMu.Unlock()
}

// handleConn drives one connection. Errors close the connection but
// leave the server running.
func (s *Server) handleConn(ctx context.Context, netConn net.Conn) {
	connID := uuid.NewString()[:8]
	clog := logging.WithConn(log, connID)
	clog.Info("connection accepted", "remote", netConn.RemoteAddr())

	if !s.acquireSession() {
		clog.Warn("capture session already in use, rejecting connection")
		netConn.Close()
		return
	}
	defer s.releaseSession()

	if err := s.serveConn(ctx, netConn, clog); err != nil {
		clog.Error("connection failed", "error", err)
	}
	clog.Info("connection closed")
}

func (s *Server) serveConn(ctx context.Context, netConn net.Conn, clog *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Protocol negotiation. Credentials must be set even for "none".
	creds, err := s.auth.Authenticate("", "", "")
	if err != nil {
		netConn.Close()
		return err
	}
	sconn, err := s.factory.NewConn(netConn, s.tlsConf, creds)
	if err != nil {
		netConn.Close()
		return fmt.Errorf("rdp negotiation: %w", err)
	}
	defer sconn.Close()

	// NLA identity check for auth_method = "pam"; the adapter exposes the
	// client identity when it supports credential passthrough.
	if s.auth.Method() == "pam" {
		type identity interface {
			ClientIdentity() (user, pass, domain string)
		}
		if id, ok := sconn.(identity); ok {
			user, pass, domain := id.ClientIdentity()
			if _, err := s.auth.Authenticate(user, pass, domain); err != nil {
				return err
			}
			clog.Info("authenticated", "user", user)
		} else {
			return errors.New("pam auth requires a protocol adapter with credential passthrough")
		}
	}

	// Capture session.
	strategy, err := session.Select(s.reg, s.tokens)
	if err != nil {
		return err
	}
	handle, err := strategy.Create(ctx)
	if err != nil {
		return fmt.Errorf("create %s session: %w", strategy.Tag(), err)
	}
	defer handle.Stop()
	defer s.health.ConnectionClosed()
	s.health.Update(health.ComponentCapture, health.Healthy, string(strategy.Tag()))

	streams := handle.Streams()
	if len(streams) == 0 {
		return errors.New("session has no streams")
	}
	primary := streams[0]

	conn := &connState{
		server:  s,
		sconn:   sconn,
		handle:  handle,
		primary: primary,
		mux:     mux.New[ControlEvent, rdp.ServerEvent, video.GraphicsFrame](),
	}

	// Input: portal/Mutter injection, wlroots virtual input as fallback.
	injector, injectorTag, injectorCleanup := conn.selectInjector(ctx)
	defer injectorCleanup()
	s.health.Update(health.ComponentInput, health.Healthy, injectorTag)

	clientW, clientH := sconn.Desktop()
	translator := input.NewTranslator(streams, int(clientW), int(clientH))
	batcher := input.NewBatcher(injector, translator)

	display := newDisplayAdapter(conn)
	clipBackend := clipboard.NewBackend()

	sink, err := sconn.RegisterHandlers(newInputAdapter(batcher), display, clipBackend)
	if err != nil {
		return fmt.Errorf("register handlers: %w", err)
	}

	// Clipboard plumbing: same grant under the portal strategy, separate
	// minimal portal session under the direct strategy.
	comp := handle.Clipboard()
	var clipCleanup func()
	if comp == nil && s.cfg.Clipboard.Enabled {
		var err error
		comp, clipCleanup, err = session.NewClipboardOnlySession(ctx)
		if err != nil {
			clog.Warn("clipboard-only portal session unavailable", "error", err)
		}
	}
	if clipCleanup != nil {
		defer clipCleanup()
	}

	var monitor *clipboard.Monitor
	if s.cfg.Clipboard.Enabled {
		if m, err := clipboard.NewMonitor(); err == nil {
			monitor = m
			defer monitor.Stop()
		} else {
			clog.Info("companion clipboard extension not available", "error", err)
		}
	}

	engine := clipboard.NewEngine(
		clipboard.Config{
			MaxSize:     s.cfg.Clipboard.MaxSize,
			RateLimitMs: s.cfg.Clipboard.RateLimitMs,
			Downloads:   config.DownloadsDir(),
		},
		comp, monitor, clipBackend,
		func(ev rdp.ServerEvent) {
			if err := conn.mux.Clipboard.Push(ctx, ev); err != nil {
				clog.Warn("clipboard queue rejected event", "error", err)
			}
		},
	)

	switch {
	case !s.cfg.Clipboard.Enabled:
		s.health.Update(health.ComponentClipboard, health.Idle, "disabled")
	case comp == nil:
		s.health.Update(health.ComponentClipboard, health.Unhealthy, "no clipboard portal session")
	case monitor == nil && s.reg.Level(registry.Clipboard) <= registry.Degraded:
		s.health.Update(health.ComponentClipboard, health.Degraded, s.reg.Get(registry.Clipboard).Reason)
	default:
		s.health.Update(health.ComponentClipboard, health.Healthy, "")
	}

	// Wait for the EGFX channel before building the pipeline: the codec
	// choice depends on negotiated caps.
	caps, err := display.waitReady(ctx)
	if err != nil {
		return err
	}
	codec := s.effectiveCodec(caps)
	clog.Info("graphics channel ready", "codec", codec, "avc444", caps.AVC444)
	if codec == video.Codec(s.cfg.EGFX.Codec) {
		s.health.Update(health.ComponentPipeline, health.Healthy, string(codec))
	} else {
		s.health.Update(health.ComponentPipeline, health.Degraded,
			fmt.Sprintf("%s fallback (configured %s)", codec, s.cfg.EGFX.Codec))
	}

	pipeline, err := video.NewPipeline(video.PipelineConfig{
		Stream:         primary,
		SurfaceID:      1,
		Codec:          codec,
		Bitrate:        s.cfg.EGFX.H264Bitrate,
		TargetFPS:      s.cfg.VideoPipeline.TargetFPS,
		PreferHardware: true,
		Damage: video.DamageConfig{
			Enabled:       s.cfg.VideoPipeline.DamageTracking.Enabled,
			TileSize:      s.cfg.VideoPipeline.DamageTracking.TileSize,
			DiffThreshold: s.cfg.VideoPipeline.DamageTracking.DiffThreshold,
			MergeDistance: s.cfg.VideoPipeline.DamageTracking.MergeDistance,
		},
		AuxOmission: video.AuxOmissionConfig{
			Enabled:          s.cfg.EGFX.AVC444EnableAuxOmission,
			ChangeThreshold:  s.cfg.EGFX.AVC444AuxChangeThreshold,
			MaxInterval:      s.cfg.EGFX.AVC444MaxAuxInterval,
			ForceIDROnReturn: s.cfg.EGFX.AVC444ForceAuxIDROnReturn,
		},
	}, s.reg, s.pool, func(g video.GraphicsFrame) {
		if err := conn.mux.Graphics.Push(ctx, g); err != nil {
			clog.Warn("graphics queue rejected frame", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("frame pipeline: %w", err)
	}
	conn.pipeline = pipeline

	ingest := pipewire.NewIngest(pipewire.IngestConfig{
		Access:     handle.CaptureAccess(),
		Stream:     primary,
		QueueDepth: s.cfg.VideoPipeline.MaxQueueDepth,
	})

	// Per-connection task layout: ingest, pipeline, input batching,
	// graphics drain, clipboard coordination, mux loop, protocol task.
	var tasks sync.WaitGroup
	runTask := func(name string, fn func()) {
		tasks.Add(1)
		go func() {
			defer tasks.Done()
			fn()
			clog.Info("task exited", "task", name)
		}()
	}

	runTask("ingest", func() {
		if err := ingest.Run(ctx); err != nil && ctx.Err() == nil {
			s.health.Fail(health.ComponentCapture, err)
			cancel()
		}
	})
	runTask("pipeline", func() { pipeline.Run(ctx, ingest.Frames()) })
	runTask("input", func() { batcher.Run(ctx) })
	runTask("clipboard", func() { engine.Run(ctx) })
	runTask("mux", func() {
		conn.mux.Run(ctx,
			conn.handleControl,
			func(ev rdp.ServerEvent) {
				select {
				case sconn.Events() <- ev:
				case <-ctx.Done():
				}
			},
		)
	})
	runTask("graphics", func() {
		conn.mux.RunGraphics(ctx, func(g video.GraphicsFrame) {
			conn.sendFrame(sink, g)
		})
	})

	// The protocol task owns the connection lifetime.
	err = sconn.Run(ctx)
	cancel()
	tasks.Wait()
	conn.mux.CloseAll()

	snap := pipeline.Metrics().Snapshot()
	clog.Info("session stats",
		"framesIn", snap.FramesIn,
		"framesSent", snap.FramesSent,
		"clean", snap.FramesClean,
		"auxOmitted", snap.AuxOmitted,
		"uptime", snap.Uptime.Round(time.Second),
	)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("protocol: %w", err)
	}
	return nil
}

// effectiveCodec intersects the configured codec with negotiated caps
// and the registry.
func (s *Server) effectiveCodec(caps rdp.EGFXCaps) video.Codec {
	if !s.cfg.EGFX.Enabled {
		return video.CodecRemoteFX
	}
	want := video.Codec(s.cfg.EGFX.Codec)
	if want == video.CodecAVC444 && !s.cfg.EGFX.AVC444Enabled {
		want = video.CodecAVC420
	}
	switch want {
	case video.CodecAVC444:
		if caps.AVC444 {
			return video.CodecAVC444
		}
		if caps.AVC420 {
			log.Info("client lacks AVC444, using AVC420")
			return video.CodecAVC420
		}
		return video.CodecRemoteFX
	case video.CodecAVC420:
		if caps.AVC420 {
			return video.CodecAVC420
		}
		return video.CodecRemoteFX
	default:
		return video.CodecRemoteFX
	}
}

// statusWriter persists a status snapshot for the status subcommand.
func (s *Server) statusWriter(ctx context.Context) {
	path := filepath.Join(config.DataDir(), "status.json")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	write := func() {
		payload := map[string]any{
			"updatedAt": time.Now().Format(time.RFC3339),
			"health":    s.health.Summary(),
			"services":  s.reg.Table(),
		}
		data, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return
		}
		_ = os.WriteFile(path, data, 0o600)
	}

	write()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			write()
		}
	}
}

// ReadStatus loads the last status snapshot (status subcommand).
func ReadStatus() (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(config.DataDir(), "status.json"))
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

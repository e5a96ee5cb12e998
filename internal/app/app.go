// Package app assembles the service: audit log, policy engine, session
// registry, router, transport server, and the background sweep schedule.
// Everything is constructed here and passed down explicitly; no package
// holds global state.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/GGPrompts/termhub/internal/audit"
	"github.com/GGPrompts/termhub/internal/config"
	"github.com/GGPrompts/termhub/internal/policy"
	"github.com/GGPrompts/termhub/internal/registry"
	"github.com/GGPrompts/termhub/internal/router"
	"github.com/GGPrompts/termhub/internal/server"
	"github.com/GGPrompts/termhub/internal/term"
)

// Service owns every long-lived component and their shutdown order.
type Service struct {
	cfg config.Settings

	AuditLog *audit.Log
	Policy   *policy.Engine
	Registry *registry.Registry
	Router   *router.Router
	Server   *server.Server

	httpSrv *http.Server
	sweeper *cron.Cron
}

// New builds the full component graph from settings. Nothing starts running
// until Start is called.
func New(cfg config.Settings) (*Service, error) {
	overlay, err := config.LoadPolicyFile(cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("policy file: %w", err)
	}

	auditLog := audit.NewLog()

	pol, err := policy.NewEngine(cfg, overlay, auditLog)
	if err != nil {
		return nil, fmt.Errorf("policy engine: %w", err)
	}

	reg := registry.New(registry.Config{
		MaxSessions:   cfg.MaxSessions,
		WorkspaceRoot: cfg.WorkspaceRoot,
		IdleTimeout:   cfg.IdleTimeout,
		OutputBufCap:  term.DefaultBufferCap,
		KillGrace:     term.DefaultKillGrace,
	}, &term.PtySpawner{})

	rt := router.New(pol, reg, auditLog, overlay.TrustedCallerTag)
	srv := server.New(cfg, rt, reg, auditLog)

	return &Service{
		cfg:      cfg,
		AuditLog: auditLog,
		Policy:   pol,
		Registry: reg,
		Router:   rt,
		Server:   srv,
	}, nil
}

// Start begins listening and schedules the idle sweep. It returns once the
// listener is launched; ListenAndServe errors other than a clean shutdown
// are reported on the returned channel.
func (s *Service) Start() (<-chan error, error) {
	s.sweeper = cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.SweepInterval)
	if _, err := s.sweeper.AddFunc(spec, func() {
		if n := s.Registry.Sweep(); n > 0 {
			log.Printf("[app] sweep destroyed %d sessions", n)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule sweep: %w", err)
	}
	s.sweeper.Start()

	s.httpSrv = s.Server.HTTPServer()
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[app] listening on %s", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh, nil
}

// Stop shuts the service down: stop scheduling sweeps, stop accepting
// connections, then destroy every remaining session.
func (s *Service) Stop(ctx context.Context) error {
	if s.sweeper != nil {
		sweepCtx := s.sweeper.Stop()
		select {
		case <-sweepCtx.Done():
		case <-time.After(5 * time.Second):
			log.Printf("[app] sweep still running at shutdown, abandoning")
		}
	}

	var shutdownErr error
	if s.httpSrv != nil {
		shutdownErr = s.httpSrv.Shutdown(ctx)
	}

	if errs := s.Registry.DestroyAll(); len(errs) > 0 {
		for _, err := range errs {
			log.Printf("[app] session teardown: %v", err)
		}
	}
	return shutdownErr
}

package main

import (
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/codedock/core"
	"pkt.systems/codedock/httpapi"
	"pkt.systems/codedock/internal/access"
	"pkt.systems/codedock/internal/appconfig"
	"pkt.systems/codedock/internal/auth"
	"pkt.systems/codedock/internal/eventbus"
	"pkt.systems/codedock/internal/sandbox"
	"pkt.systems/codedock/internal/sandbox/dockerapi"
	"pkt.systems/codedock/internal/store"
	"pkt.systems/pslog"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the codedock server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := pslog.Ctx(ctx)
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}

			db, err := store.OpenSQLite(cfg.StorePath, logger)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			runtime, err := dockerapi.New(ctx, dockerapi.Config{
				Address:     cfg.Runtime.Address,
				PullTimeout: time.Duration(cfg.Runtime.PullTimeout) * time.Minute,
			})
			if err != nil {
				return err
			}
			defer func() { _ = runtime.Close() }()

			logger.Info("image verify start", "image", cfg.Runtime.Image)
			if err := runtime.EnsureImage(ctx, cfg.Runtime.Image); err != nil {
				return err
			}
			logger.Info("image verify ok", "image", cfg.Runtime.Image)

			users, err := auth.NewStore(cfg.Auth.UserFile, cfg.Auth.SeedUsers, logger)
			if err != nil {
				return err
			}

			files, err := core.NewFileSync(db, cfg.WorkspaceRoot)
			if err != nil {
				return err
			}
			registry := core.NewRegistry()
			accessMgr := access.NewStoreManager(db)
			sessions := core.NewSessions(registry, runtime, files, accessMgr, core.SessionsConfig{
				Image: cfg.Runtime.Image,
				Resources: sandbox.ResourceCaps{
					MemoryBytes: cfg.Sandbox.MemoryBytes,
					NanoCPUs:    cfg.Sandbox.NanoCPUs,
					PidsLimit:   cfg.Sandbox.PidsLimit,
				},
			})
			saves := core.NewDebouncedSaves(db, time.Duration(cfg.Editor.DebounceMS)*time.Millisecond)
			pipeline := core.NewRunPipeline(registry, runtime, cfg.Run.MaxOutputBytes,
				time.Duration(cfg.Run.DefaultTimeoutSeconds)*time.Second,
				time.Duration(cfg.Run.MaxTimeoutSeconds)*time.Second)
			service := core.NewService(
				registry,
				sessions,
				pipeline,
				core.NewCoordinator(saves),
				saves,
				files,
				core.NewExecLock(),
				core.NewRateLimiter(cfg.Run.MaxPerWindow, time.Duration(cfg.Run.WindowSeconds)*time.Second),
				eventbus.New(logger),
				accessMgr,
				core.ServiceConfig{MaxEditBytes: cfg.Editor.MaxContentBytes},
			)
			defer service.Close()

			service.CleanupOrphans(ctx)

			server := httpapi.NewServer(httpapi.Config{
				Addr:            cfg.HTTP.Addr,
				SessionCookie:   cfg.HTTP.SessionCookie,
				SessionTTLHours: cfg.HTTP.SessionTTLHours,
			}, service, users)

			logger.Info("http listen", "addr", cfg.HTTP.Addr)
			return httpapi.ListenAndServe(ctx, cfg.HTTP.Addr, server.Handler())
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}

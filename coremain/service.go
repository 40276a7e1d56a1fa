package coremain

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pmkol/swcache-x/mlog"
)

var svcCfg = &service.Config{
	Name:        "swcache",
	DisplayName: "swcache",
	Description: "Offline caching gateway for mini-app storefronts.",
}

// running is the gateway started by StartServer, nil if none.
var running atomic.Pointer[Swcache]

type serverService struct {
	f *serverFlags
}

func (ss *serverService) Start(s service.Service) error {
	mlog.L().Info("starting service", zap.String("platform", s.Platform()))
	go func() {
		if err := StartServer(ss.f); err != nil {
			mlog.L().Fatal("server exited", zap.Error(err))
		}
		mlog.L().Info("server exited")
		os.Exit(0)
	}()
	return nil
}

func (ss *serverService) Stop(_ service.Service) error {
	mlog.L().Info("service is shutting down")
	if m := running.Load(); m != nil {
		m.sc.SendCloseSignal(nil)
		m.sc.CloseWait()
	}
	return nil
}

var svc service.Service

func initService(_ *cobra.Command, _ []string) error {
	s, err := service.New(&serverService{}, svcCfg)
	if err != nil {
		return fmt.Errorf("failed to init service, %w", err)
	}
	svc = s
	return nil
}

func newSvcInstallCmd() *cobra.Command {
	sf := new(serverFlags)
	c := &cobra.Command{
		Use:   "install [-d working_dir] [-c config_file]",
		Short: "Install swcache as a system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(sf.dir) == 0 {
				wd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("failed to get current working directory, %w", err)
				}
				sf.dir = wd
			} else {
				absDir, err := filepath.Abs(sf.dir)
				if err != nil {
					return fmt.Errorf("failed to get abs path of working directory, %w", err)
				}
				sf.dir = absDir
			}

			svcCfg.Arguments = []string{"start", "--as-service", "-d", sf.dir}
			if len(sf.c) > 0 {
				svcCfg.Arguments = append(svcCfg.Arguments, "-c", sf.c)
			}
			s, err := service.New(&serverService{f: sf}, svcCfg)
			if err != nil {
				return fmt.Errorf("failed to init service, %w", err)
			}
			return s.Install()
		},
		SilenceUsage: true,
	}
	c.Flags().StringVarP(&sf.dir, "dir", "d", "", "working dir")
	c.Flags().StringVarP(&sf.c, "config", "c", "", "config path")
	return c
}

func newSvcUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "uninstall",
		Short:        "Uninstall swcache from system service.",
		RunE:         func(cmd *cobra.Command, args []string) error { return svc.Uninstall() },
		SilenceUsage: true,
	}
}

func newSvcStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start swcache system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.Start(); err != nil {
				return err
			}
			st, err := svc.Status()
			if err != nil {
				return fmt.Errorf("service started, but failed to query its status, %w", err)
			}
			if st != service.StatusRunning {
				return fmt.Errorf("service is not running, status code %d", st)
			}
			mlog.S().Info("service is running")
			return nil
		},
		SilenceUsage: true,
	}
}

func newSvcStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "stop",
		Short:        "Stop swcache system service.",
		RunE:         func(cmd *cobra.Command, args []string) error { return svc.Stop() },
		SilenceUsage: true,
	}
}

func newSvcRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "restart",
		Short:        "Restart swcache system service.",
		RunE:         func(cmd *cobra.Command, args []string) error { return svc.Restart() },
		SilenceUsage: true,
	}
}

func newSvcStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Status of swcache system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := svc.Status()
			if err != nil {
				return fmt.Errorf("cannot get service status, %w", err)
			}
			var out string
			switch s {
			case service.StatusRunning:
				out = "running"
			case service.StatusStopped:
				out = "stopped"
			default:
				out = "unknown"
			}
			mlog.S().Info(out)
			return nil
		},
		SilenceUsage: true,
	}
}

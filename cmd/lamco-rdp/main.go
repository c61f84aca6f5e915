package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lamco-admin/lamco-rdp/internal/config"
	"github.com/lamco-admin/lamco-rdp/internal/logging"
	"github.com/lamco-admin/lamco-rdp/internal/registry"
	"github.com/lamco-admin/lamco-rdp/internal/server"
	"github.com/lamco-admin/lamco-rdp/internal/tokenstore"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "lamco-rdp",
	Short: "Wayland RDP server",
	Long:  `lamco-rdp exposes a Wayland desktop session to standard RDP clients with H.264 graphics, remote input, and bidirectional clipboard.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the server",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServer(); err != nil {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe the environment and print the service registry",
	Run: func(cmd *cobra.Command, args []string) {
		runCheck()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running server's last status snapshot",
	Run: func(cmd *cobra.Command, args []string) {
		runStatus()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("lamco-rdp v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/lamco-rdp/lamco-rdp.toml)")
	rootCmd.AddCommand(runCmd, checkCmd, statusCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServer() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logWriter := initLogging(cfg)
	if logWriter != nil {
		defer logWriter.Close()
		installReopenHandler(logWriter)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting", "version", version, "listen", cfg.Server.ListenAddr)

	facts := registry.GatherFacts(ctx)
	reg := registry.Probe(facts)
	for _, row := range reg.Table() {
		log.Info("service", "entry", row)
	}

	tokens := tokenstore.New(reg, config.DataDir())

	srv, err := server.New(cfg, reg, tokens)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

// initLogging installs the configured handler and returns the rotating
// writer when a log file is in use (nil for stdout-only).
func initLogging(cfg *config.Config) *logging.RotatingWriter {
	if cfg.Logging.File != "" {
		w, err := logging.NewRotatingWriter(cfg.Logging.File, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups)
		if err == nil {
			logging.Init(cfg.Logging.Format, cfg.Logging.Level, logging.TeeWriter(os.Stdout, w))
			return w
		}
		fmt.Fprintf(os.Stderr, "log file unavailable, using stdout: %v\n", err)
	}
	logging.Init(cfg.Logging.Format, cfg.Logging.Level, os.Stdout)
	return nil
}

// installReopenHandler reopens the log file on SIGHUP so external log
// shippers can rotate it out from under the server.
func installReopenHandler(w *logging.RotatingWriter) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := w.Reopen(); err != nil {
				log.Warn("log reopen failed", "error", err)
			} else {
				log.Info("log file reopened on SIGHUP")
			}
		}
	}()
}

func runCheck() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	facts := registry.GatherFacts(ctx)
	reg := registry.Probe(facts)

	fmt.Printf("compositor: %s  session: %s  sandboxed: %v\n\n",
		facts.Compositor, facts.SessionType, facts.Sandboxed)
	fmt.Printf("%-22s %-12s %s\n", "SERVICE", "LEVEL", "REASON")
	for _, row := range reg.Table() {
		fmt.Println(row)
	}
}

func runStatus() {
	status, err := server.ReadStatus()
	if err != nil {
		fmt.Fprintln(os.Stderr, "no status snapshot; is the server running?")
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(status, "", "  ")
	fmt.Println(string(out))
}

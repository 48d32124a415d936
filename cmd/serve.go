package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"apkforge/internal/daemon"
	"apkforge/internal/httpapi"
	"apkforge/internal/store"
)

// snapshotGCInterval is how often serve sweeps expired snapshots across
// every tracked project, per spec.md §4.2.1's Cleanup/TTL semantics.
const snapshotGCInterval = 1 * time.Hour

var serveBackground bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP/SSE API server",
	Long: `Start apkforge's HTTP API and SSE log-streaming server (spec.md §6.4).
The server owns the Task Runtime's admission loop and periodically garbage
collects expired git snapshots. Only one instance may run per machine; a
PID file under the state directory enforces this.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveBackground {
			return serveDaemonize()
		}
		return serveRun()
	},
}

func init() {
	serveCmd.Flags().BoolVarP(&serveBackground, "background", "d", false, "Detach and run the server in the background")
	rootCmd.AddCommand(serveCmd)
}

// serveDaemonize re-execs the current binary with "serve" (no
// --background) detached into its own session, per the platform-split
// process attributes in serve_unix.go/serve_windows.go, then exits.
func serveDaemonize() error {
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	child := exec.Command(exePath, "serve")
	child.Stdout, child.Stderr = nil, nil
	setDaemonAttrs(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start background server: %w", err)
	}
	ui.Success("apkforge serve started in background (pid %d)", child.Process.Pid)
	return nil
}

func serveRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}

	pidPath := filepath.Join(viper.GetString("state_dir"), "apkforge.pid")
	pid := daemon.NewPIDFile(pidPath)
	if existing, err := pid.Read(); err == nil {
		if processAlive(existing) {
			return fmt.Errorf("apkforge serve is already running (pid %d, %s)", existing, pidPath)
		}
		ui.Warning("Clearing stale PID file for dead process %d", existing)
	}
	if err := pid.Write(); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer pid.Remove()

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	c, err := newCore(ctx, s)
	if err != nil {
		return err
	}
	defer c.runtime.Close()

	uploadsDir := viper.GetString("uploads_dir")
	stagingDir := viper.GetString("staging_dir")
	if err := os.MkdirAll(uploadsDir, 0o755); err != nil {
		return fmt.Errorf("create uploads dir: %w", err)
	}
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}

	server := httpapi.NewServer(s, c.runtime, c.pipeline, c.bus, uploadsDir, stagingDir)
	go server.RunDispatcher(ctx)
	go runSnapshotGC(ctx, c, s)

	addr := fmt.Sprintf(":%d", viper.GetInt("port"))
	httpServer := &http.Server{Addr: addr, Handler: server.Router()}

	errCh := make(chan error, 1)
	go func() {
		ui.Success("apkforge serving on http://localhost%s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		ui.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

// runSnapshotGC periodically marks expired snapshots inactive and
// removes their on-disk storage for every active project (spec.md
// §4.2.1's Cleanup), then deletes the now-inactive, now-expired rows.
func runSnapshotGC(ctx context.Context, c *core, s store.Store) {
	ticker := time.NewTicker(snapshotGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepExpiredSnapshots(ctx, c, s)
		}
	}
}

func sweepExpiredSnapshots(ctx context.Context, c *core, s store.Store) {
	projects, err := s.ListActiveProjects(ctx)
	if err != nil {
		return
	}
	for _, p := range projects {
		snaps, err := s.ListActiveSnapshotsByProject(ctx, p.ID)
		if err != nil || len(snaps) == 0 {
			continue
		}
		if err := c.safety.Cleanup(ctx, snaps); err != nil {
			ui.VerboseLog("snapshot cleanup for %s: %v", p.Name, err)
		}
	}
	if _, err := s.DeleteExpiredSnapshots(ctx, time.Now().UTC()); err != nil {
		ui.VerboseLog("delete expired snapshot rows: %v", err)
	}
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

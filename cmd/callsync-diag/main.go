// callsync-diag is the operator tool for a callsync environment: check
// backend health, inspect the local recording index, re-submit a failed
// upload, and export the diagnostic log for support.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agrivoice/callsync/internal/api"
	"github.com/agrivoice/callsync/internal/config"
	"github.com/agrivoice/callsync/internal/diaglog"
	"github.com/agrivoice/callsync/internal/session"
	"github.com/agrivoice/callsync/internal/store"
)

// Version is set at build time via -ldflags "-X main.Version=..."
var Version = "dev"

func main() {
	var (
		configPath = flag.String("config", config.DefaultPath(), "client config file")
		health     = flag.Bool("health", false, "probe the backend health endpoint")
		list       = flag.Bool("list", false, "list the local recording index")
		retryID    = flag.String("retry", "", "re-submit the recording with this id")
		exportDiag = flag.Bool("export-diag", false, "export the diagnostic log bundle")
	)
	flag.Parse()

	diaglog.Version = Version

	if *exportDiag {
		os.Exit(runExport())
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}

	logger, err := diaglog.New(logPath())
	if err != nil {
		logger = diaglog.NewNoOp()
	}
	defer logger.Close()

	client := api.NewClient(cfg.BaseURL,
		api.WithLogger(logger),
		api.WithTimeouts(api.Timeouts{
			Health:  cfg.HealthTimeout(),
			CallEnd: cfg.CallEndTimeout(),
			Query:   cfg.QueryTimeout(),
			Upload:  cfg.UploadTimeout(),
		}),
		api.WithDeviceInfo(api.HostDeviceInfo(Version)),
	)

	switch {
	case *health:
		os.Exit(runHealth(client, cfg))
	case *list:
		os.Exit(runList(cfg, logger))
	case *retryID != "":
		os.Exit(runRetry(client, cfg, logger, *retryID))
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func logPath() string {
	if p := os.Getenv("CALLSYNC_LOG_PATH"); p != "" {
		return p
	}
	return "/tmp/callsync-debug.log"
}

// stateDir is where the recording index and profile live, next to the
// recordings themselves.
func stateDir(cfg *config.ClientConfig) string {
	return filepath.Join(filepath.Dir(cfg.RecordingsDir), "state")
}

func openStore(cfg *config.ClientConfig, logger *diaglog.Logger) (*store.Store, error) {
	kv, err := store.NewFileKV(stateDir(cfg))
	if err != nil {
		return nil, err
	}
	st := store.New(kv, logger)
	if err := st.Load(); err != nil {
		return nil, err
	}
	return st, nil
}

func runHealth(client *api.Client, cfg *config.ClientConfig) int {
	ok := client.CheckConnection(context.Background())
	fmt.Printf("backend:   %s\n", cfg.BaseURL)
	fmt.Printf("reachable: %v\n", ok)
	if !ok {
		return 1
	}
	res := client.GetServerStatus(context.Background())
	if res.Success {
		for k, v := range res.Data {
			fmt.Printf("%-10s %v\n", k+":", v)
		}
	}
	return 0
}

func runList(cfg *config.ClientConfig, logger *diaglog.Logger) int {
	st, err := openStore(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	}

	recs := st.List()
	if len(recs) == 0 {
		fmt.Println("no recordings")
		return 0
	}
	fmt.Printf("%-20s %-42s %-10s %6s %8s\n", "ID", "FILENAME", "STATUS", "DUR", "SEGMENT")
	for _, r := range recs {
		seg := "-"
		if r.IsSegment {
			seg = fmt.Sprintf("%d", r.SegmentIndex)
		}
		fmt.Printf("%-20s %-42s %-10s %5ds %8s\n", r.ID, r.Filename, r.UploadStatus, r.Duration, seg)
	}
	return 0
}

func runRetry(client *api.Client, cfg *config.ClientConfig, logger *diaglog.Logger, id string) int {
	st, err := openStore(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	}

	m := session.New(session.Options{
		Store:    st,
		Uploader: client,
		Logger:   logger,
		UserID:   cfg.UserID,
	})
	res := m.RetryUpload(context.Background(), id)
	if !res.Success {
		fmt.Fprintln(os.Stderr, "retry failed:", res.Error)
		return 1
	}
	rec, _ := st.Get(id)
	fmt.Printf("uploaded %s", rec.Filename)
	if rec.BackendID != "" {
		fmt.Printf(" (backend id %s)", rec.BackendID)
	}
	fmt.Println()
	return 0
}

func runExport() int {
	path, n, err := diaglog.Export(logPath(), ".")
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "hint: run with CALLSYNC_DEBUG=true to enable logging")
			return 1
		}
		return 2
	}
	fmt.Printf("Wrote: %s (%d lines)\n", path, n)
	return 0
}

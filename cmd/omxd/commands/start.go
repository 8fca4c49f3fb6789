package commands

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/openmx-go/omx/internal/config"
	"github.com/openmx-go/omx/internal/omxlog"
	"github.com/openmx-go/omx/pkg/omx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	startIndex       uint8
	startPeerIndex   uint16
	startBoardAddr   string
	startListenAddr  string
	startMetricsAddr string
	startLogLevel    string
	startLogFormat   string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Open an endpoint and run its progress loop until interrupted",
	Long: `start opens one (board, index) endpoint bound to a UDP socket and
keeps driving its progress loop until SIGINT/SIGTERM, the Go-port
equivalent of the kernel module staying resident.

Tunables beyond what the flags below cover (resend delays, window
sizes, ...) come from OMX_* environment variables.

Examples:
  omxd start --index 0 --peer-index 1 --listen :4390
  OMX_VERBOSE=true omxd start --metrics-addr :9400`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().Uint8Var(&startIndex, "index", 0, "local endpoint index")
	startCmd.Flags().Uint16Var(&startPeerIndex, "peer-index", 0, "this board's peer-table index")
	startCmd.Flags().StringVar(&startBoardAddr, "board-addr", "aa:bb:cc:dd:ee:ff", "6-byte board address, colon-hex")
	startCmd.Flags().StringVar(&startListenAddr, "listen", ":4390", "UDP address to bind")
	startCmd.Flags().StringVar(&startMetricsAddr, "metrics-addr", "", "address to serve /metrics on (empty disables)")
	startCmd.Flags().StringVar(&startLogLevel, "log-level", "info", "debug|info|warn|error")
	startCmd.Flags().StringVar(&startLogFormat, "log-format", "text", "text|json")
}

func parseBoardAddr(s string) ([6]byte, error) {
	var addr [6]byte
	parts := make([]byte, 0, 6)
	for _, field := range splitColon(s) {
		b, err := hex.DecodeString(field)
		if err != nil || len(b) != 1 {
			return addr, fmt.Errorf("invalid board address byte %q", field)
		}
		parts = append(parts, b[0])
	}
	if len(parts) != 6 {
		return addr, fmt.Errorf("board address must have 6 bytes, got %d", len(parts))
	}
	copy(addr[:], parts)
	return addr, nil
}

func splitColon(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func runStart(cmd *cobra.Command, args []string) error {
	boardAddr, err := parseBoardAddr(startBoardAddr)
	if err != nil {
		return err
	}

	log := omxlog.New(omxlog.Config{Level: startLogLevel, Format: startLogFormat})

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	reg := prometheus.NewRegistry()

	ep, err := omx.Open(omx.Options{
		Index:      startIndex,
		PeerIndex:  startPeerIndex,
		BoardAddr:  boardAddr,
		ListenAddr: startListenAddr,
		Config:     &cfg,
		Metrics:    reg,
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf("open endpoint: %w", err)
	}
	defer ep.Close()

	log.Info("endpoint listening", "addr", ep.LocalAddr().String(), "index", startIndex, "peer_index", startPeerIndex)

	var metricsServer *http.Server
	if startMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: startMetricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("metrics server stopped", "error", err)
			}
		}()
		log.Info("metrics listening", "addr", startMetricsAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", "signal", sig.String())

	if metricsServer != nil {
		_ = metricsServer.Shutdown(context.Background())
	}
	return nil
}

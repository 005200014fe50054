package main

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/23skdu/crossbow/internal/diskvec"
	"github.com/23skdu/crossbow/internal/export"
	"github.com/23skdu/crossbow/internal/loader"
	"github.com/23skdu/crossbow/internal/logging"
	"github.com/23skdu/crossbow/internal/store"
)

var (
	cfg Config
	log *zap.Logger

	rootCmd = &cobra.Command{
		Use:   "crossbow",
		Short: "Persistent, memory-bounded package dependency graph store",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := ValidateConfig(&cfg); err != nil {
				return err
			}
			var err error
			log, err = logging.NewLogger(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Output: os.Stderr})
			if err != nil {
				return err
			}
			startMetricsServer()
			return nil
		},
		SilenceUsage: true,
	}

	loadDataset bool

	loadCmd = &cobra.Command{
		Use:   "load [files...]",
		Short: "Load package files or a dataset manifest into the store",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runLoad,
	}

	queryDepth  int
	queryVer    string
	queryArch   string
	queryDevice bool

	queryCmd = &cobra.Command{
		Use:   "query <package>",
		Short: "Expand a package's dependency closure and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runQuery,
	}

	consoleCmd = &cobra.Command{
		Use:   "console",
		Short: "Interactive query loop",
		RunE:  runConsole,
	}

	exportOut string

	exportCmd = &cobra.Command{
		Use:   "export",
		Short: "Export the persisted store to Parquet files",
		RunE:  runExport,
	}
)

func init() {
	loaded, err := LoadConfig()
	if err != nil {
		loaded = DefaultConfig()
	}
	cfg = loaded

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfg.StoreDir, "store", cfg.StoreDir, "store directory")
	pf.IntVar(&cfg.MemoryLimit, "memory-limit", cfg.MemoryLimit, "staging buffer budget in bytes (negative disables flushing)")
	pf.IntVar(&cfg.MaxDeviceVectorBytes, "max-device-vector-bytes", cfg.MaxDeviceVectorBytes, "device work vector cap in bytes")
	pf.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics listen address (empty disables)")
	pf.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: json or console")
	pf.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")

	loadCmd.Flags().BoolVar(&loadDataset, "dataset", false, "treat arguments as JSON-lines dataset manifests")

	queryCmd.Flags().IntVar(&queryDepth, "depth", 1, "expansion depth")
	queryCmd.Flags().StringVar(&queryVer, "version", "", "restrict the root to this version")
	queryCmd.Flags().StringVar(&queryArch, "arch", "", "restrict the root to this architecture")
	queryCmd.Flags().BoolVar(&queryDevice, "device", false, "run the expansion on the device snapshot")

	exportCmd.Flags().StringVar(&exportOut, "out", "./export", "output directory for Parquet files")

	rootCmd.AddCommand(loadCmd, queryCmd, consoleCmd, exportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func startMetricsServer() {
	if cfg.MetricsAddr == "" {
		return
	}
	go func() {
		log.Info("starting metrics server", zap.String("address", cfg.MetricsAddr))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
}

func openGraph(mode diskvec.Mode) (*store.DependencyGraph, error) {
	return store.Open(store.Config{
		Dir:                  cfg.StoreDir,
		Mode:                 mode,
		MemoryLimit:          cfg.MemoryLimit,
		MaxDeviceVectorBytes: cfg.MaxDeviceVectorBytes,
		ChunkBytes:           cfg.ChunkBytes,
		Logger:               log,
	})
}

func runLoad(cmd *cobra.Command, args []string) error {
	graph, err := openGraph(diskvec.LoadOrCreate)
	if err != nil {
		return err
	}
	defer func() { _ = graph.Close() }()

	ld := loader.New(graph, log)
	for _, path := range args {
		if loadDataset {
			err = ld.LoadDataset(path)
		} else {
			err = ld.LoadFile(path)
		}
		if err != nil {
			return err
		}
	}
	if err := graph.Flush(); err != nil {
		return err
	}
	log.Info("load complete",
		zap.Int("packages", graph.PackageCount()),
		zap.Int("versions", graph.VersionCount()),
		zap.Int("dependencies", graph.DependencyCount()))
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	graph, err := openGraph(diskvec.Load)
	if err != nil {
		return err
	}
	defer func() { _ = graph.Close() }()

	result, err := graph.QueryDependencies(args[0], queryVer, queryArch, queryDepth, queryDevice)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runConsole(cmd *cobra.Command, args []string) error {
	graph, err := openGraph(diskvec.LoadOrCreate)
	if err != nil {
		return err
	}
	defer func() { _ = graph.Close() }()

	in := bufio.NewScanner(os.Stdin)
	prompt := func(label string) (string, bool) {
		fmt.Printf(">   %s: ", label)
		if !in.Scan() {
			return "", false
		}
		return strings.TrimSpace(in.Text()), true
	}

	for {
		fmt.Println("> Query dependencies for package")
		name, ok := prompt("name (type :q to quit)")
		if !ok || name == ":q" {
			return nil
		}
		version, ok := prompt("version (empty for any)")
		if !ok {
			return nil
		}
		arch, ok := prompt("architecture (empty for any)")
		if !ok {
			return nil
		}
		depthStr, ok := prompt("depth")
		if !ok {
			return nil
		}
		depth, err := strconv.Atoi(depthStr)
		if err != nil || depth < 1 {
			fmt.Println("depth must be a positive integer")
			continue
		}
		device, ok := prompt("use device (y/n)")
		if !ok {
			return nil
		}

		result, err := graph.QueryDependencies(name, version, arch, depth, device == "y")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			continue
		}
		if err := printJSON(result); err != nil {
			return err
		}
	}
}

func runExport(cmd *cobra.Command, args []string) error {
	graph, err := openGraph(diskvec.Load)
	if err != nil {
		return err
	}
	defer func() { _ = graph.Close() }()

	return export.Store(graph.Disk(), exportOut, log)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(out))
	return err
}

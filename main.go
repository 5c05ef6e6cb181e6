package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"archiver/archive"
	"archiver/config"
	"archiver/discovery"
	"archiver/logging"
	"archiver/network"
	"archiver/storage"
)

type options struct {
	dataDir    string
	listen     string
	logLevel   string
	logFormat  string
	hashMethod string

	history  int
	discover bool

	send       string
	to         string
	key        string
	remotePath string
	parent     string
}

func main() {
	opts := parseFlags(os.Args[1:])
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "archiver: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) options {
	var opts options
	flags := pflag.NewFlagSet("archiver", pflag.ExitOnError)
	flags.StringVar(&opts.dataDir, "data-dir", "", "data directory (overrides "+config.DataDirEnv+")")
	flags.StringVar(&opts.listen, "listen", "", "TCP listen address (overrides config)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format: console or json")
	flags.StringVar(&opts.hashMethod, "hash", "", "digest method for new transfers (overrides config)")
	flags.IntVar(&opts.history, "history", 0, "print the N most recent transfers and exit")
	flags.BoolVar(&opts.discover, "discover", false, "list archivers on the local network and exit")
	flags.StringVar(&opts.send, "send", "", "upload this local file to an archiver and exit")
	flags.StringVar(&opts.to, "to", "", "archiver address for --send (default: first discovered)")
	flags.StringVar(&opts.key, "key", "", "transfer key for --send (default: file name)")
	flags.StringVar(&opts.remotePath, "path", "", "destination path under the archive root for --send")
	flags.StringVar(&opts.parent, "parent", "", "parent identifier recorded with --send")
	_ = flags.Parse(args)
	return opts
}

func run(opts options) error {
	if opts.dataDir != "" {
		if err := os.Setenv(config.DataDirEnv, opts.dataDir); err != nil {
			return fmt.Errorf("set data dir: %w", err)
		}
	}

	cfg, cfgPath, dataDir, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyOverrides(cfg, opts)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New("archiver", cfg.LogLevel, cfg.LogFormat, os.Stderr)

	switch {
	case opts.history > 0:
		return printHistory(dataDir, opts.history)
	case opts.discover:
		return printDiscovered(cfg, &logger)
	case opts.send != "":
		return sendFile(cfg, opts, &logger)
	}

	logger.Info().
		Str("instance_id", cfg.InstanceID).
		Str("instance_name", cfg.InstanceName).
		Str("config", cfgPath).
		Str("archive_root", cfg.ArchiveRoot).
		Str("hash_method", cfg.HashMethod).
		Msg("starting archiver")
	return serve(cfg, dataDir, &logger)
}

func applyOverrides(cfg *config.ArchiverConfig, opts options) {
	if opts.listen != "" {
		cfg.ListenAddress = opts.listen
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.LogFormat = opts.logFormat
	}
	if opts.hashMethod != "" {
		cfg.HashMethod = opts.hashMethod
	}
}

func serve(cfg *config.ArchiverConfig, dataDir string, logger *zerolog.Logger) error {
	var history archive.History
	var store *storage.Store
	if cfg.HistoryEnabled {
		opened, dbPath, err := storage.Open(dataDir)
		if err != nil {
			return fmt.Errorf("open history database: %w", err)
		}
		store = opened
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error().Err(err).Msg("database close error")
			}
		}()
		store.SetHistoryRetention(cfg.HistoryRetention())

		abandoned, err := store.AbandonUnfinished(time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("mark interrupted transfers: %w", err)
		}
		if abandoned > 0 {
			logger.Warn().Int64("transfers", abandoned).Msg("marked transfers interrupted by restart as cancelled")
		}
		history = storage.NewJournal(store)
		logger.Info().Str("database", dbPath).Msg("transfer history enabled")
	}

	registry, err := archive.NewRegistry(archive.Options{
		Root:          cfg.ArchiveRoot,
		ScratchDir:    cfg.ScratchDir,
		HashMethod:    cfg.HashMethod,
		CommitWorkers: cfg.CommitWorkers,
		StallTimeout:  cfg.StallTimeout(),
		History:       history,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("create registry: %w", err)
	}
	defer registry.Stop()

	server, err := network.Listen(cfg.ListenAddress, network.ServerOptions{
		Archiver:     registry,
		InstanceID:   cfg.InstanceID,
		InstanceName: cfg.InstanceName,
		HashMethod:   registry.HashMethod(),
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := server.Close(); err != nil {
			logger.Error().Err(err).Msg("server close error")
		}
	}()
	go func() {
		for err := range server.Errors() {
			logger.Warn().Err(err).Msg("server error")
		}
	}()

	if cfg.MDNSEnabled {
		broadcaster, err := discovery.StartBroadcaster(discovery.Config{
			InstanceID:   cfg.InstanceID,
			InstanceName: cfg.InstanceName,
			Port:         listenPort(server.Addr()),
			HashMethod:   registry.HashMethod(),
			Logger:       logger,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("mDNS advertisement failed")
		} else {
			defer broadcaster.Stop()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("address", server.Addr().String()).Msg("running (press Ctrl+C to stop)")
	<-ctx.Done()
	logger.Info().Int("active_transfers", len(registry.Transfers())).Msg("shutting down")
	return nil
}

func listenPort(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	_, raw, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(raw)
	return port
}

func printHistory(dataDir string, limit int) error {
	store, _, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open history database: %w", err)
	}
	defer func() {
		_ = store.Close()
	}()

	transfers, err := store.ListTransfers(storage.TransferFilter{Limit: limit})
	if err != nil {
		return err
	}
	if len(transfers) == 0 {
		fmt.Println("No transfers recorded.")
		return nil
	}
	for _, transfer := range transfers {
		started := time.UnixMilli(transfer.StartedAt)
		line := fmt.Sprintf("%-10s %-24s %9s  %s  %s",
			transfer.Status,
			transfer.Key,
			humanize.IBytes(uint64(transfer.ReceivedBytes)),
			humanize.Time(started),
			transfer.FinalPath,
		)
		if transfer.Error != "" {
			line += "  (" + transfer.Error + ")"
		}
		fmt.Println(line)
	}
	return nil
}

func printDiscovered(cfg *config.ArchiverConfig, logger *zerolog.Logger) error {
	endpoints, err := discovery.Lookup(context.Background(), discovery.Config{Logger: logger})
	if err != nil {
		return fmt.Errorf("discover archivers: %w", err)
	}
	if len(endpoints) == 0 {
		fmt.Println("No archivers found.")
		return nil
	}
	for _, endpoint := range endpoints {
		marker := ""
		if endpoint.InstanceID == cfg.InstanceID {
			marker = " (this instance)"
		}
		fmt.Printf("%-24s %-22s %-12s %s%s\n",
			endpoint.InstanceName, endpoint.Address(), endpoint.HashMethod, endpoint.InstanceID, marker)
	}
	return nil
}

func sendFile(cfg *config.ArchiverConfig, opts options, logger *zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	address := opts.to
	if address == "" {
		endpoints, err := discovery.Lookup(ctx, discovery.Config{InstanceID: cfg.InstanceID, Logger: logger})
		if err != nil {
			return fmt.Errorf("discover archivers: %w", err)
		}
		if len(endpoints) == 0 {
			return errors.New("no archiver found on the local network; pass --to")
		}
		address = endpoints[0].Address()
	}

	key := opts.key
	if key == "" {
		key = filepath.Base(opts.send)
	}

	client, err := network.Dial(ctx, address, network.ClientOptions{
		ClientName: cfg.InstanceName,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	started := time.Now()
	handle, err := client.UploadFile(ctx, key, opts.send, opts.remotePath, opts.parent)
	if err != nil {
		return fmt.Errorf("upload %q: %w", opts.send, err)
	}
	fmt.Printf("Committed %s to %s on %s in %s\n",
		key, handle.FinalPath, client.Server().InstanceName, time.Since(started).Round(time.Millisecond))
	return nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"signmesh/archive"
	"signmesh/config"
	"signmesh/control"
	"signmesh/crypto"
	"signmesh/discovery"
	"signmesh/mesh"
	"signmesh/metrics"
	"signmesh/network"
	"signmesh/storage"
)

func main() {
	args := os.Args[1:]
	command := "run"
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		command, args = args[0], args[1:]
	}

	var err error
	switch command {
	case "run":
		err = runCommand(args)
	case "keygen":
		err = keygenCommand(args)
	case "export":
		err = exportCommand(args)
	default:
		fmt.Fprintf(os.Stderr, "usage: signmesh [run|keygen|export] [flags]\n")
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", command, err)
	}
}

func loadConfig(dataDir string) (*config.NodeConfig, string, error) {
	cfg, cfgPath, err := config.LoadOrCreate(dataDir)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

func runCommand(args []string) error {
	flags := flag.NewFlagSet("signmesh run", flag.ExitOnError)
	dataDir := flags.String("data-dir", "", "data directory (default: $"+config.DataDirEnv+" or the OS config dir)")
	_ = flags.Parse(args)

	cfg, cfgPath, err := loadConfig(*dataDir)
	if err != nil {
		return err
	}
	files := config.NewFiles(cfg)
	records, err := files.LoadHosts()
	if err != nil {
		if isNotExist(err) {
			return fmt.Errorf("no hosts configured in %s; run `signmesh keygen` first", cfg.HostsPath)
		}
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("no hosts configured in %s", cfg.HostsPath)
	}

	logger := log.Default()
	collector := metrics.NewCollector()
	opts, err := hostOptions(cfg, files, collector, logger)
	if err != nil {
		return err
	}

	fmt.Printf("Node ID:         %s\n", cfg.NodeID)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Scheme:          %s\n", cfg.Scheme)
	fmt.Printf("Transport:       %s\n", opts.Factory.Name())
	fmt.Printf("Hosts:           %d\n", len(records))

	store, err := storage.OpenPath(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", cfg.DatabasePath)

	opts.Observer = mesh.MultiObserver{storage.NewJournal(store, logger), collector}

	node, err := mesh.BuildNode(len(records), opts)
	if err != nil {
		return err
	}
	if err := node.Start(); err != nil {
		log.Printf("startup: %v", err)
	}
	defer func() {
		if err := node.Stop(); err != nil {
			log.Printf("node stop error: %v", err)
		}
	}()
	for _, host := range node.Hosts() {
		snap := host.Snapshot()
		fmt.Printf("Host #%d:         port=%d state=%s fingerprint=%s\n",
			snap.Index, snap.Port, snap.State, crypto.FormatFingerprint(snap.Fingerprint))
	}
	if node.Running() == 0 {
		return errors.New("no host is running")
	}

	if cfg.MetricsAddress != "" {
		server := metrics.NewServer(cfg.MetricsAddress, collector, func() {
			collector.Refresh(node.Hosts())
		})
		go func() {
			if err := server.Start(); err != nil {
				log.Printf("metrics server error: %v", err)
			}
		}()
		defer server.Stop()
		fmt.Printf("Metrics:         http://%s/metrics\n", cfg.MetricsAddress)
	}

	if cfg.ControlAddress != "" {
		lis, err := net.Listen("tcp", cfg.ControlAddress)
		if err != nil {
			return fmt.Errorf("listen control: %w", err)
		}
		srv := grpc.NewServer()
		control.RegisterControlServer(srv, &control.Server{Node: node, Codec: archive.NewCodec()})
		go func() {
			if err := srv.Serve(lis); err != nil {
				log.Printf("control server error: %v", err)
			}
		}()
		defer srv.GracefulStop()
		fmt.Printf("Control:         %s\n", lis.Addr())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.DiscoveryEnabled {
		svc, err := startDiscovery(ctx, cfg, node, logger)
		if err != nil {
			log.Printf("discovery startup failed: %v", err)
		} else {
			defer svc.Stop()
			fmt.Println("Discovery:       running")
		}
	}

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	if err := node.RunConcurrent(ctx); err != nil {
		return err
	}
	fmt.Println("Status:          shutting down")
	return nil
}

// hostOptions maps the node config onto the options shared by every host.
func hostOptions(cfg *config.NodeConfig, files *config.Files, observer mesh.Observer, logger *log.Logger) (mesh.HostOptions, error) {
	bind, err := netip.ParseAddr(cfg.BindAddress)
	if err != nil {
		return mesh.HostOptions{}, fmt.Errorf("parse bind address: %w", err)
	}
	factory, err := network.NewFactory(cfg.Transport)
	if err != nil {
		return mesh.HostOptions{}, err
	}
	return mesh.HostOptions{
		BindAddress: bind,
		Scheme:      cfg.Scheme,
		Factory:     factory,
		Endpoint:    network.EndpointOptions{MaxPeers: cfg.MaxPeers},
		PollTimeout: time.Duration(cfg.PollTimeoutMillis) * time.Millisecond,
		Policy:      mesh.ConnectPolicy(cfg.ConnectPolicy),
		Store:       files,
		Observer:    observer,
		Logger:      logger,
	}, nil
}

func startDiscovery(ctx context.Context, cfg *config.NodeConfig, node *mesh.Node, logger *log.Logger) (*discovery.Service, error) {
	ads := discovery.NodeAdvertisements(node)
	svc, err := discovery.Start(discovery.Config{
		NodeID:    cfg.NodeID,
		Transport: cfg.Transport,
		Hosts:     ads(),
	})
	if err != nil {
		return nil, err
	}

	linker := discovery.NewLinker(discovery.NodeHosts(node), logger)
	go svc.Maintain(ctx, linker, ads)
	return svc, nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

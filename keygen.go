package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"net/netip"
	"os"

	"signmesh/archive"
	"signmesh/config"
	"signmesh/crypto"
	"signmesh/mesh"
	"signmesh/storage"
)

// keygenCommand creates or refreshes host records with fresh key pairs.
func keygenCommand(args []string) error {
	flags := flag.NewFlagSet("signmesh keygen", flag.ExitOnError)
	dataDir := flags.String("data-dir", "", "data directory")
	count := flags.Int("hosts", 0, "number of hosts (default: existing host count, or 1)")
	basePort := flags.Uint("base-port", config.DefaultPort, "listen port of the first new host")
	writeRoster := flags.Bool("roster", false, "rewrite the roster with every local host")
	_ = flags.Parse(args)

	cfg, _, err := loadConfig(*dataDir)
	if err != nil {
		return err
	}
	files := config.NewFiles(cfg)

	records, err := files.LoadHosts()
	if err != nil && !isNotExist(err) {
		return err
	}
	n := *count
	if n <= 0 {
		n = max(len(records), 1)
	}

	rosterAddr, err := rosterAddress(cfg.BindAddress)
	if err != nil && *writeRoster {
		return err
	}

	var roster []config.PeerRecord
	for i := 0; i < n; i++ {
		record := config.HostRecord{Port: uint16(*basePort) + uint16(i)}
		if i < len(records) {
			record = records[i]
		}

		scheme, err := crypto.New(cfg.Scheme)
		if err != nil {
			return err
		}
		identity := mesh.NewHostIdentity(scheme)
		if err := identity.Initialize(rand.Reader); err != nil {
			return err
		}
		if err := identity.GenerateKeypair(); err != nil {
			return err
		}
		record.PublicKey = identity.VerificationKey
		record.PrivateKey = identity.SigningKey
		if err := files.SaveHost(i, record); err != nil {
			return err
		}

		port := record.Port
		if port == 0 {
			port = config.DefaultPort
		}
		roster = append(roster, config.PeerRecord{
			Address:         rosterAddr,
			Port:            port,
			VerificationKey: identity.VerificationKey,
		})
		fmt.Printf("Host #%d:         port=%d fingerprint=%s\n", i, port, crypto.FormatFingerprint(identity.Fingerprint()))
	}

	if *writeRoster {
		if err := files.SaveRoster(roster); err != nil {
			return err
		}
		fmt.Printf("Roster:          %s (%d peers)\n", cfg.RosterPath, len(roster))
	}
	return nil
}

// rosterAddress is the address other local hosts dial to reach a host
// bound to bind. A wildcard bind is reached over loopback.
func rosterAddress(bind string) (string, error) {
	addr, err := netip.ParseAddr(bind)
	if err != nil {
		return "", fmt.Errorf("parse bind address: %w", err)
	}
	if addr.IsUnspecified() {
		return config.DefaultBindAddress, nil
	}
	return addr.String(), nil
}

// exportCommand writes archived messages as an Arrow IPC stream.
func exportCommand(args []string) error {
	flags := flag.NewFlagSet("signmesh export", flag.ExitOnError)
	dataDir := flags.String("data-dir", "", "data directory")
	host := flags.Uint("host", 0, "host port to export (0 for every host)")
	out := flags.String("out", "messages.arrow", "output file, - for stdout")
	_ = flags.Parse(args)

	cfg, _, err := loadConfig(*dataDir)
	if err != nil {
		return err
	}
	store, err := storage.OpenPath(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	messages, err := store.ExportMessages(uint16(*host))
	if err != nil {
		return err
	}

	w := os.Stdout
	if *out != "-" {
		f, err := os.Create(*out)
		if err != nil {
			return fmt.Errorf("create export file: %w", err)
		}
		defer f.Close()
		w = f
	}
	if err := archive.NewCodec().Write(w, messages); err != nil {
		return err
	}
	if *out != "-" {
		fmt.Fprintf(os.Stderr, "exported %d messages to %s\n", len(messages), *out)
	}
	return nil
}

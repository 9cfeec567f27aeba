package config

import (
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// HostRecord is one local host: its listen port and hex key pair.
type HostRecord struct {
	Port       uint16 `json:"port"`
	PublicKey  HexKey `json:"public"`
	PrivateKey HexKey `json:"private"`
}

// PeerRecord is one roster entry.
type PeerRecord struct {
	Address         string
	Port            uint16
	VerificationKey []byte
}

// HexKey marshals key bytes as a lowercase hex JSON string.
type HexKey []byte

func (k HexKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(k))
}

func (k *HexKey) UnmarshalJSON(raw []byte) error {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return fmt.Errorf("decode key: %w", err)
	}
	decoded, err := hex.DecodeString(strings.TrimSpace(text))
	if err != nil {
		return fmt.Errorf("decode key hex: %w", err)
	}
	if len(decoded) == 0 {
		decoded = nil
	}
	*k = decoded
	return nil
}

// Files reads and writes the hosts file and the peer roster. It is safe for
// concurrent use by several host supervisors.
type Files struct {
	HostsPath  string
	RosterPath string

	mu sync.Mutex
}

// NewFiles returns a store over the paths named in cfg.
func NewFiles(cfg *NodeConfig) *Files {
	return &Files{HostsPath: cfg.HostsPath, RosterPath: cfg.RosterPath}
}

// LoadHosts reads every host record in file order. A missing file yields
// an error matching fs.ErrNotExist.
func (f *Files) LoadHosts() ([]HostRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadHosts()
}

// LoadHost returns the record at index.
func (f *Files) LoadHost(index int) (HostRecord, error) {
	hosts, err := f.LoadHosts()
	if err != nil {
		return HostRecord{}, err
	}
	if index < 0 || index >= len(hosts) {
		return HostRecord{}, fmt.Errorf("host index %d out of range (%d hosts)", index, len(hosts))
	}
	return hosts[index], nil
}

// SaveHosts replaces the hosts file.
func (f *Files) SaveHosts(hosts []HostRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saveHosts(hosts)
}

// SaveHost replaces the record at index, appending when index is past the end.
func (f *Files) SaveHost(index int, record HostRecord) error {
	if index < 0 {
		return fmt.Errorf("invalid host index %d", index)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	hosts, err := f.loadHosts()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if index < len(hosts) {
		hosts[index] = record
	} else {
		hosts = append(hosts, record)
	}
	return f.saveHosts(hosts)
}

func (f *Files) loadHosts() ([]HostRecord, error) {
	raw, err := os.ReadFile(f.HostsPath)
	if err != nil {
		return nil, fmt.Errorf("read hosts: %w", err)
	}

	var hosts []HostRecord
	if err := json.Unmarshal(raw, &hosts); err != nil {
		return nil, fmt.Errorf("parse hosts: %w", err)
	}
	return hosts, nil
}

func (f *Files) saveHosts(hosts []HostRecord) error {
	if hosts == nil {
		hosts = []HostRecord{}
	}
	raw, err := json.MarshalIndent(hosts, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal hosts: %w", err)
	}

	raw = append(raw, '\n')
	return writeFileAtomic(f.HostsPath, raw, 0o600)
}

// LoadRoster reads the peer roster. Blank lines are skipped; a missing file
// yields an error matching fs.ErrNotExist.
func (f *Files) LoadRoster() ([]PeerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.RosterPath)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = 3
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var peers []PeerRecord
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse roster: %w", err)
		}

		record, err := parsePeerRecord(fields)
		if err != nil {
			line, _ := reader.FieldPos(0)
			return nil, fmt.Errorf("parse roster line %d: %w", line, err)
		}
		peers = append(peers, record)
	}
	return peers, nil
}

// SaveRoster replaces the roster file.
func (f *Files) SaveRoster(peers []PeerRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var b strings.Builder
	writer := csv.NewWriter(&b)
	for _, peer := range peers {
		if err := writer.Write([]string{
			peer.Address,
			strconv.Itoa(int(peer.Port)),
			hex.EncodeToString(peer.VerificationKey),
		}); err != nil {
			return fmt.Errorf("encode roster: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("encode roster: %w", err)
	}

	return writeFileAtomic(f.RosterPath, []byte(b.String()), 0o644)
}

func parsePeerRecord(fields []string) (PeerRecord, error) {
	address := strings.TrimSpace(fields[0])
	if address == "" {
		return PeerRecord{}, errors.New("address is required")
	}
	port, err := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 16)
	if err != nil {
		return PeerRecord{}, fmt.Errorf("parse port %q: %w", fields[1], err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(fields[2]))
	if err != nil {
		return PeerRecord{}, fmt.Errorf("decode verification key: %w", err)
	}
	return PeerRecord{Address: address, Port: uint16(port), VerificationKey: key}, nil
}

func writeFileAtomic(path string, raw []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create directory for %q: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, perm); err != nil {
		return fmt.Errorf("write %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %q: %w", path, err)
	}
	return nil
}

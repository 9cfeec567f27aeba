package control

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"signmesh/mesh"
)

// PeerStatus is one roster entry as reported by Status.
type PeerStatus struct {
	Address   string
	Port      uint16
	Connected bool
}

// HostStatus is the Status view of one host.
type HostStatus struct {
	Index       int
	Port        uint16
	State       string
	LastError   string
	Fingerprint string
	Identity    string
	Connected   bool
	Linked      int
	Messages    int
	Received    bool
	Peers       []PeerStatus
}

// BroadcastResult sums broadcast reports across hosts. FailedHosts lists
// the ports whose broadcast returned an error.
type BroadcastResult struct {
	Hosts       int
	Sent        int
	Skipped     int
	Failed      int
	FailedHosts []uint16
}

func (r *BroadcastResult) add(report mesh.BroadcastReport) {
	r.Hosts++
	r.Sent += report.Sent
	r.Skipped += report.Skipped
	r.Failed += report.Failed
}

func hostStatusFromSnapshot(snap mesh.HostSnapshot) HostStatus {
	status := HostStatus{
		Index:       snap.Index,
		Port:        snap.Port,
		State:       snap.State.String(),
		LastError:   snap.LastError,
		Fingerprint: snap.Fingerprint,
		Identity:    snap.Identity,
		Connected:   snap.Connected,
		Linked:      snap.Linked,
		Messages:    snap.Messages,
		Received:    snap.Received,
	}
	for _, peer := range snap.Peers {
		status.Peers = append(status.Peers, PeerStatus{
			Address:   peer.Address,
			Port:      peer.Port,
			Connected: peer.Connected,
		})
	}
	return status
}

func (h HostStatus) value() map[string]any {
	peers := make([]any, 0, len(h.Peers))
	for _, p := range h.Peers {
		peers = append(peers, map[string]any{
			"address":   p.Address,
			"port":      int(p.Port),
			"connected": p.Connected,
		})
	}
	return map[string]any{
		"index":       h.Index,
		"port":        int(h.Port),
		"state":       h.State,
		"last_error":  h.LastError,
		"fingerprint": h.Fingerprint,
		"identity":    h.Identity,
		"connected":   h.Connected,
		"linked":      h.Linked,
		"messages":    h.Messages,
		"received":    h.Received,
		"peers":       peers,
	}
}

func encodeHosts(hosts []HostStatus) (*structpb.Struct, error) {
	list := make([]any, 0, len(hosts))
	for _, h := range hosts {
		list = append(list, h.value())
	}
	return structpb.NewStruct(map[string]any{"hosts": list})
}

func decodeHosts(st *structpb.Struct) ([]HostStatus, error) {
	raw, ok := st.AsMap()["hosts"].([]any)
	if !ok {
		return nil, fmt.Errorf("control: status reply without hosts")
	}
	hosts := make([]HostStatus, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("control: malformed host entry %T", item)
		}
		h := HostStatus{
			Index:       intField(m, "index"),
			Port:        uint16(intField(m, "port")),
			State:       stringField(m, "state"),
			LastError:   stringField(m, "last_error"),
			Fingerprint: stringField(m, "fingerprint"),
			Identity:    stringField(m, "identity"),
			Connected:   boolField(m, "connected"),
			Linked:      intField(m, "linked"),
			Messages:    intField(m, "messages"),
			Received:    boolField(m, "received"),
		}
		peers, _ := m["peers"].([]any)
		for _, p := range peers {
			pm, ok := p.(map[string]any)
			if !ok {
				continue
			}
			h.Peers = append(h.Peers, PeerStatus{
				Address:   stringField(pm, "address"),
				Port:      uint16(intField(pm, "port")),
				Connected: boolField(pm, "connected"),
			})
		}
		hosts = append(hosts, h)
	}
	return hosts, nil
}

func (r BroadcastResult) encode() (*structpb.Struct, error) {
	failedHosts := make([]any, 0, len(r.FailedHosts))
	for _, port := range r.FailedHosts {
		failedHosts = append(failedHosts, int(port))
	}
	return structpb.NewStruct(map[string]any{
		"hosts":        r.Hosts,
		"sent":         r.Sent,
		"skipped":      r.Skipped,
		"failed":       r.Failed,
		"failed_hosts": failedHosts,
	})
}

func decodeBroadcastResult(st *structpb.Struct) BroadcastResult {
	m := st.AsMap()
	result := BroadcastResult{
		Hosts:   intField(m, "hosts"),
		Sent:    intField(m, "sent"),
		Skipped: intField(m, "skipped"),
		Failed:  intField(m, "failed"),
	}
	failedHosts, _ := m["failed_hosts"].([]any)
	for _, v := range failedHosts {
		if port, ok := v.(float64); ok {
			result.FailedHosts = append(result.FailedHosts, uint16(port))
		}
	}
	return result
}

func intField(m map[string]any, key string) int {
	v, _ := m[key].(float64)
	return int(v)
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func boolField(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

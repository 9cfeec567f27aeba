package mesh

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Node groups the hosts of one process.
type Node struct {
	logger *log.Logger

	mu        sync.RWMutex
	hosts     []*HostSupervisor
	restarted chan struct{}
}

// NewNode returns a node over hosts in the given order.
func NewNode(logger *log.Logger, hosts ...*HostSupervisor) *Node {
	if logger == nil {
		logger = log.Default()
	}
	return &Node{logger: logger, hosts: hosts, restarted: make(chan struct{})}
}

// BuildNode creates one supervisor per host index with shared options.
func BuildNode(count int, base HostOptions) (*Node, error) {
	hosts := make([]*HostSupervisor, 0, count)
	for i := 0; i < count; i++ {
		opts := base
		opts.Index = i
		host, err := NewHostSupervisor(opts)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, host)
	}
	return NewNode(base.Logger, hosts...), nil
}

// Hosts returns the supervisors in order.
func (n *Node) Hosts() []*HostSupervisor {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*HostSupervisor, len(n.hosts))
	copy(out, n.hosts)
	return out
}

// Host returns the supervisor listening on port.
func (n *Node) Host(port uint16) (*HostSupervisor, bool) {
	for _, host := range n.Hosts() {
		if host.Port() == port {
			return host, true
		}
	}
	return nil, false
}

// Start initializes every host. A host that fails is logged and stopped
// without affecting the others; the joined failures are returned.
func (n *Node) Start() error {
	var errs []error
	for _, host := range n.Hosts() {
		if err := host.Start(); err != nil {
			n.logger.Printf("mesh: host #%d failed to start: %v", host.Index(), err)
			errs = append(errs, fmt.Errorf("host #%d: %w", host.Index(), err))
		}
	}
	return errors.Join(errs...)
}

// Execute ticks every running host once in order and returns the number
// of events dispatched.
func (n *Node) Execute() int {
	events := 0
	for _, host := range n.Hosts() {
		handled, err := host.Tick()
		if err != nil {
			if !errors.Is(err, ErrHostStopped) && !errors.Is(err, ErrNotRunning) {
				n.logger.Printf("mesh: %v", err)
			}
			continue
		}
		if handled {
			events++
		}
	}
	return events
}

// Running reports how many hosts are running.
func (n *Node) Running() int {
	count := 0
	for _, host := range n.Hosts() {
		if host.State() == StateRunning {
			count++
		}
	}
	return count
}

// Run drives all hosts round-robin from the calling goroutine until ctx is
// done or no host is running.
func (n *Node) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if n.Running() == 0 {
			return nil
		}
		n.Execute()
	}
}

// RunConcurrent drives each host from its own goroutine. A host replaced
// by Restart is picked up by the goroutine of its index.
func (n *Node) RunConcurrent(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range n.Hosts() {
		g.Go(func() error {
			return n.runSlot(ctx, i)
		})
	}
	return g.Wait()
}

func (n *Node) runSlot(ctx context.Context, index int) error {
	for {
		host, restarted := n.slot(index)
		if err := host.Run(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-restarted:
		}
	}
}

func (n *Node) slot(index int) (*HostSupervisor, <-chan struct{}) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.hosts[index], n.restarted
}

// Restart restarts every host. Stopped hosts are replaced by fresh
// supervisors with the same options.
func (n *Node) Restart() error {
	n.mu.Lock()
	for i, host := range n.hosts {
		if host.State() != StateStopped {
			continue
		}
		fresh, err := NewHostSupervisor(host.opts)
		if err != nil {
			n.mu.Unlock()
			return err
		}
		fresh.messages = host.messagesSnapshot()
		n.hosts[i] = fresh
	}
	close(n.restarted)
	n.restarted = make(chan struct{})
	n.mu.Unlock()

	var errs []error
	for _, host := range n.Hosts() {
		var err error
		if host.State() == StateCreated {
			err = host.Start()
		} else {
			err = host.Restart()
		}
		if err != nil {
			n.logger.Printf("mesh: host #%d failed to restart: %v", host.Index(), err)
			errs = append(errs, fmt.Errorf("host #%d: %w", host.Index(), err))
		}
	}
	return errors.Join(errs...)
}

// Stop stops every host.
func (n *Node) Stop() error {
	var errs []error
	for _, host := range n.Hosts() {
		if err := host.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

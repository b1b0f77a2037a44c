package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cpp-cyber/proclone/internal/pve"
)

// fakePVE is an in-memory pve.Client for exercising the Manager and
// CloneWorker without a live Proxmox cluster.
type fakePVE struct {
	mu         sync.Mutex
	containers map[int]*pve.ContainerSummary
	hostnames  map[int]string
	deleted    map[int]bool
	started    map[int]int
	stopped    map[int]int
	failClone  bool
	busyUntil  int // LinkedClone returns lock-busy this many times before succeeding
}

func newFakePVE() *fakePVE {
	return &fakePVE{
		containers: make(map[int]*pve.ContainerSummary),
		hostnames:  make(map[int]string),
		deleted:    make(map[int]bool),
		started:    make(map[int]int),
		stopped:    make(map[int]int),
	}
}

// newFakePVEWithContainers seeds the fake with pre-existing containers, for
// discovery tests.
func newFakePVEWithContainers(vmidToHostname map[int]string) *fakePVE {
	f := newFakePVE()
	for vmid, hostname := range vmidToHostname {
		f.containers[vmid] = &pve.ContainerSummary{VMID: vmid, Name: hostname, Status: "stopped"}
		f.hostnames[vmid] = hostname
	}
	return f
}

func (f *fakePVE) ListContainers(ctx context.Context) ([]pve.ContainerSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]pve.ContainerSummary, 0, len(f.containers))
	for _, c := range f.containers {
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakePVE) GetContainerConfig(ctx context.Context, vmid int) (pve.ContainerConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pve.ContainerConfig{Hostname: f.hostnames[vmid]}, nil
}

func (f *fakePVE) GetContainerStatus(ctx context.Context, vmid int) (pve.ContainerStatus, error) {
	return pve.ContainerStatus{Status: "stopped"}, nil
}

func (f *fakePVE) LinkedClone(ctx context.Context, templateVMID, newVMID int, hostname string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failClone {
		return "", fmt.Errorf("clone failed permanently")
	}
	if f.busyUntil > 0 {
		f.busyUntil--
		return "", fmt.Errorf("lock already held, busy")
	}
	f.containers[newVMID] = &pve.ContainerSummary{VMID: newVMID, Name: hostname, Status: "stopped"}
	f.hostnames[newVMID] = hostname
	return "UPID:clone", nil
}

func (f *fakePVE) StartContainer(ctx context.Context, vmid int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started[vmid]++
	return "UPID:start", nil
}

func (f *fakePVE) StopContainer(ctx context.Context, vmid int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped[vmid]++
	return "UPID:stop", nil
}

func (f *fakePVE) DeleteContainer(ctx context.Context, vmid int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted[vmid] = true
	delete(f.containers, vmid)
	return "UPID:delete", nil
}

func (f *fakePVE) SetContainerHostname(ctx context.Context, vmid int, hostname string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hostnames[vmid] = hostname
	if c, ok := f.containers[vmid]; ok {
		c.Name = hostname
	}
	return nil
}

func (f *fakePVE) GetTaskStatus(ctx context.Context, upid string) (pve.TaskStatus, error) {
	return pve.TaskStatus{Status: "stopped", ExitStatus: "OK"}, nil
}

func (f *fakePVE) WaitForTask(ctx context.Context, upid string, timeout, pollInterval time.Duration) error {
	return nil
}

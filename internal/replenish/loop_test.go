package replenish

import (
	"context"
	"testing"
	"time"

	"github.com/cpp-cyber/proclone/internal/clonequeue"
	"github.com/cpp-cyber/proclone/internal/config"
	"github.com/cpp-cyber/proclone/internal/pool"
	"github.com/cpp-cyber/proclone/internal/pve"
)

type idlePVE struct{}

func (idlePVE) ListContainers(ctx context.Context) ([]pve.ContainerSummary, error) { return nil, nil }
func (idlePVE) GetContainerConfig(ctx context.Context, vmid int) (pve.ContainerConfig, error) {
	return pve.ContainerConfig{}, nil
}
func (idlePVE) GetContainerStatus(ctx context.Context, vmid int) (pve.ContainerStatus, error) {
	return pve.ContainerStatus{}, nil
}
func (idlePVE) LinkedClone(ctx context.Context, templateVMID, newVMID int, hostname string) (string, error) {
	return "UPID:clone", nil
}
func (idlePVE) StartContainer(ctx context.Context, vmid int) (string, error) { return "", nil }
func (idlePVE) StopContainer(ctx context.Context, vmid int) (string, error)  { return "", nil }
func (idlePVE) DeleteContainer(ctx context.Context, vmid int) (string, error) { return "", nil }
func (idlePVE) SetContainerHostname(ctx context.Context, vmid int, hostname string) error { return nil }
func (idlePVE) GetTaskStatus(ctx context.Context, upid string) (pve.TaskStatus, error) {
	return pve.TaskStatus{Status: "stopped", ExitStatus: "OK"}, nil
}
func (idlePVE) WaitForTask(ctx context.Context, upid string, timeout, pollInterval time.Duration) error {
	return nil
}

func TestLoopEnqueuesUpToTargetAndStopsOnCancel(t *testing.T) {
	cfg := &config.Config{
		PoolTargetSize:     2,
		ReplenishBatchSize: 2,
	}
	queue := clonequeue.New()
	manager := pool.NewManager(cfg, idlePVE{}, queue)
	manager.EnsurePoolForTemplate(9001, 2)
	before := queue.Len()

	l := New(manager, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}

	if got := queue.Len(); got <= before {
		t.Error("expected the replenish loop to have enqueued at least one clone request")
	}
}

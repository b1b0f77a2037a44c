package pool

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/cpp-cyber/proclone/internal/clonequeue"
	"github.com/cpp-cyber/proclone/internal/haguard"
	"github.com/cpp-cyber/proclone/internal/pve"
	"github.com/google/uuid"
)

// CloneWorker is the single consumer draining a clonequeue.Queue, grounded
// on this codebase's cloning service CloneVM flow (build request, issue it,
// await the task) and on pve-lxc-resize.py's await_task retry-on-busy loop.
// Running exactly one worker per service instance is what makes spec.md §5's
// "never two concurrent clones" guarantee hold without any lock around PVE
// itself.
type CloneWorker struct {
	manager *Manager
	client  pve.Client
	queue   *clonequeue.Queue
	guard   haguard.Guard

	cloneTimeout   time.Duration
	pollInterval   time.Duration
	deleteTimeout  time.Duration
	maxRetries     int
	retryDelay     time.Duration
	retryJitter    time.Duration
}

// NewCloneWorker builds a CloneWorker. guard may be haguard.NewNoop().
func NewCloneWorker(manager *Manager, client pve.Client, queue *clonequeue.Queue, guard haguard.Guard) *CloneWorker {
	cfg := manager.cfg
	return &CloneWorker{
		manager:       manager,
		client:        client,
		queue:         queue,
		guard:         guard,
		cloneTimeout:  cfg.CloneTimeout(),
		pollInterval:  cfg.TaskPollInterval(),
		deleteTimeout: cfg.DeleteTimeout(),
		maxRetries:    cfg.CloneMaxRetries,
		retryDelay:    cfg.CloneRetryDelay(),
		retryJitter:   cfg.CloneRetryJitter(),
	}
}

// Run drains the queue until it is closed. It is meant to run in its own
// goroutine for the lifetime of the service.
func (w *CloneWorker) Run(ctx context.Context) {
	for {
		req, ok := w.queue.Pop()
		if !ok {
			return
		}
		w.process(ctx, req)
	}
}

// process executes one clone request end to end: allocate a vmid and
// hostname, register it as CREATING, attempt the clone with retry on
// lock/busy errors, then mark the result and fulfill the request's promise.
func (w *CloneWorker) process(ctx context.Context, req *clonequeue.Request) {
	cloneID := uuid.NewString()

	hostname, err := generateHostname(w.manager.HostnamePrefix(), req.TemplateVMID)
	if err != nil {
		w.fail(req, clonequeue.Result{Err: fmt.Errorf("clone %s: failed to generate hostname: %w", cloneID, err)})
		return
	}

	vmid, err := w.manager.NextVMID(ctx)
	if err != nil {
		w.fail(req, clonequeue.Result{Err: fmt.Errorf("clone %s: failed to allocate vmid: %w", cloneID, err)})
		return
	}

	w.manager.InsertCreating(req.TemplateVMID, vmid, hostname)
	log.Printf("clone %s: creating vmid=%d hostname=%s from template=%d", cloneID, vmid, hostname, req.TemplateVMID)

	var cloneErr error
	for attempt := 1; attempt <= w.maxRetries; attempt++ {
		cloneErr = w.attemptClone(ctx, req.TemplateVMID, vmid, hostname)
		if cloneErr == nil {
			break
		}
		if !pve.IsLockBusy(cloneErr) || attempt == w.maxRetries {
			break
		}
		delay := w.retryDelay + jitter(w.retryJitter)
		log.Printf("clone %s: template %d locked/busy, retrying in %s (attempt %d/%d): %v",
			cloneID, req.TemplateVMID, delay, attempt, w.maxRetries, cloneErr)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			cloneErr = ctx.Err()
		}
	}

	if cloneErr != nil {
		w.manager.MarkFailed(vmid, cloneErr.Error())
		log.Printf("clone %s: vmid=%d failed, attempting best-effort cleanup: %v", cloneID, vmid, cloneErr)
		w.cleanupFailedClone(vmid)
		w.manager.Forget(vmid)
		req.Result <- clonequeue.Result{Err: fmt.Errorf("clone %s: %w", cloneID, cloneErr)}
		return
	}

	w.manager.MarkReady(vmid)
	log.Printf("clone %s: vmid=%d hostname=%s ready", cloneID, vmid, hostname)
	req.Result <- clonequeue.Result{VMID: vmid, Hostname: hostname}
}

func (w *CloneWorker) attemptClone(ctx context.Context, templateVMID, vmid int, hostname string) error {
	key := fmt.Sprintf("template-%d", templateVMID)
	return w.guard.Run(ctx, key, func() error {
		cloneCtx, cancel := context.WithTimeout(ctx, w.cloneTimeout)
		defer cancel()

		upid, err := w.client.LinkedClone(cloneCtx, templateVMID, vmid, hostname)
		if err != nil {
			return fmt.Errorf("linked clone request failed: %w", err)
		}
		if err := w.client.WaitForTask(cloneCtx, upid, w.cloneTimeout, w.pollInterval); err != nil {
			return fmt.Errorf("clone task failed: %w", err)
		}
		return nil
	})
}

// cleanupFailedClone best-effort deletes a container left behind by a
// failed clone, so it cannot leak a vmid or linger in PVE.
func (w *CloneWorker) cleanupFailedClone(vmid int) {
	ctx, cancel := context.WithTimeout(context.Background(), w.deleteTimeout)
	defer cancel()
	upid, err := w.client.DeleteContainer(ctx, vmid)
	if err != nil {
		log.Printf("clone cleanup: delete of vmid %d failed: %v", vmid, err)
		return
	}
	if err := w.client.WaitForTask(ctx, upid, w.deleteTimeout, w.pollInterval); err != nil {
		log.Printf("clone cleanup: delete task for vmid %d failed: %v", vmid, err)
	}
}

func (w *CloneWorker) fail(req *clonequeue.Request, res clonequeue.Result) {
	log.Printf("clone worker: %v", res.Err)
	req.Result <- res
}

// jitter returns a random duration in [0, max).
func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

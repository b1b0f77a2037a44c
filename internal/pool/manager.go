// Package pool implements the PoolManager: per-template container sets,
// their state transitions, VMID allocation, hostname generation, startup
// discovery, and allocate/release/remove. It is grounded on oriys/nova's
// internal/pool package for its locking discipline (a single mutex guarding
// in-memory maps, never held across network I/O, with FIFO bookkeeping over
// a ready set) and on this codebase's internal/proxmox client shape for how
// PVE is queried, adapted from per-function VM pools to per-template
// container pools.
package pool

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cpp-cyber/proclone/internal/clonequeue"
	"github.com/cpp-cyber/proclone/internal/config"
	"github.com/cpp-cyber/proclone/internal/containerstate"
	"github.com/cpp-cyber/proclone/internal/pve"
)

// Manager holds every template's container set plus the bookkeeping needed
// to allocate fresh VMIDs safely. One sync.Mutex guards all of it; the lock
// is taken only around in-memory reads/writes, never across a PVE call or a
// clone-queue wait, per spec.md §5.
type Manager struct {
	mu         sync.Mutex
	pools      map[int][]*PooledContainer // templateVMID -> containers, creation order
	byVMID     map[int]*PooledContainer
	usedVMIDs  map[int]struct{}
	targets    map[int]int // templateVMID -> target_size

	pve   pve.Client
	queue *clonequeue.Queue
	cfg   *config.Config

	hostnamePrefixRe *regexp.Regexp
}

// NewManager constructs an empty Manager. Call Discover to populate it from
// PVE's existing container listing before serving traffic.
func NewManager(cfg *config.Config, pveClient pve.Client, queue *clonequeue.Queue) *Manager {
	pattern := "^" + regexp.QuoteMeta(cfg.ContainerHostnamePrefix) + `(\d+)-`
	return &Manager{
		pools:            make(map[int][]*PooledContainer),
		byVMID:           make(map[int]*PooledContainer),
		usedVMIDs:        make(map[int]struct{}),
		targets:          make(map[int]int),
		pve:              pveClient,
		queue:            queue,
		cfg:              cfg,
		hostnamePrefixRe: regexp.MustCompile(pattern),
	}
}

// Discover lists every container PVE currently reports and reconstructs a
// PooledContainer for each whose name matches the pool's hostname prefix.
// Failures are logged, never fatal: the service starts with whatever it
// could enumerate.
func (m *Manager) Discover(ctx context.Context) error {
	containers, err := m.pve.ListContainers(ctx)
	if err != nil {
		log.Printf("pool: discovery failed to list PVE containers, starting with an empty pool: %v", err)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range containers {
		match := m.hostnamePrefixRe.FindStringSubmatch(c.Name)
		if match == nil {
			continue
		}
		templateVMID, err := strconv.Atoi(match[1])
		if err != nil {
			log.Printf("pool: discovery could not parse template vmid from hostname %q: %v", c.Name, err)
			continue
		}

		var state containerstate.State
		switch c.Status {
		case "stopped":
			state = containerstate.Ready
		case "running":
			state = containerstate.Allocated
		default:
			state = containerstate.Failed
		}

		pc := &PooledContainer{
			VMID:         c.VMID,
			Hostname:     c.Name,
			TemplateVMID: templateVMID,
			State:        state,
			CreatedAt:    time.Now(),
		}
		if state == containerstate.Allocated {
			// Discovery cannot recover who a running, still pool-hostnamed
			// container was allocated to (the rename to the caller's
			// instance_id normally erases the prefix match); record what we
			// do know so invariant P1 (allocated_at/allocated_to set iff
			// ALLOCATED) still holds.
			now := time.Now()
			pc.AllocatedAt = &now
			owner := c.Name
			pc.AllocatedTo = &owner
		}

		m.pools[templateVMID] = append(m.pools[templateVMID], pc)
		m.byVMID[pc.VMID] = pc
		m.usedVMIDs[pc.VMID] = struct{}{}
		if _, ok := m.targets[templateVMID]; !ok {
			m.targets[templateVMID] = m.cfg.PoolTargetSize
		}
	}

	for templateVMID := range m.pools {
		sort.Slice(m.pools[templateVMID], func(i, j int) bool {
			return m.pools[templateVMID][i].VMID < m.pools[templateVMID][j].VMID
		})
	}

	return nil
}

// NextVMID returns a vmid that is not currently reported by PVE and not
// already reserved by this process, recording it in usedVMIDs before
// returning. If listing PVE fails, it falls back to a wall-clock derived
// vmid so clones are never blocked by a PVE outage; the fallback still
// avoids colliding with any vmid this process has already reserved.
func (m *Manager) NextVMID(ctx context.Context) (int, error) {
	containers, err := m.pve.ListContainers(ctx)
	if err != nil {
		log.Printf("pool: next_vmid falling back to wall-clock allocation, PVE list failed: %v", err)
		m.mu.Lock()
		defer m.mu.Unlock()
		vmid := m.cfg.ContainerVMIDStart + int(time.Now().Unix()%10000)
		for {
			if _, used := m.usedVMIDs[vmid]; !used {
				break
			}
			vmid++
		}
		m.usedVMIDs[vmid] = struct{}{}
		return vmid, nil
	}

	existing := make(map[int]struct{}, len(containers))
	for _, c := range containers {
		existing[c.VMID] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	vmid := m.cfg.ContainerVMIDStart
	for {
		_, inExisting := existing[vmid]
		_, inUsed := m.usedVMIDs[vmid]
		if !inExisting && !inUsed {
			break
		}
		vmid++
	}
	m.usedVMIDs[vmid] = struct{}{}
	return vmid, nil
}

// EnsurePoolForTemplate idempotently registers templateVMID with the given
// target size and kicks off one bounded replenishment pass.
func (m *Manager) EnsurePoolForTemplate(templateVMID, targetSize int) {
	m.mu.Lock()
	if _, ok := m.pools[templateVMID]; !ok {
		m.pools[templateVMID] = nil
	}
	if _, ok := m.targets[templateVMID]; !ok {
		m.targets[templateVMID] = targetSize
	}
	m.mu.Unlock()

	m.ReplenishTick(templateVMID)
}

// TargetFor returns the configured target size for templateVMID, or the
// global default if the template is not yet known.
func (m *Manager) TargetFor(templateVMID int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if target, ok := m.targets[templateVMID]; ok {
		return target
	}
	return m.cfg.PoolTargetSize
}

// TemplatesSnapshot returns every template the manager currently knows
// about, for the ReplenishLoop to iterate without holding the lock across
// the tick.
func (m *Manager) TemplatesSnapshot() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.targets))
	for t := range m.targets {
		out = append(out, t)
	}
	sort.Ints(out)
	return out
}

// countsLocked must be called with mu held.
func (m *Manager) countsLocked(templateVMID int) (ready, creating, allocated int) {
	for _, c := range m.pools[templateVMID] {
		switch c.State {
		case containerstate.Ready:
			ready++
		case containerstate.Creating:
			creating++
		case containerstate.Allocated:
			allocated++
		}
	}
	return
}

// ReplenishTick enqueues up to ReplenishBatchSize fire-and-forget clone
// requests if templateVMID's ready+creating count is below its target. It
// returns how many were enqueued.
func (m *Manager) ReplenishTick(templateVMID int) int {
	m.mu.Lock()
	target, ok := m.targets[templateVMID]
	if !ok {
		target = m.cfg.PoolTargetSize
	}
	ready, creating, _ := m.countsLocked(templateVMID)
	m.mu.Unlock()

	current := ready + creating
	if current >= target {
		return 0
	}
	need := target - current
	if need > m.cfg.ReplenishBatchSize {
		need = m.cfg.ReplenishBatchSize
	}
	for i := 0; i < need; i++ {
		m.queue.Push(clonequeue.NewRequest(templateVMID))
	}
	return need
}

// Warm ensures templateVMID is registered and enqueues enough fire-and-forget
// clones to bring ready+creating up to count, bypassing the per-tick batch
// cap since the operator explicitly asked for this many.
func (m *Manager) Warm(templateVMID, count int) int {
	m.mu.Lock()
	if _, ok := m.pools[templateVMID]; !ok {
		m.pools[templateVMID] = nil
	}
	if _, ok := m.targets[templateVMID]; !ok {
		m.targets[templateVMID] = m.cfg.PoolTargetSize
	}
	ready, creating, _ := m.countsLocked(templateVMID)
	m.mu.Unlock()

	need := count - (ready + creating)
	if need <= 0 {
		return 0
	}
	for i := 0; i < need; i++ {
		m.queue.Push(clonequeue.NewRequest(templateVMID))
	}
	return need
}

func (m *Manager) takeOldestReadyLocked(templateVMID int) *PooledContainer {
	for _, c := range m.pools[templateVMID] {
		if c.State == containerstate.Ready {
			return c
		}
	}
	return nil
}

// transitionLocked moves c to the given state if containerstate.CanTransition
// allows it, logging and refusing the move otherwise. Must be called with mu
// held.
func (m *Manager) transitionLocked(c *PooledContainer, to containerstate.State) bool {
	if !containerstate.CanTransition(c.State, to) {
		log.Printf("pool: refusing invalid state transition for vmid %d: %s -> %s", c.VMID, c.State, to)
		return false
	}
	c.State = to
	return true
}

// Allocate serves a container for templateVMID. The fast path pops the
// oldest READY container (FIFO); the slow path enqueues a clone request and
// blocks for its result. On ctx cancellation during the slow path, Allocate
// returns ctx.Err() without cancelling the in-flight clone: the container
// still lands in the pool as READY once the worker finishes.
func (m *Manager) Allocate(ctx context.Context, templateVMID int, instanceID string) (*PooledContainer, bool, error) {
	m.mu.Lock()
	if c := m.takeOldestReadyLocked(templateVMID); c != nil {
		now := time.Now()
		m.transitionLocked(c, containerstate.Allocated)
		c.AllocatedAt = &now
		owner := instanceID
		c.AllocatedTo = &owner
		result := c.clone()
		m.mu.Unlock()

		go m.ReplenishTick(templateVMID)
		return result, true, nil
	}
	m.mu.Unlock()

	req := clonequeue.NewRequest(templateVMID)
	m.queue.Push(req)

	select {
	case res := <-req.Result:
		if res.Err != nil {
			return nil, false, res.Err
		}
		c, err := m.claimReady(res.VMID, instanceID)
		return c, false, err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (m *Manager) claimReady(vmid int, instanceID string) (*PooledContainer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byVMID[vmid]
	if !ok {
		return nil, fmt.Errorf("container %d vanished after clone", vmid)
	}
	if c.State != containerstate.Ready {
		return nil, fmt.Errorf("container %d not ready after clone (state=%s)", vmid, c.State)
	}
	now := time.Now()
	m.transitionLocked(c, containerstate.Allocated)
	c.AllocatedAt = &now
	owner := instanceID
	c.AllocatedTo = &owner
	return c.clone(), nil
}

// Release stops the container and returns it to READY. An unknown vmid is
// logged and treated as a no-op success.
func (m *Manager) Release(ctx context.Context, vmid int) error {
	m.mu.Lock()
	c, ok := m.byVMID[vmid]
	m.mu.Unlock()
	if !ok {
		log.Printf("pool: release of unknown vmid %d ignored", vmid)
		return nil
	}

	taskID, err := m.pve.StopContainer(ctx, vmid)
	if err == nil {
		err = m.pve.WaitForTask(ctx, taskID, m.cfg.StartStopTimeout(), m.cfg.TaskPollInterval())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.transitionLocked(c, containerstate.Failed)
		c.Error = err.Error()
		return err
	}
	m.transitionLocked(c, containerstate.Ready)
	c.AllocatedAt = nil
	c.AllocatedTo = nil
	return nil
}

// Remove best-effort deletes the container in PVE and drops it from the
// pool. Unknown vmids are a no-op, making Remove idempotent (L2).
func (m *Manager) Remove(ctx context.Context, vmid int) error {
	m.mu.Lock()
	c, ok := m.byVMID[vmid]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if _, err := m.pve.DeleteContainer(ctx, vmid); err != nil {
		log.Printf("pool: best-effort delete of vmid %d failed: %v", vmid, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(c)
	return nil
}

func (m *Manager) removeLocked(c *PooledContainer) {
	delete(m.byVMID, c.VMID)
	delete(m.usedVMIDs, c.VMID)
	slice := m.pools[c.TemplateVMID]
	for i, x := range slice {
		if x.VMID == c.VMID {
			m.pools[c.TemplateVMID] = append(slice[:i], slice[i+1:]...)
			break
		}
	}
}

// InsertCreating adds a new CREATING container to templateVMID's pool. It
// is called by the CloneWorker before it calls PVE, so the replenisher's
// in-flight count is accurate even while the clone is still running.
func (m *Manager) InsertCreating(templateVMID, vmid int, hostname string) *PooledContainer {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &PooledContainer{
		VMID:         vmid,
		Hostname:     hostname,
		TemplateVMID: templateVMID,
		State:        containerstate.Creating,
		CreatedAt:    time.Now(),
	}
	m.pools[templateVMID] = append(m.pools[templateVMID], c)
	m.byVMID[vmid] = c
	return c
}

// MarkReady flips a CREATING container to READY once its clone succeeds.
func (m *Manager) MarkReady(vmid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.byVMID[vmid]; ok {
		m.transitionLocked(c, containerstate.Ready)
	}
}

// MarkFailed flips a CREATING container to FAILED, recording errMsg.
func (m *Manager) MarkFailed(vmid int, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.byVMID[vmid]; ok {
		m.transitionLocked(c, containerstate.Failed)
		c.Error = errMsg
	}
}

// Forget removes vmid from the pool entirely, without touching PVE. Used by
// the CloneWorker after a failed clone's best-effort delete.
func (m *Manager) Forget(vmid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.byVMID[vmid]; ok {
		m.removeLocked(c)
	}
}

// HostnamePrefix exposes the configured pool hostname prefix for the
// CloneWorker's hostname generation.
func (m *Manager) HostnamePrefix() string {
	return m.cfg.ContainerHostnamePrefix
}

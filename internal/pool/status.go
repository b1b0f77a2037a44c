package pool

import (
	"sort"
	"time"

	"github.com/cpp-cyber/proclone/internal/containerstate"
)

// ContainerStatusView is the read-only projection of a PooledContainer
// exposed by GET /status.
type ContainerStatusView struct {
	VMID        int                  `json:"vmid"`
	Hostname    string               `json:"hostname"`
	State       containerstate.State `json:"state"`
	CreatedAt   time.Time            `json:"created_at"`
	AllocatedTo *string              `json:"allocated_to,omitempty"`
}

// TemplatePoolStatus summarizes one template's pool.
type TemplatePoolStatus struct {
	TemplateVMID   int                   `json:"template_vmid"`
	TargetSize     int                   `json:"target_size"`
	ReadyCount     int                   `json:"ready_count"`
	CreatingCount  int                   `json:"creating_count"`
	AllocatedCount int                   `json:"allocated_count"`
	Containers     []ContainerStatusView `json:"containers"`
}

// PoolStatus is the full response body for GET /status.
type PoolStatus struct {
	Templates        map[int]TemplatePoolStatus `json:"templates"`
	TotalReady       int                        `json:"total_ready"`
	TotalCreating    int                        `json:"total_creating"`
	TotalAllocated   int                        `json:"total_allocated"`
	CloneQueueLength int                        `json:"clone_queue_length"`
}

// GetStatus snapshots the current state of every known template's pool.
func (m *Manager) GetStatus() PoolStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := PoolStatus{
		Templates:        make(map[int]TemplatePoolStatus, len(m.pools)),
		CloneQueueLength: m.queue.Len(),
	}

	templateIDs := make([]int, 0, len(m.pools))
	for t := range m.pools {
		templateIDs = append(templateIDs, t)
	}
	sort.Ints(templateIDs)

	for _, templateVMID := range templateIDs {
		containers := m.pools[templateVMID]
		views := make([]ContainerStatusView, 0, len(containers))
		ready, creating, allocated := m.countsLocked(templateVMID)
		for _, c := range containers {
			views = append(views, ContainerStatusView{
				VMID:        c.VMID,
				Hostname:    c.Hostname,
				State:       c.State,
				CreatedAt:   c.CreatedAt,
				AllocatedTo: c.AllocatedTo,
			})
		}
		target := m.targets[templateVMID]
		status.Templates[templateVMID] = TemplatePoolStatus{
			TemplateVMID:   templateVMID,
			TargetSize:     target,
			ReadyCount:     ready,
			CreatingCount:  creating,
			AllocatedCount: allocated,
			Containers:     views,
		}
		status.TotalReady += ready
		status.TotalCreating += creating
		status.TotalAllocated += allocated
	}

	return status
}

// QueueLen exposes the clone queue's current backlog length.
func (m *Manager) QueueLen() int {
	return m.queue.Len()
}

package pool

import (
	"time"

	"github.com/cpp-cyber/proclone/internal/containerstate"
)

// PooledContainer is the unit of pool state: one LXC container cloned from
// a template, somewhere in its CREATING/READY/ALLOCATED/FAILED lifecycle.
type PooledContainer struct {
	VMID         int                   `json:"vmid"`
	Hostname     string                `json:"hostname"`
	TemplateVMID int                   `json:"template_vmid"`
	State        containerstate.State  `json:"state"`
	CreatedAt    time.Time             `json:"created_at"`
	AllocatedAt  *time.Time            `json:"allocated_at,omitempty"`
	AllocatedTo  *string               `json:"allocated_to,omitempty"`
	Error        string                `json:"error,omitempty"`
}

// clone returns a shallow copy safe to hand outside the manager's lock.
func (c *PooledContainer) clone() *PooledContainer {
	cp := *c
	return &cp
}

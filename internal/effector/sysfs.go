package effector

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-logr/logr"
)

// CapacityNode pushes the aggregate capacity request to a sysfs-style
// attribute file.
type CapacityNode struct {
	path   string
	logger logr.Logger
}

func NewCapacityNode(path string, logger logr.Logger) *CapacityNode {
	return &CapacityNode{path: path, logger: logger.WithName("capacity")}
}

func (n *CapacityNode) ApplyCapacity(capacity int64) error {
	if err := os.WriteFile(n.path, []byte(strconv.FormatInt(capacity, 10)), 0644); err != nil {
		return fmt.Errorf("writing capacity node %s: %w", n.path, err)
	}
	n.logger.V(5).Info("capacity applied", "capacity", capacity)
	return nil
}

// BoostNode flips a 0/1 sysfs attribute gating the system-wide boost.
type BoostNode struct {
	path   string
	logger logr.Logger
}

func NewBoostNode(path string, logger logr.Logger) *BoostNode {
	return &BoostNode{path: path, logger: logger.WithName("boost")}
}

func (n *BoostNode) SetGlobalBoost(enabled bool) error {
	v := "0"
	if enabled {
		v = "1"
	}
	if err := os.WriteFile(n.path, []byte(v), 0644); err != nil {
		return fmt.Errorf("writing boost node %s: %w", n.path, err)
	}
	n.logger.V(5).Info("global boost toggled", "enabled", enabled)
	return nil
}

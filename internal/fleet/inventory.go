package fleet

import (
	"context"

	"fleet-cd/internal/config"
)

// Inventory resolves the hosts a selector matches.
type Inventory interface {
	Resolve(ctx context.Context, sel Selector) ([]Target, error)
}

// StaticInventory matches against a fixed host list from the config file.
type StaticInventory struct {
	Targets []Target
}

// NewStaticInventory builds the inventory from config.
func NewStaticInventory(cfg *config.InventoryConfig) *StaticInventory {
	targets := make([]Target, 0, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		targets = append(targets, Target{Host: h.Host, Tags: h.Tags})
	}
	return &StaticInventory{Targets: targets}
}

func (i *StaticInventory) Resolve(ctx context.Context, sel Selector) ([]Target, error) {
	var matched []Target
	for _, t := range i.Targets {
		if sel.Matches(t.Tags) {
			matched = append(matched, t)
		}
	}
	return matched, nil
}

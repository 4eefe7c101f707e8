package resultcache

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/aweris/resultcache/internal/store"
)

type storeGroup struct {
	path    string
	configs []Config
	keys    []string
}

// Partition splits configs into those with a saved result and those
// without. Configs are grouped by store; each existing store is opened once
// and stores that do not exist are not touched at all. An active batch
// session on one of the stores is reused. Within each output list, configs
// keep their input order per store, and stores appear in the order they were
// first seen. An empty subfolder uses the cache default.
func (c *Cache) Partition(ctx context.Context, configs []Config, subfolder string) (complete, incomplete []Config, err error) {
	groups, err := c.groupByStore(configs, subfolder)
	if err != nil {
		return nil, nil, err
	}

	for _, g := range groups {
		if activeSessionFor(g.path) == nil && !store.Exists(g.path) {
			incomplete = append(incomplete, g.configs...)
			continue
		}

		err := c.withStore(ctx, g.path, false, func(db *store.DB) error {
			for i, cfg := range g.configs {
				ok, err := existsIn(db, g.keys[i], c.opts.StrictExists)
				if err != nil {
					return err
				}
				if ok {
					complete = append(complete, cfg)
				} else {
					incomplete = append(incomplete, cfg)
				}
			}
			return nil
		})
		if err != nil {
			return nil, nil, fmt.Errorf("partition %s: %w", g.path, err)
		}
	}

	log.Debugf("partitioned %d configs over %d stores: %d complete", len(configs), len(groups), len(complete))
	return complete, incomplete, nil
}

// Complete returns the configs that already have a saved result.
func (c *Cache) Complete(ctx context.Context, configs []Config, subfolder string) ([]Config, error) {
	complete, _, err := c.Partition(ctx, configs, subfolder)
	return complete, err
}

// Incomplete returns the configs that still need to be run.
func (c *Cache) Incomplete(ctx context.Context, configs []Config, subfolder string) ([]Config, error) {
	_, incomplete, err := c.Partition(ctx, configs, subfolder)
	return incomplete, err
}

func (c *Cache) groupByStore(configs []Config, subfolder string) ([]*storeGroup, error) {
	var groups []*storeGroup
	byPath := make(map[string]*storeGroup)
	for _, cfg := range configs {
		path, key, err := c.addressIn(cfg, subfolder)
		if err != nil {
			return nil, err
		}
		g, ok := byPath[path]
		if !ok {
			g = &storeGroup{path: path}
			byPath[path] = g
			groups = append(groups, g)
		}
		g.configs = append(g.configs, cfg)
		g.keys = append(g.keys, key)
	}
	return groups, nil
}

// Package resultcache caches experiment results on disk, keyed by the
// experiment's configuration.
//
// A config is an arbitrary map. Its routing keys (by default "db_folder")
// pick the store directory; everything else is canonicalized and hashed into
// a content key. Saving the same config twice addresses the same record, so a
// run can check for a cached result before recomputing it.
//
// Each store is a directory holding a bbolt file with two collections,
// configs and data, a blob directory for large payloads and a lock file.
// Opening a store takes the lock, so processes sharing a store serialize.
//
// Basic usage:
//
//	c := resultcache.New(resultcache.WithRoot("/experiments"))
//
//	cfg := resultcache.Config{"db_folder": "sweep-1", "lr": 0.1, "seed": 3}
//
//	if ok, _ := c.Exists(ctx, cfg); !ok {
//	    c.Save(ctx, cfg, runExperiment(cfg))
//	}
//
//	var result []float64
//	c.Load(ctx, cfg, &result)
//
// Every call above opens and closes the store. To run many operations
// against one store, hold it in a batch session:
//
//	err := c.Batch(ctx, path, func(s *resultcache.Session) error {
//	    for _, cfg := range configs {
//	        if ok, err := s.Exists(cfg); err != nil || ok {
//	            ...
//	        }
//	    }
//	    return nil
//	})
//
// Partition does this grouping itself, opening each store at most once:
//
//	done, todo, _ := c.Partition(ctx, configs, "")
//
// Maintenance:
//
//	entries, _ := c.ListAll(ctx, path) // every config with its key
//	stats, _ := c.Pack(ctx, path)       // compact, drop unreferenced blobs
package resultcache

// Package batch resolves many request descriptors with bounded concurrency.
//
// Map tools typically need a block of neighbouring tiles or the same
// dataset for several areas at once. Each descriptor goes through the
// coordinator, so cached entries are served locally and duplicate
// descriptors in one batch share a single upstream fetch.
//
// Example usage:
//
//	descs, _ := batch.Tiles("XKT002", 13, 7274, 3225, 1, request.FormatGeoJSON, nil, classes)
//	f := batch.NewFetcher(coord, batch.DefaultConfig(), logger)
//	outcomes, err := f.ResolveAll(ctx, descs, coordinator.Options{})
//
// The fetcher:
//   - runs at most MaxConcurrency resolutions at a time
//   - records one Outcome per descriptor, in input order
//   - keeps going when individual descriptors fail
//   - stops scheduling new work once ctx is cancelled
package batch

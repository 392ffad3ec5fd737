package storage

import (
	"context"
)

// StatusCount aggregates the chunks in one status.
type StatusCount struct {
	Status int   `bun:"status"`
	Chunks int64 `bun:"chunks"`
	Bytes  int64 `bun:"bytes"`
	CBytes int64 `bun:"cbytes"`
}

// CompressionCount aggregates the chunks stored with one algorithm.
type CompressionCount struct {
	Compression string `bun:"compression"`
	Chunks      int64  `bun:"chunks"`
	Bytes       int64  `bun:"bytes"`
	CBytes      int64  `bun:"cbytes"`
}

// Ratio is stored bytes over original bytes, 0 for empty groups.
func (c CompressionCount) Ratio() float64 {
	if c.Bytes == 0 {
		return 0
	}
	return float64(c.CBytes) / float64(c.Bytes)
}

// Counters is a whole-index summary for reporting.
type Counters struct {
	Chunks        int64
	Bytes         int64
	CBytes        int64
	Unreferenced  int64
	PendingChunks int64
	PendingBytes  int64
	ByStatus      []StatusCount
	ByCompression []CompressionCount
	Snapshots     int64
	Excludes      int64
	FileRefs      map[int64]int64
}

// Counters computes the reporting summary of the index.
func (db *BunDB) Counters(ctx context.Context) (*Counters, error) {
	c := &Counters{FileRefs: make(map[int64]int64)}

	if err := db.NewRaw(`
		SELECT status, COUNT(*) AS chunks,
		       COALESCE(SUM(size), 0) AS bytes, COALESCE(SUM(csize), 0) AS cbytes
		FROM file_data GROUP BY status ORDER BY status
	`).Scan(ctx, &c.ByStatus); err != nil {
		return nil, err
	}
	for _, s := range c.ByStatus {
		c.Chunks += s.Chunks
		c.Bytes += s.Bytes
		c.CBytes += s.CBytes
		if s.Status < ChunkUploaded {
			c.PendingChunks += s.Chunks
			c.PendingBytes += s.CBytes
		}
	}

	if err := db.NewRaw(`
		SELECT COALESCE(compression, '') AS compression, COUNT(*) AS chunks,
		       COALESCE(SUM(size), 0) AS bytes, COALESCE(SUM(csize), 0) AS cbytes
		FROM file_data GROUP BY COALESCE(compression, '') ORDER BY 1
	`).Scan(ctx, &c.ByCompression); err != nil {
		return nil, err
	}

	n, err := db.NewSelect().Model((*ChunkModel)(nil)).Where("refcount = 0").Count(ctx)
	if err != nil {
		return nil, err
	}
	c.Unreferenced = int64(n)

	n, err = db.NewSelect().Model((*SnapshotModel)(nil)).Count(ctx)
	if err != nil {
		return nil, err
	}
	c.Snapshots = int64(n)

	n, err = db.NewSelect().Model((*ExcludeModel)(nil)).Count(ctx)
	if err != nil {
		return nil, err
	}
	c.Excludes = int64(n)

	var refs []struct {
		Snapshot int64 `bun:"snapshot"`
		N        int64 `bun:"n"`
	}
	if err := db.NewRaw(`SELECT snapshot, COUNT(*) AS n FROM file_ref GROUP BY snapshot`).Scan(ctx, &refs); err != nil {
		return nil, err
	}
	for _, r := range refs {
		c.FileRefs[r.Snapshot] = r.N
	}
	return c, nil
}

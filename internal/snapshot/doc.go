// Package snapshot persists catalog indexes as immutable, point-in-time
// snapshots in any gocloud.dev/blob bucket.
//
// # Storage Layout
//
//	{bucket}/{archiveSet}_{product}_catalog_{MMDDYYYY}.json      (plain)
//	{bucket}/{archiveSet}_{product}_catalog_{MMDDYYYY}.json.zst  (zstd)
//	{bucket}/{archiveSet}_{product}_laads_urls_{MMDDYYYY}.json   (legacy, read only)
//
// Each new snapshot also carries "captured-at" and "snapshot-id" blob
// metadata. The newest snapshot is the one with the greatest capture time;
// the date in the key is only consulted when metadata is missing.
//
// # Document Format
//
//	{
//	  "version": 2,
//	  "id": "5f0c...",
//	  "archive_set": "5000",
//	  "product": "VNP46A3",
//	  "cadence": "monthly",
//	  "captured_at": "2025-01-15T10:30:00Z",
//	  "entries": {"h09v05": {"2021": {"001": "VNP46A3.A2021001.h09v05.001.h5"}}}
//	}
//
// Legacy snapshots hold only the "entries" object.
package snapshot

// Package cache defines the disk-backed distfile store responsible for
// translating file names into <StoragePath>/distfiles/<shard>/<name> paths,
// where shard is the Portage filename-hash BLAKE2B prefix. Writes go through
// scoped handles backed by temp files and become visible only via an atomic
// rename at commit time, so readers never observe a partially written entry.
// The fetch coordinator depends on this package to stream upstream bytes to
// disk and to serve committed entries without duplicating filesystem logic.
package cache

package sharding

import "hash/crc32"

// DefaultShardCount partitions the task-events subject space. Deliberately
// small: a shard is an ordering domain, not a scaling unit.
const DefaultShardCount = 16

// Assign returns the deterministic shard for a task ID. All events for one
// task land on the same shard, so consumers see per-task order within a
// shard while staying free of any cross-shard ordering assumption.
func Assign(taskID string, shards int) int {
	if shards <= 0 {
		shards = DefaultShardCount
	}
	checksum := crc32.ChecksumIEEE([]byte(taskID))
	return int(checksum % uint32(shards))
}

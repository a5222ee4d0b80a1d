// Package cache holds the two storage tiers behind the image loader: a bounded
// in-memory LRU of decoded images and a disk store that maps cache keys to
// flat <sha1> files under one managed root. Disk writes go through a temp file
// + rename so readers never observe a partial file, and both tiers evict
// synchronously when a write would exceed their budget. The key codec lives
// here too so both tiers and the coordinator agree on entry identity.
package cache

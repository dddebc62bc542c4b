// Package buffer implements Ring, a fixed-capacity FIFO with an overflow policy.
//
// With DropOldest (the default) a full ring overwrites its oldest entry, which is
// what the recent-track history needs:
//
//	track := buffer.NewRing[device.Position](20)
//	_ = track.Write(pos)
//	latest := track.Latest(5) // newest first
//
// DropNewest keeps the existing content and discards the incoming item, which suits
// per-client send queues where a slow reader must not evict earlier frames.
package buffer

// Package prefetch downloads the head of media resources into the disk cache.
//
// A Dispatcher validates requests and waits for the cache to become live, a
// Pool runs Tasks on a fixed set of workers, and a Worker streams the bytes of
// one Task through a cache Sink until the byte threshold or the end of the
// head clip is reached.
package prefetch

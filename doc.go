// Package pagecache is a client for a distributed page cache.
//
// A Client routes fixed-size pages of remote files to cache workers with a
// consistent hashing ring, fetches and writes them over the workers' HTTP
// API and drives server-side load jobs. The worker set comes from a static
// list or from an etcd registry that is polled in the background.
//
// Reads fan out one request per page, bounded by a client-wide limit on
// in-flight requests, and fall back across replica candidates in ring order.
// A read either returns every requested byte or fails; it never returns a
// partial result.
//
//	cfg := pagecache.DefaultConfig()
//	cfg.Membership.Workers = []string{"worker-0", "worker-1"}
//	c, err := pagecache.New(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//	data, err := c.ReadRange(ctx, "s3://bucket/file", 1<<20, 4096)
package pagecache

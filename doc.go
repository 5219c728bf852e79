// Package dalli is a client for memcached-protocol cache clusters.
//
// It speaks the binary request/response protocol over TCP (or a local
// stream socket), fans requests out across a pool of servers using
// consistent hashing with weights and failover, and supports pipelined
// multi-key retrieval, compare-and-swap, client-side key namespacing, and
// optional value compression.
//
// The entry point is Client, built with New:
//
//	c, err := dalli.New(dalli.Config{Servers: "10.0.0.1:11211,10.0.0.2:11211"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer c.Close()
//
//	err = c.Set(ctx, "user:42", []byte("payload"), time.Minute)
package dalli

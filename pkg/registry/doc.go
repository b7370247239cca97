// Package registry tracks which entity instances are live in this
// process.
//
// The runtime guarantees at most one instance per (type, id). The
// registry is where that guarantee is enforced locally: concurrent
// activations race through Acquire, exactly one wins, and losers adopt
// the winner. Cluster-wide placement is layered on top by pkg/cluster;
// this package never does I/O and never blocks beyond a mutex.
package registry

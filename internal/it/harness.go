// Package it runs clients against clusters of in-process fake workers.
package it

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"pagecache"
	"pagecache/internal/membership"
	"pagecache/internal/ring"
	"pagecache/internal/workertest"
)

// Cluster represents a test cluster of fake workers and the registry they
// announce themselves in.
type Cluster struct {
	t  *testing.T
	mu sync.Mutex
	// nodes holds every started node; registered marks those visible in
	// the registry.
	nodes      map[string]*Node
	registered map[string]bool
}

// Node represents a single worker in the test cluster.
type Node struct {
	ID     string
	Server *workertest.Server
}

// Worker returns the node's identity.
func (n *Node) Worker() ring.Worker {
	return n.Server.Worker()
}

// NewCluster creates an empty cluster. Nodes are shut down when the test
// ends.
func NewCluster(t *testing.T) *Cluster {
	c := &Cluster{
		t:          t,
		nodes:      make(map[string]*Node),
		registered: make(map[string]bool),
	}
	t.Cleanup(c.Stop)
	return c
}

// StartCluster starts n registered nodes named n1..nN.
func (c *Cluster) StartCluster(n int) {
	for i := 1; i <= n; i++ {
		c.StartNode(fmt.Sprintf("n%d", i))
	}
}

// StartNode starts a worker and registers it.
func (c *Cluster) StartNode(id string) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	node := &Node{ID: id, Server: workertest.NewServer(zaptest.NewLogger(c.t).Named(id))}
	c.nodes[id] = node
	c.registered[id] = true
	return node
}

// GetNode returns a node by ID.
func (c *Cluster) GetNode(id string) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[id]
}

// Nodes returns all started nodes ordered by ID.
func (c *Cluster) Nodes() []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// KillNode shuts a worker down without deregistering it, like a crash the
// registry has not noticed yet.
func (c *Cluster) KillNode(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.nodes[id]
	if !ok {
		return fmt.Errorf("node %s not found", id)
	}
	node.Server.Close()
	return nil
}

// Deregister removes a node from the registry but leaves it running.
func (c *Cluster) Deregister(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.nodes[id]; !ok {
		return fmt.Errorf("node %s not found", id)
	}
	delete(c.registered, id)
	return nil
}

// Stop shuts down every node.
func (c *Cluster) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, node := range c.nodes {
		node.Server.Close()
	}
	c.nodes = make(map[string]*Node)
	c.registered = make(map[string]bool)
}

// Snapshot implements membership.Source over the registered nodes.
func (c *Cluster) Snapshot(ctx context.Context) (membership.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ws := make([]ring.Worker, 0, len(c.registered))
	for id := range c.registered {
		ws = append(ws, c.nodes[id].Worker())
	}
	if len(ws) == 0 {
		return membership.Snapshot{}, membership.ErrEmptySnapshot
	}
	return membership.NewSnapshot(ws), nil
}

// Dynamic returns true; the registry changes as nodes come and go.
func (c *Cluster) Dynamic() bool { return true }

// NewClient connects a client to the cluster registry. mutate may adjust
// the default configuration.
func (c *Cluster) NewClient(mutate func(*pagecache.Config)) *pagecache.Client {
	c.t.Helper()

	cfg := pagecache.DefaultConfig()
	cfg.Membership.Mode = "dynamic"
	cfg.Membership.RefreshIntervalSeconds = 1
	if mutate != nil {
		mutate(&cfg)
	}

	client, err := pagecache.New(context.Background(), cfg,
		pagecache.WithSource(c),
		pagecache.WithLogger(zaptest.NewLogger(c.t).Named("client")))
	if err != nil {
		c.t.Fatalf("failed to create client: %v", err)
	}
	c.t.Cleanup(func() { _ = client.Close() })
	return client
}

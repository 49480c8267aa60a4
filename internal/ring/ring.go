package ring

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"

	"github.com/spaolacci/murmur3"
)

// DefaultVirtualNodes is used when Build is given a non-positive count.
const DefaultVirtualNodes = 128

// Ports a worker listens on unless its registration says otherwise.
const (
	DefaultDataPort = 29997
	DefaultWebPort  = 28080
)

// ErrNoAvailableWorker is returned when a lookup is made against an empty ring.
var ErrNoAvailableWorker = errors.New("no available worker")

// Worker identifies a cache worker. Two Workers are the same worker iff all
// fields are equal.
type Worker struct {
	Host     string
	DataPort int
	// WebPort is the port of the worker's HTTP API, taken from the
	// registry's HttpServerPort and not from its WebPort (the web UI).
	WebPort int
}

// Addr returns the host:port of the worker's HTTP API.
func (w Worker) Addr() string {
	return net.JoinHostPort(w.Host, strconv.Itoa(w.WebPort))
}

// String returns "host:dataPort:webPort".
func (w Worker) String() string {
	return fmt.Sprintf("%s:%d:%d", w.Host, w.DataPort, w.WebPort)
}

// Compare orders workers by host, then data port, then web port.
// It returns -1, 0 or +1.
func (w Worker) Compare(o Worker) int {
	switch {
	case w.Host < o.Host:
		return -1
	case w.Host > o.Host:
		return 1
	case w.DataPort != o.DataPort:
		return cmpInt(w.DataPort, o.DataPort)
	default:
		return cmpInt(w.WebPort, o.WebPort)
	}
}

func cmpInt(a, b int) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// vnode is one point on the ring.
type vnode struct {
	hash   uint32
	worker int // index into Ring.workers
}

// Ring is an immutable consistent hashing ring. It is safe for concurrent
// use; there is no way to change a Ring after Build returns it.
type Ring struct {
	vnodesPerWorker int
	vnodes          []vnode
	workers         []Worker // sorted, distinct
}

// Build creates a ring containing every distinct worker in workers, each with
// vnodesPerWorker points. The input slice is not modified and its order does
// not affect the result.
func Build(workers []Worker, vnodesPerWorker int) *Ring {
	if vnodesPerWorker <= 0 {
		vnodesPerWorker = DefaultVirtualNodes
	}

	distinct := Distinct(workers)
	r := &Ring{
		vnodesPerWorker: vnodesPerWorker,
		vnodes:          make([]vnode, 0, len(distinct)*vnodesPerWorker),
		workers:         distinct,
	}

	for i, w := range distinct {
		for v := 0; v < vnodesPerWorker; v++ {
			r.vnodes = append(r.vnodes, vnode{
				hash:   hashWorker(w, v),
				worker: i,
			})
		}
	}

	sortVnodes(r.vnodes)
	return r
}

// sortVnodes orders points by hash. Workers are kept sorted, so comparing
// worker indexes breaks hash ties by worker identity.
func sortVnodes(vs []vnode) {
	sort.Slice(vs, func(i, j int) bool {
		if vs[i].hash != vs[j].hash {
			return vs[i].hash < vs[j].hash
		}
		return vs[i].worker < vs[j].worker
	})
}

// Distinct returns the distinct workers of ws sorted by Compare.
func Distinct(ws []Worker) []Worker {
	seen := make(map[Worker]struct{}, len(ws))
	out := make([]Worker, 0, len(ws))
	for _, w := range ws {
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Compare(out[j]) < 0
	})
	return out
}

// Resolve returns up to count distinct workers for key, in ring order
// starting at the first virtual node whose hash is >= hash(key). The first
// element is the key's primary worker.
//
// If count exceeds the number of workers, all workers are returned.
func (r *Ring) Resolve(key string, count int) ([]Worker, error) {
	if len(r.vnodes) == 0 {
		return nil, ErrNoAvailableWorker
	}
	if count <= 0 {
		return []Worker{}, nil
	}
	if count > len(r.workers) {
		count = len(r.workers)
	}

	idx := r.search(HashKey(key))

	seen := make([]bool, len(r.workers))
	result := make([]Worker, 0, count)
	for i := 0; i < len(r.vnodes) && len(result) < count; i++ {
		v := r.vnodes[(idx+i)%len(r.vnodes)]
		if seen[v.worker] {
			continue
		}
		seen[v.worker] = true
		result = append(result, r.workers[v.worker])
	}

	return result, nil
}

// Primary returns the worker responsible for key.
func (r *Ring) Primary(key string) (Worker, error) {
	ws, err := r.Resolve(key, 1)
	if err != nil {
		return Worker{}, err
	}
	return ws[0], nil
}

// search returns the index of the first vnode with hash >= h, wrapping to 0.
func (r *Ring) search(h uint32) int {
	idx := sort.Search(len(r.vnodes), func(i int) bool {
		return r.vnodes[i].hash >= h
	})
	if idx >= len(r.vnodes) {
		idx = 0
	}
	return idx
}

// Workers returns the ring's workers sorted by Compare.
func (r *Ring) Workers() []Worker {
	return append([]Worker(nil), r.workers...)
}

// Len returns the number of distinct workers on the ring.
func (r *Ring) Len() int {
	return len(r.workers)
}

// VirtualNodes returns the number of points per worker.
func (r *Ring) VirtualNodes() int {
	return r.vnodesPerWorker
}

// HashKey is the 32-bit MurmurHash3 of key.
func HashKey(key string) uint32 {
	return murmur3.Sum32([]byte(key))
}

// hashWorker computes the point of virtual node index for w.
func hashWorker(w Worker, index int) uint32 {
	buf := make([]byte, 0, len(w.Host)+12)
	buf = append(buf, w.Host...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(w.DataPort))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(w.WebPort))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(index))
	return murmur3.Sum32(buf)
}

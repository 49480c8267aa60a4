package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"pagecache/internal/ring"
)

// DefaultClusterName is the cluster workers register under by default.
const DefaultClusterName = "DefaultAlluxioCluster"

// Prefix returns the registry key prefix of cluster.
func Prefix(cluster string) string {
	if cluster == "" {
		cluster = DefaultClusterName
	}
	return "/ServiceDiscovery/" + cluster + "/"
}

// EtcdOptions configures the connection to the registry.
type EtcdOptions struct {
	Endpoints   []string
	Username    string
	Password    string
	DialTimeout time.Duration
}

// DialEtcd connects to the etcd cluster described by opts.
func DialEtcd(opts EtcdOptions, logger *zap.Logger) (*clientv3.Client, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("no etcd endpoints")
	}
	if (opts.Username == "") != (opts.Password == "") {
		return nil, errors.New("etcd username and password must be set together")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		Username:    opts.Username,
		Password:    opts.Password,
		DialTimeout: opts.DialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("dial etcd %v: %w", opts.Endpoints, err)
	}
	return cli, nil
}

// EtcdSource reads worker registrations stored under a key prefix.
type EtcdSource struct {
	kv     clientv3.KV
	prefix string
	logger *zap.Logger
}

// NewEtcdSource returns a dynamic Source listing the workers under prefix.
func NewEtcdSource(kv clientv3.KV, prefix string, logger *zap.Logger) *EtcdSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EtcdSource{
		kv:     kv,
		prefix: prefix,
		logger: logger.With(zap.String("prefix", prefix)),
	}
}

// Dynamic returns true.
func (s *EtcdSource) Dynamic() bool { return true }

// Snapshot lists every registered worker. Entries that cannot be decoded are
// skipped.
func (s *EtcdSource) Snapshot(ctx context.Context) (Snapshot, error) {
	resp, err := s.kv.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return Snapshot{}, fmt.Errorf("list workers under %q: %w", s.prefix, err)
	}

	workers := make([]ring.Worker, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		w, err := parseWorkerEntry(kv.Value)
		if err != nil {
			s.logger.Warn("skipping malformed worker entry",
				zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		workers = append(workers, w)
	}

	if len(workers) == 0 {
		return Snapshot{}, fmt.Errorf("list workers under %q: %w", s.prefix, ErrEmptySnapshot)
	}
	return NewSnapshot(workers), nil
}

// workerEntry is the part of a registry value the client needs. The worker's
// identity block is not used for routing and is left undecoded.
type workerEntry struct {
	WorkerNetAddress *struct {
		Host           string
		DataPort       *int
		HttpServerPort *int
	}
}

func parseWorkerEntry(data []byte) (ring.Worker, error) {
	var e workerEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return ring.Worker{}, fmt.Errorf("decode worker entry: %w", err)
	}
	if e.WorkerNetAddress == nil || e.WorkerNetAddress.Host == "" {
		return ring.Worker{}, errors.New("worker entry has no host")
	}

	w := ring.Worker{
		Host:     e.WorkerNetAddress.Host,
		DataPort: ring.DefaultDataPort,
		WebPort:  ring.DefaultWebPort,
	}
	if p := e.WorkerNetAddress.DataPort; p != nil {
		w.DataPort = *p
	}
	if p := e.WorkerNetAddress.HttpServerPort; p != nil {
		w.WebPort = *p
	}
	return w, nil
}

// Transient reports whether err is a registry failure worth retrying on the
// next refresh rather than a configuration problem.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrEmptySnapshot) {
		return true
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	}
	return false
}

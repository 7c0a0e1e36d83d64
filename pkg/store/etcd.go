package store

import (
	"context"
	"fmt"
	"strings"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const statePrefix = "/fabricsync/state/"

// Change is one mutation observed on a watched store. A nil Hash is a delete.
type Change struct {
	Namespace string
	Key       string
	Hash      *string
}

// Watcher is implemented by stores whose content can be changed by others.
type Watcher interface {
	Watch(ctx context.Context, fn func(Change)) error
}

// Etcd keeps objects under /fabricsync/state/<ns>/<key>. It is the
// authoritative source on the management side: operators and the REST layer
// write it, the management controller serves and advertises it.
type Etcd struct {
	kv      clientv3.KV
	watcher clientv3.Watcher
	prefix  string
}

var (
	_ Store   = (*Etcd)(nil)
	_ Watcher = (*Etcd)(nil)
)

// NewEtcd wraps an existing client. The client stays owned by the caller.
func NewEtcd(cli *clientv3.Client) *Etcd {
	return newEtcd(cli, cli)
}

func newEtcd(kv clientv3.KV, w clientv3.Watcher) *Etcd {
	return &Etcd{kv: kv, watcher: w, prefix: statePrefix}
}

func (s *Etcd) Put(ctx context.Context, ns, key, hash string, data []byte) error {
	if _, err := s.kv.Put(ctx, s.key(ns, key), string(encodeValue(hash, data))); err != nil {
		return fmt.Errorf("store/etcd: put %s/%s: %w", ns, key, err)
	}
	return nil
}

func (s *Etcd) Get(ctx context.Context, ns, key string) (Object, error) {
	resp, err := s.kv.Get(ctx, s.key(ns, key))
	if err != nil {
		return Object{}, fmt.Errorf("store/etcd: get %s/%s: %w", ns, key, err)
	}
	if len(resp.Kvs) == 0 {
		return Object{}, ErrNotFound
	}
	hash, data, err := decodeValue(resp.Kvs[0].Value)
	if err != nil {
		return Object{}, err
	}
	return Object{Namespace: ns, Key: key, Hash: hash, Data: data}, nil
}

func (s *Etcd) Delete(ctx context.Context, ns, key string) error {
	if _, err := s.kv.Delete(ctx, s.key(ns, key)); err != nil {
		return fmt.Errorf("store/etcd: delete %s/%s: %w", ns, key, err)
	}
	return nil
}

func (s *Etcd) HashState(ctx context.Context, ns string) (map[string]string, error) {
	resp, err := s.kv.Get(ctx, s.prefix+ns+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("store/etcd: list %s: %w", ns, err)
	}
	out := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		_, key, ok := s.parse(string(kv.Key))
		if !ok {
			continue
		}
		hash, _, err := decodeValue(kv.Value)
		if err != nil {
			return nil, err
		}
		out[key] = hash
	}
	return out, nil
}

// Watch streams every change under the state prefix until ctx is done.
func (s *Etcd) Watch(ctx context.Context, fn func(Change)) error {
	wch := s.watcher.Watch(ctx, s.prefix, clientv3.WithPrefix())
	for resp := range wch {
		if err := resp.Err(); err != nil {
			return fmt.Errorf("store/etcd: watch: %w", err)
		}
		for _, ev := range resp.Events {
			ns, key, ok := s.parse(string(ev.Kv.Key))
			if !ok {
				continue
			}
			switch ev.Type {
			case mvccpb.PUT:
				hash, _, err := decodeValue(ev.Kv.Value)
				if err != nil {
					continue
				}
				fn(Change{Namespace: ns, Key: key, Hash: &hash})
			case mvccpb.DELETE:
				fn(Change{Namespace: ns, Key: key})
			}
		}
	}
	return ctx.Err()
}

// Close leaves the shared client open.
func (s *Etcd) Close() error { return nil }

func (s *Etcd) key(ns, key string) string {
	return s.prefix + ns + "/" + key
}

func (s *Etcd) parse(full string) (ns, key string, ok bool) {
	rest, ok := strings.CutPrefix(full, s.prefix)
	if !ok {
		return "", "", false
	}
	ns, key, ok = strings.Cut(rest, "/")
	if !ok || ns == "" || key == "" {
		return "", "", false
	}
	return ns, key, true
}

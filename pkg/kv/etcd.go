package kv

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdBackend 以 etcd 为后端。etcd 对单个请求有大小上限（默认 1.5 MiB），
// 分段大小必须配置在该上限之下。
type EtcdBackend struct {
	cli  *clientv3.Client
	root string
}

func NewEtcdBackend(endpoints []string, name string) (*EtcdBackend, error) {
	cli, err := clientv3.New(clientv3.Config{Endpoints: endpoints, DialTimeout: 3 * time.Second})
	if err != nil {
		return nil, err
	}
	return &EtcdBackend{cli: cli, root: "/" + name}, nil
}

func (e *EtcdBackend) keyVersion() string         { return e.root + "/version" }
func (e *EtcdBackend) keyPart(name string) string { return fmt.Sprintf("%s/parts/%s", e.root, name) }
func (e *EtcdBackend) keyRecPrefix(part string) string {
	return fmt.Sprintf("%s/p/%s/", e.root, part)
}
func (e *EtcdBackend) keyRec(part, key string) string { return e.keyRecPrefix(part) + key }

func (e *EtcdBackend) Version(ctx context.Context) (uint64, error) {
	resp, err := e.cli.Get(ctx, e.keyVersion())
	if err != nil {
		return 0, err
	}
	if len(resp.Kvs) == 0 {
		return 0, nil
	}
	return strconv.ParseUint(string(resp.Kvs[0].Value), 10, 64)
}

func (e *EtcdBackend) SetVersion(ctx context.Context, v uint64) error {
	_, err := e.cli.Put(ctx, e.keyVersion(), strconv.FormatUint(v, 10))
	return err
}

func (e *EtcdBackend) Partitions(ctx context.Context) ([]string, error) {
	prefix := e.root + "/parts/"
	resp, err := e.cli.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, err
	}
	res := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		res = append(res, strings.TrimPrefix(string(kv.Key), prefix))
	}
	sort.Strings(res)
	return res, nil
}

// CreatePartition 仅当标记不存在时写入（CAS），多个进程同时初始化也只创建一次。
func (e *EtcdBackend) CreatePartition(ctx context.Context, name string) error {
	k := e.keyPart(name)
	_, err := e.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(k), "=", 0)).
		Then(clientv3.OpPut(k, strconv.FormatInt(time.Now().Unix(), 10))).
		Commit()
	return err
}

func (e *EtcdBackend) exists(ctx context.Context, part string) error {
	resp, err := e.cli.Get(ctx, e.keyPart(part), clientv3.WithCountOnly())
	if err != nil {
		return err
	}
	if resp.Count == 0 {
		return fmt.Errorf("no partition %q", part)
	}
	return nil
}

func (e *EtcdBackend) Get(ctx context.Context, partition, key string) ([]byte, bool, error) {
	if err := e.exists(ctx, partition); err != nil {
		return nil, false, err
	}
	resp, err := e.cli.Get(ctx, e.keyRec(partition, key))
	if err != nil {
		return nil, false, err
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

// Put 在分区标记仍存在的前提下写入记录。
func (e *EtcdBackend) Put(ctx context.Context, partition, key string, value []byte) error {
	pk := e.keyPart(partition)
	resp, err := e.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(pk), ">", 0)).
		Then(clientv3.OpPut(e.keyRec(partition, key), string(value))).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return fmt.Errorf("no partition %q", partition)
	}
	return nil
}

func (e *EtcdBackend) Delete(ctx context.Context, partition, key string) error {
	_, err := e.cli.Delete(ctx, e.keyRec(partition, key))
	return err
}

func (e *EtcdBackend) Clear(ctx context.Context, partition string) error {
	if err := e.exists(ctx, partition); err != nil {
		return err
	}
	_, err := e.cli.Delete(ctx, e.keyRecPrefix(partition), clientv3.WithPrefix())
	return err
}

func (e *EtcdBackend) Close() error { return e.cli.Close() }

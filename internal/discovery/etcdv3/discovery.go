package etcdv3

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/Sh00ty/mesh-control/internal/models"
)

const servicesPrefix = "/mesh/services/"

// Client reads the service catalog from etcd. Instances live under
// /mesh/services/<service>/instances/<id> as JSON documents written by the
// deployment tooling.
type Client struct {
	etcd *clientv3.Client
}

func NewClient(ctx context.Context, endpoints []string) (*Client, error) {
	clnt, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	return &Client{etcd: clnt}, nil
}

type instanceDto struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	Port uint16 `json:"port"`
	Zone string `json:"zone,omitempty"`
}

func instancesPrefix(service models.ServiceName) string {
	return servicesPrefix + service.String() + "/instances/"
}

func (c *Client) GetInstances(ctx context.Context, service models.ServiceName) ([]models.Instance, error) {
	resp, err := c.etcd.Get(ctx, instancesPrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list instances for %s: %w", service, err)
	}
	instances := make([]models.Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		dto := instanceDto{}
		if err := json.Unmarshal(kv.Value, &dto); err != nil {
			return nil, fmt.Errorf("failed to decode instance %s: %w", kv.Key, err)
		}
		instances = append(instances, models.Instance{
			ID:   dto.ID,
			Host: dto.Host,
			Port: dto.Port,
			Zone: dto.Zone,
		})
	}
	return instances, nil
}

func (c *Client) GetServices(ctx context.Context) ([]models.ServiceName, error) {
	resp, err := c.etcd.Get(ctx, servicesPrefix,
		clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	seen := make(map[models.ServiceName]struct{}, len(resp.Kvs))
	names := make([]models.ServiceName, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		rest := strings.TrimPrefix(string(kv.Key), servicesPrefix)
		name, _, ok := strings.Cut(rest, "/")
		if !ok || name == "" {
			continue
		}
		svc := models.ServiceName(name)
		if _, dup := seen[svc]; dup {
			continue
		}
		seen[svc] = struct{}{}
		names = append(names, svc)
	}
	return names, nil
}

func (c *Client) Close() error {
	return c.etcd.Close()
}

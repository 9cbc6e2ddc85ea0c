// Package watchdog polls the cluster API for pod, node and component health
// and derives virtual-cluster GPU quota and usage.
package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	utiljson "k8s.io/apimachinery/pkg/util/json"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/openpai/pai-telemetry/internal/config"
	"github.com/openpai/pai-telemetry/internal/errors"
)

// Health endpoints probed on the API server.
const (
	APIHealthzPath  = "/healthz"
	EtcdHealthzPath = "/healthz/etcd"
)

// API is the slice of the cluster API the watchdog needs.
type API interface {
	ListPods(ctx context.Context) ([]corev1.Pod, error)
	ListNodes(ctx context.Context) ([]corev1.Node, error)
	Healthz(ctx context.Context, path string) error
}

// RESTConfig builds the client configuration for the watchdog. The bearer
// token is read from a file so that rotated tokens are picked up.
func RESTConfig(cfg *config.WatchdogConfig) *rest.Config {
	rc := &rest.Config{
		Host:            strings.TrimSuffix(cfg.APIServerURL, "/"),
		Timeout:         cfg.RequestTimeout,
		BearerTokenFile: cfg.BearerFile,
		UserAgent:       "pai-watchdog",
	}
	if cfg.CAFile != "" {
		rc.TLSClientConfig = rest.TLSClientConfig{CAFile: cfg.CAFile}
	}
	return rc
}

// Client lists pods and nodes as raw JSON and decodes every item on its
// own, so one malformed object only drops itself.
type Client struct {
	rest     rest.Interface
	reporter *errors.Reporter
}

// NewClient creates a Client on top of the core REST client of clientset.
func NewClient(clientset kubernetes.Interface, reporter *errors.Reporter) *Client {
	return &Client{rest: clientset.CoreV1().RESTClient(), reporter: reporter}
}

type rawList struct {
	Items []json.RawMessage `json:"items"`
}

// ListPods lists pods in all namespaces.
func (c *Client) ListPods(ctx context.Context) ([]corev1.Pod, error) {
	items, err := c.list(ctx, "/api/v1/pods")
	if err != nil {
		return nil, err
	}
	pods := make([]corev1.Pod, 0, len(items))
	for i, raw := range items {
		var p corev1.Pod
		if err := utiljson.Unmarshal(raw, &p); err != nil {
			c.reporter.ReportKind(errors.KindItem, "pod", fmt.Errorf("item %d: %w", i, err))
			continue
		}
		pods = append(pods, p)
	}
	return pods, nil
}

// ListNodes lists all nodes.
func (c *Client) ListNodes(ctx context.Context) ([]corev1.Node, error) {
	items, err := c.list(ctx, "/api/v1/nodes")
	if err != nil {
		return nil, err
	}
	nodes := make([]corev1.Node, 0, len(items))
	for i, raw := range items {
		var n corev1.Node
		if err := utiljson.Unmarshal(raw, &n); err != nil {
			c.reporter.ReportKind(errors.KindItem, "node", fmt.Errorf("item %d: %w", i, err))
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (c *Client) list(ctx context.Context, path string) ([]json.RawMessage, error) {
	body, err := c.rest.Get().AbsPath(path).DoRaw(ctx)
	if err != nil {
		return nil, errors.New(errors.KindAPI, path, err)
	}
	var l rawList
	if err := utiljson.Unmarshal(body, &l); err != nil {
		return nil, errors.New(errors.KindParse, path, err)
	}
	return l.Items, nil
}

// Healthz requests path and fails unless the server answers 2xx.
func (c *Client) Healthz(ctx context.Context, path string) error {
	_, err := c.rest.Get().AbsPath(path).DoRaw(ctx)
	return err
}

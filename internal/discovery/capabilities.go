// Package discovery probes the cluster for optional APIs and for the
// permissions the watchdog relies on.
package discovery

import (
	"context"
	"fmt"

	"k8s.io/client-go/discovery"
	"k8s.io/client-go/kubernetes"
)

var (
	nodeMetrics = Requirement{Group: "metrics.k8s.io", Version: "v1beta1", Resource: "nodes", Verbs: []string{"list"}}
	podMetrics  = Requirement{Group: "metrics.k8s.io", Version: "v1beta1", Resource: "pods", Verbs: []string{"list"}}
	pods        = Requirement{Version: "v1", Resource: "pods", Verbs: []string{"list"}}
	nodes       = Requirement{Version: "v1", Resource: "nodes", Verbs: []string{"list"}}
)

// Capabilities is what the watchdog can observe in this cluster, computed
// once at startup.
type Capabilities struct {
	MetricsServer bool
	ListPods      bool
	ListNodes     bool

	// Missing names the requirements that were not satisfied.
	Missing []string
}

// Detect checks every requirement of the watchdog. MetricsServer needs
// both node and pod metrics. Only a failed API call is an error; an absent
// or forbidden resource shows up in Missing.
func Detect(ctx context.Context, client kubernetes.Interface, disco discovery.DiscoveryInterface) (*Capabilities, error) {
	p := NewProber(client, disco)
	caps := &Capabilities{}

	check := func(req Requirement) (bool, error) {
		ok, err := p.Satisfied(ctx, req)
		if err != nil {
			return false, fmt.Errorf("discovery: %s: %w", req, err)
		}
		if !ok {
			caps.Missing = append(caps.Missing, req.String())
		}
		return ok, nil
	}

	var err error
	if caps.ListPods, err = check(pods); err != nil {
		return nil, err
	}
	if caps.ListNodes, err = check(nodes); err != nil {
		return nil, err
	}
	nodeOK, err := check(nodeMetrics)
	if err != nil {
		return nil, err
	}
	podOK, err := check(podMetrics)
	if err != nil {
		return nil, err
	}
	caps.MetricsServer = nodeOK && podOK
	return caps, nil
}

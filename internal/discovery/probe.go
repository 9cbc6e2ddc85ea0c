package discovery

import (
	"context"
	"fmt"
	"strings"

	authorizationv1 "k8s.io/api/authorization/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/kubernetes"
)

// Requirement is a resource the watchdog reads and the verbs it needs on it.
// An empty Group is the core API, which every cluster serves.
type Requirement struct {
	Group    string
	Version  string
	Resource string
	Verbs    []string
}

func (r Requirement) groupVersion() string {
	if r.Group == "" {
		return r.Version
	}
	return r.Group + "/" + r.Version
}

// String renders the requirement as "list,watch nodes.metrics.k8s.io/v1beta1".
func (r Requirement) String() string {
	res := r.Resource
	if r.Group != "" {
		res += "." + r.Group
	}
	return strings.Join(r.Verbs, ",") + " " + res + "/" + r.Version
}

// Prober checks Requirements against one cluster. The served group
// versions are listed on first use and reused afterwards.
type Prober struct {
	client kubernetes.Interface
	disco  discovery.DiscoveryInterface
	served sets.Set[string]
}

// NewProber creates a Prober. disco is usually client.Discovery().
func NewProber(client kubernetes.Interface, disco discovery.DiscoveryInterface) *Prober {
	return &Prober{client: client, disco: disco}
}

// Satisfied reports whether the resource is served and every verb is
// allowed. A missing API or a denied verb is not an error.
func (p *Prober) Satisfied(ctx context.Context, req Requirement) (bool, error) {
	ok, err := p.Served(req)
	if err != nil || !ok {
		return false, err
	}
	return p.Allowed(ctx, req)
}

// Served reports whether the API server serves req.Resource at
// req.Group/req.Version.
func (p *Prober) Served(req Requirement) (bool, error) {
	if req.Group == "" {
		return true, nil
	}
	if p.served == nil {
		groups, err := p.disco.ServerGroups()
		if err != nil {
			return false, fmt.Errorf("list server groups: %w", err)
		}
		p.served = sets.New[string]()
		for _, g := range groups.Groups {
			for _, v := range g.Versions {
				p.served.Insert(v.GroupVersion)
			}
		}
	}
	gv := req.groupVersion()
	if !p.served.Has(gv) {
		return false, nil
	}

	list, err := p.disco.ServerResourcesForGroupVersion(gv)
	if err != nil {
		return false, fmt.Errorf("list resources of %s: %w", gv, err)
	}
	for _, r := range list.APIResources {
		if r.Name == req.Resource {
			return true, nil
		}
	}
	return false, nil
}

// Allowed asks the API server, one SelfSubjectAccessReview per verb,
// whether the watchdog may use req cluster-wide.
func (p *Prober) Allowed(ctx context.Context, req Requirement) (bool, error) {
	reviews := p.client.AuthorizationV1().SelfSubjectAccessReviews()
	for _, verb := range req.Verbs {
		review, err := reviews.Create(ctx, &authorizationv1.SelfSubjectAccessReview{
			Spec: authorizationv1.SelfSubjectAccessReviewSpec{
				ResourceAttributes: &authorizationv1.ResourceAttributes{
					Group:    req.Group,
					Version:  req.Version,
					Resource: req.Resource,
					Verb:     verb,
				},
			},
		}, metav1.CreateOptions{})
		if err != nil {
			return false, fmt.Errorf("access review %s %s: %w", verb, req.Resource, err)
		}
		if !review.Status.Allowed {
			return false, nil
		}
	}
	return true, nil
}

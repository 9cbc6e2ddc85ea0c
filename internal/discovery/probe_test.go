package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	authorizationv1 "k8s.io/api/authorization/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	fakediscovery "k8s.io/client-go/discovery/fake"
	fakeclientset "k8s.io/client-go/kubernetes/fake"
	clienttesting "k8s.io/client-go/testing"
)

func newFakeDiscovery(resources ...*metav1.APIResourceList) *fakediscovery.FakeDiscovery {
	return &fakediscovery.FakeDiscovery{Fake: &clienttesting.Fake{Resources: resources}}
}

// reviewer answers SelfSubjectAccessReviews with allow and counts them.
type reviewer struct {
	allow func(verb, resource string) bool
	calls int
}

func (r *reviewer) install(client *fakeclientset.Clientset) {
	client.PrependReactor("create", "selfsubjectaccessreviews", func(action clienttesting.Action) (bool, runtime.Object, error) {
		r.calls++
		attrs := action.(clienttesting.CreateAction).GetObject().(*authorizationv1.SelfSubjectAccessReview).Spec.ResourceAttributes
		return true, &authorizationv1.SelfSubjectAccessReview{
			Status: authorizationv1.SubjectAccessReviewStatus{Allowed: r.allow(attrs.Verb, attrs.Resource)},
		}, nil
	})
}

func allowAll(string, string) bool { return true }

var metricsAPI = &metav1.APIResourceList{
	GroupVersion: "metrics.k8s.io/v1beta1",
	APIResources: []metav1.APIResource{
		{Name: "nodes", Verbs: metav1.Verbs{"get", "list"}},
		{Name: "pods", Verbs: metav1.Verbs{"get", "list"}},
	},
}

func TestRequirement_String(t *testing.T) {
	assert.Equal(t, "list nodes.metrics.k8s.io/v1beta1", nodeMetrics.String())
	assert.Equal(t, "list,watch pods/v1", Requirement{Version: "v1", Resource: "pods", Verbs: []string{"list", "watch"}}.String())
}

func TestProber_Satisfied(t *testing.T) {
	tests := []struct {
		name      string
		resources []*metav1.APIResourceList
		allow     func(string, string) bool
		want      bool
	}{
		{"served and allowed", []*metav1.APIResourceList{metricsAPI}, allowAll, true},
		{"group missing", []*metav1.APIResourceList{{GroupVersion: "apps/v1"}}, allowAll, false},
		{"resource missing", []*metav1.APIResourceList{{
			GroupVersion: "metrics.k8s.io/v1beta1",
			APIResources: []metav1.APIResource{{Name: "pods"}},
		}}, allowAll, false},
		{"only another version served", []*metav1.APIResourceList{{
			GroupVersion: "metrics.k8s.io/v1",
			APIResources: []metav1.APIResource{{Name: "nodes"}},
		}}, allowAll, false},
		{"denied", []*metav1.APIResourceList{metricsAPI}, func(string, string) bool { return false }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := fakeclientset.NewSimpleClientset()
			(&reviewer{allow: tt.allow}).install(client)

			got, err := NewProber(client, newFakeDiscovery(tt.resources...)).Satisfied(context.Background(), nodeMetrics)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProber_CoreAPIAlwaysServed(t *testing.T) {
	p := NewProber(fakeclientset.NewSimpleClientset(), newFakeDiscovery())
	ok, err := p.Served(pods)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProber_AllowedStopsAtFirstDenial(t *testing.T) {
	client := fakeclientset.NewSimpleClientset()
	r := &reviewer{allow: func(verb, _ string) bool { return verb == "list" }}
	r.install(client)
	p := NewProber(client, newFakeDiscovery())

	ok, err := p.Allowed(context.Background(), Requirement{Version: "v1", Resource: "pods", Verbs: []string{"list"}})
	require.NoError(t, err)
	assert.True(t, ok)

	r.calls = 0
	ok, err = p.Allowed(context.Background(), Requirement{Version: "v1", Resource: "pods", Verbs: []string{"watch", "list"}})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, r.calls)
}

func TestProber_ReviewError(t *testing.T) {
	client := fakeclientset.NewSimpleClientset()
	client.PrependReactor("create", "selfsubjectaccessreviews", func(clienttesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("connection refused")
	})

	_, err := NewProber(client, newFakeDiscovery()).Allowed(context.Background(), nodes)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

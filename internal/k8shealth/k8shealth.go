// Package k8shealth implements orchestrator.HealthChecker against a live
// Kubernetes API server, for deployments whose IaC provisions Kubernetes
// workloads (terraform-provider-kubernetes resource types, e.g.
// "kubernetes_deployment"). Everything else is reported healthy-by-default:
// this checker only has an opinion about resources it recognizes.
package k8shealth

import (
	"context"
	"fmt"
	"strings"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/skyforge-cloud/deployctl/internal/deployment"
	"github.com/skyforge-cloud/deployctl/internal/iaclifecycle"
)

// Checker queries live Kubernetes object status for resource health.
type Checker struct {
	clientset        kubernetes.Interface
	defaultNamespace string
}

// New builds a Checker from in-cluster config, falling back to the default
// kubeconfig loading rules when not running inside a cluster.
func New(defaultNamespace string) (*Checker, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		restCfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, nil).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("load kubernetes config: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("build kubernetes clientset: %w", err)
	}
	if defaultNamespace == "" {
		defaultNamespace = "default"
	}
	return &Checker{clientset: clientset, defaultNamespace: defaultNamespace}, nil
}

// CheckHealth implements orchestrator.HealthChecker.
func (c *Checker) CheckHealth(ctx context.Context, resource iaclifecycle.ResourceRef) (deployment.ResourceHealth, error) {
	now := time.Now().UTC()
	if !strings.HasPrefix(resource.Type, "kubernetes_") {
		return deployment.ResourceHealth{
			ResourceType: resource.Type,
			Name:         resource.Name,
			Healthy:      true,
			Message:      "not a kubernetes resource, skipped",
			CheckedAt:    now,
		}, nil
	}

	namespace, name := c.splitIdentifier(resource)

	switch resource.Type {
	case "kubernetes_deployment", "kubernetes_deployment_v1":
		return c.checkDeployment(ctx, namespace, name, resource, now)
	case "kubernetes_service", "kubernetes_service_v1":
		return c.checkService(ctx, namespace, name, resource, now)
	case "kubernetes_pod", "kubernetes_pod_v1":
		return c.checkPod(ctx, namespace, name, resource, now)
	default:
		return deployment.ResourceHealth{
			ResourceType: resource.Type,
			Name:         resource.Name,
			Healthy:      true,
			Message:      "kubernetes resource type has no live health probe, assumed healthy",
			CheckedAt:    now,
		}, nil
	}
}

// splitIdentifier parses the "namespace/name" identifier terraform-provider-
// kubernetes assigns its resources, falling back to the checker's default
// namespace when the identifier is bare.
func (c *Checker) splitIdentifier(resource iaclifecycle.ResourceRef) (namespace, name string) {
	id := resource.Identifier
	if id == "" {
		id = resource.Name
	}
	if ns, n, ok := strings.Cut(id, "/"); ok {
		return ns, n
	}
	return c.defaultNamespace, id
}

func (c *Checker) checkDeployment(ctx context.Context, namespace, name string, resource iaclifecycle.ResourceRef, now time.Time) (deployment.ResourceHealth, error) {
	dep, err := c.clientset.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return notFoundHealth(resource, now, err)
	}
	healthy := dep.Status.ReadyReplicas >= dep.Status.Replicas && dep.Status.Replicas > 0
	msg := fmt.Sprintf("%d/%d replicas ready", dep.Status.ReadyReplicas, dep.Status.Replicas)
	return deployment.ResourceHealth{
		ResourceType: resource.Type, Name: resource.Name, Healthy: healthy, Message: msg, CheckedAt: now,
	}, nil
}

func (c *Checker) checkService(ctx context.Context, namespace, name string, resource iaclifecycle.ResourceRef, now time.Time) (deployment.ResourceHealth, error) {
	_, err := c.clientset.CoreV1().Services(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return notFoundHealth(resource, now, err)
	}
	return deployment.ResourceHealth{
		ResourceType: resource.Type, Name: resource.Name, Healthy: true, Message: "service exists", CheckedAt: now,
	}, nil
}

func (c *Checker) checkPod(ctx context.Context, namespace, name string, resource iaclifecycle.ResourceRef, now time.Time) (deployment.ResourceHealth, error) {
	pod, err := c.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return notFoundHealth(resource, now, err)
	}
	healthy := pod.Status.Phase == "Running" || pod.Status.Phase == "Succeeded"
	return deployment.ResourceHealth{
		ResourceType: resource.Type, Name: resource.Name, Healthy: healthy, Message: string(pod.Status.Phase), CheckedAt: now,
	}, nil
}

func notFoundHealth(resource iaclifecycle.ResourceRef, now time.Time, err error) (deployment.ResourceHealth, error) {
	if apierrors.IsNotFound(err) {
		return deployment.ResourceHealth{
			ResourceType: resource.Type, Name: resource.Name, Healthy: false, Message: "resource not found in cluster", CheckedAt: now,
		}, nil
	}
	return deployment.ResourceHealth{}, err
}

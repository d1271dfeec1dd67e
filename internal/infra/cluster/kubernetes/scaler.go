// Package kubernetes adjusts worker capacity by resizing a Deployment.
package kubernetes

import (
	"context"
	"fmt"

	autoscalingv1 "k8s.io/api/autoscaling/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Config identifies the worker Deployment this scaler manages.
type Config struct {
	Namespace  string `json:"namespace"`
	Deployment string `json:"deployment"`
}

// Scaler resizes the worker Deployment through the scale subresource.
type Scaler struct {
	client kubernetes.Interface
	config *Config
}

// NewScaler creates a scaler using in-cluster credentials, falling back to
// the local kubeconfig when running outside the cluster.
func NewScaler(cfg *Config) (*Scaler, error) {
	client, err := getKubernetesClient()
	if err != nil {
		return nil, err
	}
	return &Scaler{client: client, config: cfg}, nil
}

// NewScalerWithClient creates a scaler with an injected client. Used by tests
// with the fake clientset.
func NewScalerWithClient(client kubernetes.Interface, cfg *Config) *Scaler {
	return &Scaler{client: client, config: cfg}
}

func getKubernetesClient() (kubernetes.Interface, error) {
	// First try in-cluster config (when running in k8s).
	config, err := rest.InClusterConfig()
	if err == nil {
		return kubernetes.NewForConfig(config)
	}

	// Fall back to kubeconfig file.
	config, err = clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
	if err != nil {
		return nil, fmt.Errorf("failed to get kubeconfig: %w", err)
	}

	return kubernetes.NewForConfig(config)
}

// CurrentReplicas returns the Deployment's current desired replica count.
func (s *Scaler) CurrentReplicas(ctx context.Context) (int, error) {
	scale, err := s.client.AppsV1().Deployments(s.config.Namespace).
		GetScale(ctx, s.config.Deployment, metav1.GetOptions{})
	if err != nil {
		return 0, fmt.Errorf("getting scale for %s/%s: %w", s.config.Namespace, s.config.Deployment, err)
	}
	return int(scale.Spec.Replicas), nil
}

// SetReplicas updates the Deployment's desired replica count.
func (s *Scaler) SetReplicas(ctx context.Context, replicas int) error {
	deployments := s.client.AppsV1().Deployments(s.config.Namespace)
	scale := &autoscalingv1.Scale{
		ObjectMeta: metav1.ObjectMeta{
			Name:      s.config.Deployment,
			Namespace: s.config.Namespace,
		},
		Spec: autoscalingv1.ScaleSpec{Replicas: int32(replicas)},
	}
	if _, err := deployments.UpdateScale(ctx, s.config.Deployment, scale, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("updating scale for %s/%s: %w", s.config.Namespace, s.config.Deployment, err)
	}
	return nil
}

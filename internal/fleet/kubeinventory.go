package fleet

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// KubeInventory resolves targets from node labels: a node labelled with the
// selector's tags is a deployment target, addressed by its internal IP.
type KubeInventory struct {
	clientset kubernetes.Interface
}

// NewKubeInventory authenticates with a kubeconfig file when a path is
// given, in-cluster otherwise.
func NewKubeInventory(kubeconfigPath string) (*KubeInventory, error) {
	var cfg *rest.Config
	var err error
	if kubeconfigPath != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	} else {
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("kubernetes auth: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}
	logrus.Info("kubernetes inventory connected")
	return &KubeInventory{clientset: clientset}, nil
}

// NewKubeInventoryWithClient is the constructor tests use with a fake
// clientset.
func NewKubeInventoryWithClient(clientset kubernetes.Interface) *KubeInventory {
	return &KubeInventory{clientset: clientset}
}

func (i *KubeInventory) Resolve(ctx context.Context, sel Selector) ([]Target, error) {
	nodes, err := i.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{
		LabelSelector: sel.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("list nodes by selector %s: %w", sel, err)
	}

	targets := make([]Target, 0, len(nodes.Items))
	for _, node := range nodes.Items {
		targets = append(targets, Target{
			Host: nodeAddress(&node),
			Tags: node.Labels,
		})
	}
	return targets, nil
}

// nodeAddress prefers the internal IP and falls back to the node name.
func nodeAddress(node *corev1.Node) string {
	for _, addr := range node.Status.Addresses {
		if addr.Type == corev1.NodeInternalIP {
			return addr.Address
		}
	}
	return node.Name
}

package utils

import (
	"os"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

func GetTestKubernetesInterface() (kubernetes.Interface, error) {
	clientset := fake.NewSimpleClientset()
	return clientset, nil
}

// getKubernetesConfig prefers the in-cluster config and falls back to the
// default kubeconfig.
func getKubernetesConfig() (*rest.Config, error) {
	if _, ok := os.LookupEnv("KUBERNETES_SERVICE_HOST"); ok {
		return rest.InClusterConfig()
	}
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	config, err := loadingRules.Load()
	if err != nil {
		return nil, err
	}
	return clientcmd.NewDefaultClientConfig(*config, &clientcmd.ConfigOverrides{}).ClientConfig()
}

func GetKubernetesInterface() (kubernetes.Interface, error) {
	clientConfig, err := getKubernetesConfig()
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(clientConfig)
}

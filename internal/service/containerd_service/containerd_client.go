package containerdservice

import (
	"github.com/containerd/containerd"
)

func NewContainerdClient(socket, namespace string) (*containerd.Client, error) {
	return containerd.New(
		socket,
		containerd.WithDefaultNamespace(namespace),
	)
}

/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package kubernetes adapts the cluster API for challenge instances: object
// creation with hardened pod defaults, label-scoped teardown, and
// standardized status reads.
package kubernetes

import (
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"

	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/config"
)

const (
	defaultQPS   = 1000
	defaultBurst = 1000
)

// Client wraps a clientset scoped to the challenge namespace.
type Client struct {
	clientset kubernetes.Interface
	namespace string
}

// NewClient builds a client from the ambient rest config: in-cluster when
// running as a pod, otherwise the kubeconfig resolved by controller-runtime.
func NewClient() (*Client, error) {
	restCfg, err := GetRestConfig()
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, err
	}
	return NewWithClientset(clientset), nil
}

// NewWithClientset wraps an existing clientset; tests pass a fake.
func NewWithClientset(clientset kubernetes.Interface) *Client {
	return &Client{
		clientset: clientset,
		namespace: config.GetChallengeNamespace(),
	}
}

// GetRestConfig resolves the rest config and raises the client-side
// throttling limits.
func GetRestConfig() (*rest.Config, error) {
	restCfg, err := ctrlconfig.GetConfig()
	if err != nil {
		return nil, err
	}
	restCfg.QPS = defaultQPS
	restCfg.Burst = defaultBurst
	return restCfg, nil
}

// Namespace returns the namespace challenge objects live in.
func (c *Client) Namespace() string {
	return c.namespace
}

// Clientset exposes the underlying clientset for callers needing raw access.
func (c *Client) Clientset() kubernetes.Interface {
	return c.clientset
}

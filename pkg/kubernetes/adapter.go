/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package kubernetes

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"k8s.io/utils/ptr"

	commonerrors "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/errors"
)

const (
	challengeUID = int64(1000)
	challengeGID = int64(1000)

	podPollInterval = 2 * time.Second
)

// CreateSecret creates a secret in the challenge namespace.
func (c *Client) CreateSecret(ctx context.Context, secret *corev1.Secret) (*corev1.Secret, error) {
	created, err := c.clientset.CoreV1().Secrets(c.namespace).Create(ctx, secret, metav1.CreateOptions{})
	if err != nil {
		return nil, err
	}
	klog.Infof("secret %s/%s created", c.namespace, secret.Name)
	return created, nil
}

// CreateConfigMap creates a config map in the challenge namespace.
func (c *Client) CreateConfigMap(ctx context.Context, cm *corev1.ConfigMap) (*corev1.ConfigMap, error) {
	created, err := c.clientset.CoreV1().ConfigMaps(c.namespace).Create(ctx, cm, metav1.CreateOptions{})
	if err != nil {
		return nil, err
	}
	klog.Infof("configmap %s/%s created", c.namespace, cm.Name)
	return created, nil
}

// CreatePod creates a pod in the challenge namespace after applying the
// hardening defaults.
func (c *Client) CreatePod(ctx context.Context, pod *corev1.Pod) (*corev1.Pod, error) {
	applySecurityDefaults(pod)
	created, err := c.clientset.CoreV1().Pods(c.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return nil, err
	}
	klog.Infof("pod %s/%s created", c.namespace, pod.Name)
	return created, nil
}

// CreateService creates a service in the challenge namespace.
func (c *Client) CreateService(ctx context.Context, svc *corev1.Service) (*corev1.Service, error) {
	created, err := c.clientset.CoreV1().Services(c.namespace).Create(ctx, svc, metav1.CreateOptions{})
	if err != nil {
		return nil, err
	}
	klog.Infof("service %s/%s created", c.namespace, svc.Name)
	return created, nil
}

// CreateIngress creates an ingress in the challenge namespace.
func (c *Client) CreateIngress(ctx context.Context, ing *networkingv1.Ingress) (*networkingv1.Ingress, error) {
	created, err := c.clientset.NetworkingV1().Ingresses(c.namespace).Create(ctx, ing, metav1.CreateOptions{})
	if err != nil {
		return nil, err
	}
	klog.Infof("ingress %s/%s created", c.namespace, ing.Name)
	return created, nil
}

// CreateNetworkPolicy creates a network policy in the challenge namespace.
func (c *Client) CreateNetworkPolicy(ctx context.Context, np *networkingv1.NetworkPolicy) (*networkingv1.NetworkPolicy, error) {
	created, err := c.clientset.NetworkingV1().NetworkPolicies(c.namespace).Create(ctx, np, metav1.CreateOptions{})
	if err != nil {
		return nil, err
	}
	klog.Infof("network policy %s/%s created", c.namespace, np.Name)
	return created, nil
}

// applySecurityDefaults hardens a pod spec without overriding anything the
// challenge template set explicitly: run as non-root uid/gid 1000, no
// privilege escalation, runtime-default seccomp, fsGroup 1000. A container
// marked privileged keeps its escalation settings untouched.
func applySecurityDefaults(pod *corev1.Pod) {
	if pod.Spec.SecurityContext == nil {
		pod.Spec.SecurityContext = &corev1.PodSecurityContext{}
	}
	podCtx := pod.Spec.SecurityContext
	if podCtx.RunAsNonRoot == nil {
		podCtx.RunAsNonRoot = ptr.To(true)
	}
	if podCtx.RunAsUser == nil {
		podCtx.RunAsUser = ptr.To(challengeUID)
	}
	if podCtx.RunAsGroup == nil {
		podCtx.RunAsGroup = ptr.To(challengeGID)
	}
	if podCtx.FSGroup == nil {
		podCtx.FSGroup = ptr.To(challengeGID)
	}
	if podCtx.SeccompProfile == nil {
		podCtx.SeccompProfile = &corev1.SeccompProfile{Type: corev1.SeccompProfileTypeRuntimeDefault}
	}
	for i := range pod.Spec.Containers {
		hardenContainer(&pod.Spec.Containers[i])
	}
	for i := range pod.Spec.InitContainers {
		hardenContainer(&pod.Spec.InitContainers[i])
	}
}

func hardenContainer(container *corev1.Container) {
	if container.SecurityContext == nil {
		container.SecurityContext = &corev1.SecurityContext{}
	}
	secCtx := container.SecurityContext
	if secCtx.Privileged != nil && *secCtx.Privileged {
		// Privileged containers require escalation; leave them as declared.
		return
	}
	if secCtx.AllowPrivilegeEscalation == nil {
		secCtx.AllowPrivilegeEscalation = ptr.To(false)
	}
}

// DeleteByInstance removes every object labeled with the instance, sweeping
// kinds in dependency order with foreground propagation. Missing objects are
// not an error; other failures are collected so one bad kind does not stop
// the sweep.
func (c *Client) DeleteByInstance(ctx context.Context, instance string) error {
	selector := LabelInstance + "=" + SanitizeLabel(instance)
	listOpts := metav1.ListOptions{LabelSelector: selector}
	deleteOpts := metav1.DeleteOptions{PropagationPolicy: ptr.To(metav1.DeletePropagationForeground)}

	sweep := []struct {
		kind   string
		list   func() ([]string, error)
		delete func(name string) error
	}{
		{
			kind: "ingress",
			list: func() ([]string, error) {
				items, err := c.clientset.NetworkingV1().Ingresses(c.namespace).List(ctx, listOpts)
				if err != nil {
					return nil, err
				}
				names := make([]string, 0, len(items.Items))
				for i := range items.Items {
					names = append(names, items.Items[i].Name)
				}
				return names, nil
			},
			delete: func(name string) error {
				return c.clientset.NetworkingV1().Ingresses(c.namespace).Delete(ctx, name, deleteOpts)
			},
		},
		{
			kind: "service",
			list: func() ([]string, error) {
				items, err := c.clientset.CoreV1().Services(c.namespace).List(ctx, listOpts)
				if err != nil {
					return nil, err
				}
				names := make([]string, 0, len(items.Items))
				for i := range items.Items {
					names = append(names, items.Items[i].Name)
				}
				return names, nil
			},
			delete: func(name string) error {
				return c.clientset.CoreV1().Services(c.namespace).Delete(ctx, name, deleteOpts)
			},
		},
		{
			kind: "pod",
			list: func() ([]string, error) {
				items, err := c.clientset.CoreV1().Pods(c.namespace).List(ctx, listOpts)
				if err != nil {
					return nil, err
				}
				names := make([]string, 0, len(items.Items))
				for i := range items.Items {
					names = append(names, items.Items[i].Name)
				}
				return names, nil
			},
			delete: func(name string) error {
				return c.clientset.CoreV1().Pods(c.namespace).Delete(ctx, name, deleteOpts)
			},
		},
		{
			kind: "configmap",
			list: func() ([]string, error) {
				items, err := c.clientset.CoreV1().ConfigMaps(c.namespace).List(ctx, listOpts)
				if err != nil {
					return nil, err
				}
				names := make([]string, 0, len(items.Items))
				for i := range items.Items {
					names = append(names, items.Items[i].Name)
				}
				return names, nil
			},
			delete: func(name string) error {
				return c.clientset.CoreV1().ConfigMaps(c.namespace).Delete(ctx, name, deleteOpts)
			},
		},
		{
			kind: "secret",
			list: func() ([]string, error) {
				items, err := c.clientset.CoreV1().Secrets(c.namespace).List(ctx, listOpts)
				if err != nil {
					return nil, err
				}
				names := make([]string, 0, len(items.Items))
				for i := range items.Items {
					names = append(names, items.Items[i].Name)
				}
				return names, nil
			},
			delete: func(name string) error {
				return c.clientset.CoreV1().Secrets(c.namespace).Delete(ctx, name, deleteOpts)
			},
		},
		{
			kind: "deployment",
			list: func() ([]string, error) {
				items, err := c.clientset.AppsV1().Deployments(c.namespace).List(ctx, listOpts)
				if err != nil {
					return nil, err
				}
				names := make([]string, 0, len(items.Items))
				for i := range items.Items {
					names = append(names, items.Items[i].Name)
				}
				return names, nil
			},
			delete: func(name string) error {
				return c.clientset.AppsV1().Deployments(c.namespace).Delete(ctx, name, deleteOpts)
			},
		},
		{
			kind: "statefulset",
			list: func() ([]string, error) {
				items, err := c.clientset.AppsV1().StatefulSets(c.namespace).List(ctx, listOpts)
				if err != nil {
					return nil, err
				}
				names := make([]string, 0, len(items.Items))
				for i := range items.Items {
					names = append(names, items.Items[i].Name)
				}
				return names, nil
			},
			delete: func(name string) error {
				return c.clientset.AppsV1().StatefulSets(c.namespace).Delete(ctx, name, deleteOpts)
			},
		},
	}

	var errs []error
	deleted := 0
	for _, step := range sweep {
		names, err := step.list()
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s: %w", step.kind, err))
			continue
		}
		for _, name := range names {
			if err := step.delete(name); err != nil && !apierrors.IsNotFound(err) {
				errs = append(errs, fmt.Errorf("delete %s %s: %w", step.kind, name, err))
				continue
			}
			deleted++
		}
	}
	klog.Infof("instance %s cleanup deleted %d objects", instance, deleted)
	return utilerrors.NewAggregate(errs)
}

// WaitForPodRunning polls until the pod reaches Running. A Failed pod stops
// the wait immediately; transient get errors and a not-yet-visible pod keep
// polling until the timeout.
func (c *Client) WaitForPodRunning(ctx context.Context, name string, timeout time.Duration) error {
	return wait.PollUntilContextTimeout(ctx, podPollInterval, timeout, true,
		func(ctx context.Context) (bool, error) {
			pod, err := c.clientset.CoreV1().Pods(c.namespace).Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				if apierrors.IsNotFound(err) {
					return false, nil
				}
				klog.V(4).InfoS("pod poll failed", "pod", name, "err", err)
				return false, nil
			}
			switch pod.Status.Phase {
			case corev1.PodRunning:
				return true, nil
			case corev1.PodFailed:
				return false, commonerrors.NewInternalError(fmt.Sprintf("pod %s failed: %s", name, pod.Status.Reason))
			}
			return false, nil
		})
}

/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package kubernetes

import (
	"context"
	"fmt"
	"sort"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/config"
	commonerrors "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/errors"
)

// Standardized instance states surfaced by the status API.
const (
	StatusCreating    = "CREATING"
	StatusActive      = "ACTIVE"
	StatusTerminating = "TERMINATING"
	StatusError       = "ERROR"
)

const flagSecretPrefix = "flag-secret-"

// ContainerStatus is the per-container slice of a pod status report.
type ContainerStatus struct {
	Name         string `json:"name"`
	Image        string `json:"image"`
	Ready        bool   `json:"ready"`
	RestartCount int32  `json:"restart_count"`
	State        string `json:"state"`
}

// PodStatus is the detailed status report for one challenge pod.
type PodStatus struct {
	Name              string            `json:"name"`
	Namespace         string            `json:"namespace"`
	Status            string            `json:"status"`
	Phase             string            `json:"phase"`
	PodIP             string            `json:"pod_ip,omitempty"`
	Node              string            `json:"node,omitempty"`
	CreationTimestamp time.Time         `json:"creation_timestamp"`
	UptimeSeconds     float64           `json:"uptime_seconds"`
	Labels            map[string]string `json:"labels,omitempty"`
	Containers        []ContainerStatus `json:"containers,omitempty"`
}

// ChallengePod is the list-view summary of one running challenge instance.
type ChallengePod struct {
	PodName        string            `json:"pod_name"`
	Instance       string            `json:"instance"`
	User           string            `json:"user,omitempty"`
	CompetitionID  string            `json:"competition_id,omitempty"`
	ChallengeType  string            `json:"challenge_type,omitempty"`
	ChallengeName  string            `json:"challenge_name,omitempty"`
	Status         string            `json:"status"`
	CreationTime   time.Time         `json:"creation_time"`
	URLs           map[string]string `json:"urls,omitempty"`
	FlagSecretName string            `json:"flag_secret_name"`
}

// StandardizeStatus maps a pod to the instance state model. A pod being
// deleted is TERMINATING regardless of phase; unknown phases report ERROR so
// stuck instances surface instead of looking healthy.
func StandardizeStatus(pod *corev1.Pod) string {
	if pod.DeletionTimestamp != nil {
		return StatusTerminating
	}
	switch pod.Status.Phase {
	case corev1.PodPending:
		return StatusCreating
	case corev1.PodRunning, corev1.PodSucceeded:
		return StatusActive
	case corev1.PodFailed:
		return StatusError
	default:
		return StatusError
	}
}

// GetPodStatus returns the detailed report for one pod. An empty namespace
// means the challenge namespace.
func (c *Client) GetPodStatus(ctx context.Context, name, namespace string) (*PodStatus, error) {
	if namespace == "" {
		namespace = c.namespace
	}
	pod, err := c.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, commonerrors.NewNotFound("Pod", name)
		}
		return nil, err
	}
	status := &PodStatus{
		Name:              pod.Name,
		Namespace:         pod.Namespace,
		Status:            StandardizeStatus(pod),
		Phase:             string(pod.Status.Phase),
		PodIP:             pod.Status.PodIP,
		Node:              pod.Spec.NodeName,
		CreationTimestamp: pod.CreationTimestamp.Time,
		Labels:            pod.Labels,
	}
	if !pod.CreationTimestamp.IsZero() {
		status.UptimeSeconds = time.Since(pod.CreationTimestamp.Time).Seconds()
	}
	for i := range pod.Status.ContainerStatuses {
		cs := &pod.Status.ContainerStatuses[i]
		status.Containers = append(status.Containers, ContainerStatus{
			Name:         cs.Name,
			Image:        cs.Image,
			Ready:        cs.Ready,
			RestartCount: cs.RestartCount,
			State:        containerState(cs),
		})
	}
	return status, nil
}

func containerState(cs *corev1.ContainerStatus) string {
	switch {
	case cs.State.Running != nil:
		return "running"
	case cs.State.Waiting != nil:
		return "waiting"
	case cs.State.Terminated != nil:
		return "terminated"
	default:
		return "unknown"
	}
}

// ListChallengePods returns summaries of every pod carrying the challenge
// app label, including the externally reachable URLs derived from the
// configured domain.
func (c *Client) ListChallengePods(ctx context.Context) ([]*ChallengePod, error) {
	selector := config.GetChallengePodLabelKey() + "=" + config.GetChallengePodLabelValue()
	pods, err := c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, err
	}
	domain := config.GetDomain()
	result := make([]*ChallengePod, 0, len(pods.Items))
	for i := range pods.Items {
		pod := &pods.Items[i]
		instance := pod.Labels[LabelInstance]
		if instance == "" {
			instance = pod.Name
		}
		summary := &ChallengePod{
			PodName:        pod.Name,
			Instance:       instance,
			User:           pod.Labels[LabelUser],
			CompetitionID:  pod.Labels[LabelCompetition],
			ChallengeType:  pod.Labels[LabelChallengeType],
			ChallengeName:  pod.Labels[LabelChallengeName],
			Status:         StandardizeStatus(pod),
			CreationTime:   pod.CreationTimestamp.Time,
			FlagSecretName: flagSecretPrefix + instance,
			URLs:           ChallengeURLs(instance, domain),
		}
		result = append(result, summary)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PodName < result[j].PodName })
	return result, nil
}

// ChallengeURLs computes the external endpoints for an instance. An empty
// domain yields no URLs.
func ChallengeURLs(instance, domain string) map[string]string {
	if domain == "" {
		return nil
	}
	return map[string]string{
		"challenge": fmt.Sprintf("https://%s.%s", instance, domain),
		"terminal":  fmt.Sprintf("https://terminal-%s.%s", instance, domain),
	}
}

// GetSecret fetches a secret by name, falling back to the flag secret naming
// convention when the caller passed a bare instance name.
func (c *Client) GetSecret(ctx context.Context, name, namespace string) (*corev1.Secret, error) {
	if namespace == "" {
		namespace = c.namespace
	}
	secret, err := c.clientset.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		return secret, nil
	}
	if !apierrors.IsNotFound(err) {
		return nil, err
	}
	secret, err = c.clientset.CoreV1().Secrets(namespace).Get(ctx, flagSecretPrefix+name, metav1.GetOptions{})
	if err == nil {
		return secret, nil
	}
	if !apierrors.IsNotFound(err) {
		return nil, err
	}
	return nil, commonerrors.NewNotFound("Secret", name)
}

// SecretValue extracts the flag value from a secret: the "flag" key when
// present, otherwise the first key in sorted order.
func SecretValue(secret *corev1.Secret) string {
	if secret == nil || len(secret.Data) == 0 {
		return ""
	}
	if v, ok := secret.Data["flag"]; ok {
		return string(v)
	}
	keys := make([]string, 0, len(secret.Data))
	for k := range secret.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return string(secret.Data[keys[0]])
}

// FlagSecretName returns the conventional flag secret name for an instance.
func FlagSecretName(instance string) string {
	return flagSecretPrefix + instance
}

/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package kubernetes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	"k8s.io/utils/ptr"

	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/config"
	commonerrors "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/errors"
)

func newTestClient(t *testing.T, objects ...runtime.Object) (*Client, *k8sfake.Clientset) {
	t.Helper()
	config.SetValue("challenge.namespace", "default")
	fake := k8sfake.NewClientset(objects...)
	return NewWithClientset(fake), fake
}

func TestSanitizeLabel(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"lowercase", "User@Example.COM", "user-example.com"},
		{"valid unchanged", "web-chal-01", "web-chal-01"},
		{"edges trimmed", "--web--", "web"},
		{"dots kept", "a.b.c", "a.b.c"},
		{"empty", "", "unknown"},
		{"only invalid", "@@@", "unknown"},
		{"lowercased at limit", "a123456789b123456789c123456789d123456789e123456789f123456789gXY", "a123456789b123456789c123456789d123456789e123456789f123456789gxy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeLabel(tt.input)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, len(got), 63)
			assert.Equal(t, got, SanitizeLabel(got), "sanitizing twice must not change the value")
		})
	}

	long := "ThisNameIsWayTooLongForALabelValue-" + "padding-padding-padding-padding-padding"
	got := SanitizeLabel(long)
	assert.LessOrEqual(t, len(got), 63)
	assert.Equal(t, got, SanitizeLabel(got))
}

func TestCreatePodAppliesSecurityDefaults(t *testing.T) {
	c, _ := newTestClient(t)
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "web-chal"},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{Name: "main", Image: "nginx"}},
		},
	}
	created, err := c.CreatePod(context.Background(), pod)
	require.NoError(t, err)

	podCtx := created.Spec.SecurityContext
	require.NotNil(t, podCtx)
	assert.Equal(t, true, *podCtx.RunAsNonRoot)
	assert.Equal(t, int64(1000), *podCtx.RunAsUser)
	assert.Equal(t, int64(1000), *podCtx.RunAsGroup)
	assert.Equal(t, int64(1000), *podCtx.FSGroup)
	require.NotNil(t, podCtx.SeccompProfile)
	assert.Equal(t, corev1.SeccompProfileTypeRuntimeDefault, podCtx.SeccompProfile.Type)

	secCtx := created.Spec.Containers[0].SecurityContext
	require.NotNil(t, secCtx)
	assert.Equal(t, false, *secCtx.AllowPrivilegeEscalation)
}

func TestCreatePodKeepsTemplateOverrides(t *testing.T) {
	c, _ := newTestClient(t)
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "metasploit-chal"},
		Spec: corev1.PodSpec{
			SecurityContext: &corev1.PodSecurityContext{
				RunAsNonRoot: ptr.To(false),
				RunAsUser:    ptr.To(int64(0)),
			},
			Containers: []corev1.Container{{
				Name:  "main",
				Image: "metasploit",
				SecurityContext: &corev1.SecurityContext{
					Privileged: ptr.To(true),
				},
			}},
		},
	}
	created, err := c.CreatePod(context.Background(), pod)
	require.NoError(t, err)

	assert.Equal(t, false, *created.Spec.SecurityContext.RunAsNonRoot)
	assert.Equal(t, int64(0), *created.Spec.SecurityContext.RunAsUser)
	// Fields left open by the template still get defaults.
	assert.Equal(t, int64(1000), *created.Spec.SecurityContext.RunAsGroup)

	secCtx := created.Spec.Containers[0].SecurityContext
	assert.True(t, *secCtx.Privileged)
	assert.Nil(t, secCtx.AllowPrivilegeEscalation)
}

func TestDeleteByInstance(t *testing.T) {
	labels := map[string]string{LabelApp: ChallengeAppValue, LabelInstance: "web-chal-abc"}
	c, fake := newTestClient(t,
		&networkingv1.Ingress{ObjectMeta: metav1.ObjectMeta{Name: "web-chal-abc", Namespace: "default", Labels: labels}},
		&corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: "web-chal-abc-svc", Namespace: "default", Labels: labels}},
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "web-chal-abc", Namespace: "default", Labels: labels}},
		&corev1.Secret{ObjectMeta: metav1.ObjectMeta{Name: "flag-secret-web-chal-abc", Namespace: "default", Labels: labels}},
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "other-instance", Namespace: "default",
			Labels: map[string]string{LabelApp: ChallengeAppValue, LabelInstance: "other"}}},
	)

	require.NoError(t, c.DeleteByInstance(context.Background(), "web-chal-abc"))

	// Only the labeled objects are gone; the other instance survives.
	_, err := fake.CoreV1().Pods("default").Get(context.Background(), "web-chal-abc", metav1.GetOptions{})
	assert.Error(t, err)
	_, err = fake.CoreV1().Pods("default").Get(context.Background(), "other-instance", metav1.GetOptions{})
	assert.NoError(t, err)
	_, err = fake.CoreV1().Secrets("default").Get(context.Background(), "flag-secret-web-chal-abc", metav1.GetOptions{})
	assert.Error(t, err)

	// Kinds are swept in dependency order.
	var deletedKinds []string
	for _, action := range fake.Actions() {
		if action.GetVerb() == "delete" {
			deletedKinds = append(deletedKinds, action.GetResource().Resource)
		}
	}
	assert.Equal(t, []string{"ingresses", "services", "pods", "secrets"}, deletedKinds)
}

func TestDeleteByInstanceNothingToDelete(t *testing.T) {
	c, _ := newTestClient(t)
	assert.NoError(t, c.DeleteByInstance(context.Background(), "ghost"))
}

func TestStandardizeStatus(t *testing.T) {
	tests := []struct {
		name string
		pod  *corev1.Pod
		want string
	}{
		{"pending", &corev1.Pod{Status: corev1.PodStatus{Phase: corev1.PodPending}}, StatusCreating},
		{"running", &corev1.Pod{Status: corev1.PodStatus{Phase: corev1.PodRunning}}, StatusActive},
		{"succeeded", &corev1.Pod{Status: corev1.PodStatus{Phase: corev1.PodSucceeded}}, StatusActive},
		{"failed", &corev1.Pod{Status: corev1.PodStatus{Phase: corev1.PodFailed}}, StatusError},
		{"unknown", &corev1.Pod{Status: corev1.PodStatus{Phase: corev1.PodUnknown}}, StatusError},
		{"terminating wins", &corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{DeletionTimestamp: &metav1.Time{Time: time.Now()}},
			Status:     corev1.PodStatus{Phase: corev1.PodRunning},
		}, StatusTerminating},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StandardizeStatus(tt.pod))
		})
	}
}

func TestGetPodStatus(t *testing.T) {
	c, _ := newTestClient(t, &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:              "web-chal-abc",
			Namespace:         "default",
			Labels:            map[string]string{LabelInstance: "web-chal-abc"},
			CreationTimestamp: metav1.Time{Time: time.Now().Add(-time.Minute)},
		},
		Spec: corev1.PodSpec{NodeName: "node-1"},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
			PodIP: "10.0.0.7",
			ContainerStatuses: []corev1.ContainerStatus{{
				Name:         "main",
				Image:        "nginx",
				Ready:        true,
				RestartCount: 2,
				State:        corev1.ContainerState{Running: &corev1.ContainerStateRunning{}},
			}},
		},
	})

	status, err := c.GetPodStatus(context.Background(), "web-chal-abc", "")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, status.Status)
	assert.Equal(t, "Running", status.Phase)
	assert.Equal(t, "10.0.0.7", status.PodIP)
	assert.Equal(t, "node-1", status.Node)
	assert.Greater(t, status.UptimeSeconds, 0.0)
	require.Len(t, status.Containers, 1)
	assert.Equal(t, "main", status.Containers[0].Name)
	assert.True(t, status.Containers[0].Ready)
	assert.Equal(t, int32(2), status.Containers[0].RestartCount)
	assert.Equal(t, "running", status.Containers[0].State)
}

func TestGetPodStatusNotFound(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := c.GetPodStatus(context.Background(), "missing", "")
	require.Error(t, err)
	assert.True(t, commonerrors.IsNotFound(err))
	assert.Equal(t, commonerrors.PodNotFound, commonerrors.GetErrorCode(err))
}

func TestListChallengePods(t *testing.T) {
	config.SetValue("global.domain", "edurange.cloud")
	c, _ := newTestClient(t,
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "web-b", Namespace: "default",
			Labels: map[string]string{LabelApp: ChallengeAppValue, LabelInstance: "web-b", LabelUser: "alice"}}},
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "web-a", Namespace: "default",
			Labels: map[string]string{LabelApp: ChallengeAppValue, LabelInstance: "web-a", LabelChallengeType: "web"}}},
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "unrelated", Namespace: "default"}},
	)

	pods, err := c.ListChallengePods(context.Background())
	require.NoError(t, err)
	require.Len(t, pods, 2)
	assert.Equal(t, "web-a", pods[0].PodName)
	assert.Equal(t, "web-b", pods[1].PodName)
	assert.Equal(t, "web", pods[0].ChallengeType)
	assert.Equal(t, "alice", pods[1].User)
	assert.Equal(t, "flag-secret-web-a", pods[0].FlagSecretName)
	assert.Equal(t, "https://web-a.edurange.cloud", pods[0].URLs["challenge"])
	assert.Equal(t, "https://terminal-web-a.edurange.cloud", pods[0].URLs["terminal"])
}

func TestGetSecretFallback(t *testing.T) {
	c, _ := newTestClient(t,
		&corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{Name: "flag-secret-web-a", Namespace: "default"},
			Data:       map[string][]byte{"flag": []byte("flag{abc}")},
		},
	)

	secret, err := c.GetSecret(context.Background(), "flag-secret-web-a", "")
	require.NoError(t, err)
	assert.Equal(t, "flag{abc}", SecretValue(secret))

	// Bare instance name resolves through the flag secret prefix.
	secret, err = c.GetSecret(context.Background(), "web-a", "")
	require.NoError(t, err)
	assert.Equal(t, "flag{abc}", SecretValue(secret))

	_, err = c.GetSecret(context.Background(), "missing", "")
	require.Error(t, err)
	assert.Equal(t, commonerrors.SecretNotFound, commonerrors.GetErrorCode(err))
}

func TestSecretValueFirstKey(t *testing.T) {
	secret := &corev1.Secret{Data: map[string][]byte{
		"zzz":      []byte("last"),
		"password": []byte("hunter2"),
	}}
	assert.Equal(t, "hunter2", SecretValue(secret))
	assert.Equal(t, "", SecretValue(&corev1.Secret{}))
}

func TestWaitForPodRunning(t *testing.T) {
	c, _ := newTestClient(t, &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "ready", Namespace: "default"},
		Status:     corev1.PodStatus{Phase: corev1.PodRunning},
	})
	assert.NoError(t, c.WaitForPodRunning(context.Background(), "ready", 5*time.Second))
}

func TestWaitForPodRunningFailedPod(t *testing.T) {
	c, _ := newTestClient(t, &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "broken", Namespace: "default"},
		Status:     corev1.PodStatus{Phase: corev1.PodFailed, Reason: "Evicted"},
	})
	err := c.WaitForPodRunning(context.Background(), "broken", 5*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Evicted")
}

func TestWaitForPodRunningTimeout(t *testing.T) {
	c, _ := newTestClient(t, &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "stuck", Namespace: "default"},
		Status:     corev1.PodStatus{Phase: corev1.PodPending},
	})
	err := c.WaitForPodRunning(context.Background(), "stuck", 100*time.Millisecond)
	assert.Error(t, err)
}

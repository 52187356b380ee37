/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package ctd

import (
	"fmt"
	"net"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/klog/v2"

	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/config"
	commonerrors "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/errors"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/kubernetes"
	jsonutils "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/utils/json"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/utils/sets"
)

// Reserved substitution context names. Definition variables may not shadow
// them.
const (
	varInstanceName    = "INSTANCE_NAME"
	varDomain          = "DOMAIN"
	varHostPair        = "INSTANCE_NAME.DOMAIN"
	varUserID          = "USER_ID"
	varCompetitionID   = "COMPETITION_ID"
	varFlag            = "FLAG"
	varFlagSecretName  = "FLAG_SECRET_NAME"
	varAppsConfig      = "APPS_CONFIG"
	varKubernetesHost  = "KUBERNETES_HOST"
	varKubernetesToken = "KUBERNETES_TOKEN"
	varDBSecretName    = "DB_SECRET_NAME"
	varDBRootPassword  = "DB_ROOT_PASSWORD"
	varDBUserPassword  = "DB_USER_PASSWORD"
)

const (
	propertyImage = "image"
	propertyEnv   = "env"

	// appsConfigExtension is the extension point that receives the rendered
	// workspace app list through this env var, whether or not the definition
	// carries a typeConfig entry for it.
	appsConfigExtension = "appsConfig"
	appsConfigEnvName   = "NEXT_PUBLIC_APPS_CONFIG"

	flagSecretKey      = "flag"
	dbSecretNamePrefix = "db-secret-"
	dbRootPasswordKey  = "root-password"
	dbUserPasswordKey  = "user-password"

	serviceAccountTokenFile = "/var/run/secrets/kubernetes.io/serviceaccount/token"
)

var reservedVars = sets.NewSetByKeys(
	varInstanceName, varDomain, varHostPair, varUserID, varCompetitionID,
	varFlag, varFlagSecretName, varAppsConfig, varKubernetesHost,
	varKubernetesToken, varDBSecretName, varDBRootPassword, varDBUserPassword,
)

// Instance is the rendered set of objects for one challenge deployment,
// ready for the cluster adapter. Rendering is pure; nothing here has touched
// the cluster yet.
type Instance struct {
	Name            string
	ChallengeType   string
	Flag            string
	FlagSecretName  string
	Labels          map[string]string
	Context         map[string]string
	Secrets         []*corev1.Secret
	ConfigMaps      []*corev1.ConfigMap
	Pod             *corev1.Pod
	Services        []*corev1.Service
	Ingresses       []*networkingv1.Ingress
	NetworkPolicies []*networkingv1.NetworkPolicy
}

// RenderRequest carries everything needed to materialize one deployment.
type RenderRequest struct {
	CDF           *CDF
	InstanceName  string
	UserID        string
	CompetitionID string
}

// Resolver combines a challenge definition with its type template to produce
// the concrete objects for one instance.
type Resolver struct {
	store *Store
}

func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// Render validates the definition, resolves its challenge type and renders
// every object for the instance. The store's cached template is never
// mutated; each call works on a substituted copy.
func (r *Resolver) Render(req *RenderRequest) (*Instance, error) {
	if err := ValidateCDF(req.CDF); err != nil {
		return nil, err
	}
	def, err := r.store.Get(req.CDF.Metadata.ChallengeType)
	if err != nil {
		return nil, err
	}

	context := buildContext(req)
	context[varAppsConfig] = BuildAppsConfig(req.CDF, context[varFlagSecretName])

	sub := newSubstituter(context)
	podObj := sub.renderMap(def.PodTemplate)
	serviceObjs := sub.renderMaps(def.Services)
	ingressObjs := sub.renderMaps(def.Ingresses)
	policyObjs := sub.renderMaps(def.NetworkPolicies)

	if err := applyExtensionPoints(podObj, def.ExtensionPoints, req.CDF.TypeConfig, sub); err != nil {
		return nil, err
	}
	if err := appendComponentContainers(podObj, req.CDF.Components, sub); err != nil {
		return nil, err
	}
	sub.warnMissing(def.TypeID)

	labels := kubernetes.InstanceLabels(req.InstanceName, req.UserID, req.CompetitionID,
		def.TypeID, req.CDF.Metadata.Name)

	inst := &Instance{
		Name:           req.InstanceName,
		ChallengeType:  def.TypeID,
		Flag:           context[varFlag],
		FlagSecretName: context[varFlagSecretName],
		Labels:         labels,
		Context:        context,
	}

	pod := &corev1.Pod{}
	if err := decodeTemplate(podObj, pod, "pod"); err != nil {
		return nil, err
	}
	if pod.Name == "" {
		pod.Name = req.InstanceName
	}
	pod.Labels = mergeLabels(pod.Labels, labels)
	inst.Pod = pod

	for _, obj := range serviceObjs {
		svc := &corev1.Service{}
		if err := decodeTemplate(obj, svc, "service"); err != nil {
			return nil, err
		}
		svc.Labels = mergeLabels(svc.Labels, labels)
		inst.Services = append(inst.Services, svc)
	}
	for _, obj := range ingressObjs {
		ing := &networkingv1.Ingress{}
		if err := decodeTemplate(obj, ing, "ingress"); err != nil {
			return nil, err
		}
		ing.Labels = mergeLabels(ing.Labels, labels)
		inst.Ingresses = append(inst.Ingresses, ing)
	}
	for _, obj := range policyObjs {
		np := &networkingv1.NetworkPolicy{}
		if err := decodeTemplate(obj, np, "network policy"); err != nil {
			return nil, err
		}
		np.Labels = mergeLabels(np.Labels, labels)
		inst.NetworkPolicies = append(inst.NetworkPolicies, np)
	}

	inst.Secrets = append(inst.Secrets, flagSecret(inst, labels))
	if sub.usedName(varDBSecretName) {
		inst.Secrets = append(inst.Secrets, dbSecret(req.InstanceName, context, labels))
	}
	appendComponentObjects(inst, req.CDF.Components, sub, labels)

	return inst, nil
}

// buildContext assembles the substitution context for one instance: the
// reserved names, the in-cluster endpoint workspace apps talk to, fresh flag
// and database credentials, and the definition's own variables.
func buildContext(req *RenderRequest) map[string]string {
	instance := req.InstanceName
	context := map[string]string{
		varInstanceName:    instance,
		varUserID:          req.UserID,
		varCompetitionID:   req.CompetitionID,
		varFlag:            fmt.Sprintf("flag{%s}", uuid.NewString()),
		varFlagSecretName:  kubernetes.FlagSecretName(instance),
		varKubernetesHost:  inClusterHost(),
		varKubernetesToken: inClusterToken(),
		varDBSecretName:    dbSecretNamePrefix + instance,
		varDBRootPassword:  randomPassword(),
		varDBUserPassword:  randomPassword(),
	}
	if domain := config.GetDomain(); domain != "" {
		context[varDomain] = domain
		context[varHostPair] = instance + "." + domain
	}
	for key, value := range req.CDF.Variables {
		if reservedVars.Has(key) {
			klog.Warningf("variable %s is reserved, keeping the generated value", key)
			continue
		}
		s, ok := scalarValue(value)
		if !ok {
			continue
		}
		context[key] = s
	}
	return context
}

// applyExtensionPoints folds the definition's typeConfig into the pod
// template through the type's declared extension points.
func applyExtensionPoints(podObj map[string]interface{}, points map[string]ExtensionPoint,
	typeConfig map[string]interface{}, sub *substituter) error {
	names := make([]string, 0, len(points))
	for name := range points {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		point := points[name]
		if name == appsConfigExtension {
			if !updateContainer(podObj, point.Container, func(c map[string]interface{}) {
				setContainerEnv(c, appsConfigEnvName, sub.context[varAppsConfig])
			}) {
				return extensionError(name, "targets unknown container "+point.Container)
			}
			continue
		}
		value, ok := typeConfig[name]
		if !ok {
			continue
		}
		if err := applyExtensionValue(podObj, name, point, sub.renderValue(value)); err != nil {
			return err
		}
	}
	return nil
}

func applyExtensionValue(podObj map[string]interface{}, name string, point ExtensionPoint, value interface{}) error {
	switch point.Property {
	case propertyImage:
		image, ok := value.(string)
		if !ok || image == "" {
			return extensionError(name, "needs an image string")
		}
		if !updateContainer(podObj, point.Container, func(c map[string]interface{}) {
			c["image"] = image
		}) {
			return extensionError(name, "targets unknown container "+point.Container)
		}
	case propertyEnv:
		envs, ok := value.(map[string]interface{})
		if !ok {
			return extensionError(name, "needs a map of env values")
		}
		keys := make([]string, 0, len(envs))
		for key := range envs {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		if !updateContainer(podObj, point.Container, func(c map[string]interface{}) {
			for _, key := range keys {
				s, scalar := scalarValue(envs[key])
				if !scalar {
					s = jsonutils.MarshalString(envs[key])
				}
				setContainerEnv(c, key, s)
			}
		}) {
			return extensionError(name, "targets unknown container "+point.Container)
		}
	default:
		klog.Warningf("extension point %s has unsupported property %q, skipping", name, point.Property)
	}
	return nil
}

func extensionError(name, message string) error {
	return commonerrors.NewInvalidDefinition(fmt.Sprintf("extension point %s %s", name, message))
}

// updateContainer runs fn against the named container of the pod template.
// Returns false when no container has that name.
func updateContainer(podObj map[string]interface{}, name string, fn func(map[string]interface{})) bool {
	containers, found, err := unstructured.NestedSlice(podObj, "spec", "containers")
	if err != nil || !found {
		return false
	}
	for i := range containers {
		c, ok := containers[i].(map[string]interface{})
		if !ok || c["name"] != name {
			continue
		}
		fn(c)
		containers[i] = c
		return unstructured.SetNestedSlice(podObj, containers, "spec", "containers") == nil
	}
	return false
}

// setContainerEnv updates the named env entry in place, appending when the
// container does not carry it yet.
func setContainerEnv(container map[string]interface{}, name, value string) {
	env, _, _ := unstructured.NestedSlice(container, "env")
	for i := range env {
		entry, ok := env[i].(map[string]interface{})
		if ok && entry["name"] == name {
			entry["value"] = value
			env[i] = entry
			_ = unstructured.SetNestedSlice(container, env, "env")
			return
		}
	}
	env = append(env, map[string]interface{}{"name": name, "value": value})
	_ = unstructured.SetNestedSlice(container, env, "env")
}

// appendComponentContainers adds the definition's container components to
// the pod template alongside the type's own containers.
func appendComponentContainers(podObj map[string]interface{}, components []Component, sub *substituter) error {
	var extra []interface{}
	for i := range components {
		if components[i].Type != ComponentContainer {
			continue
		}
		extra = append(extra, interface{}(sub.renderMap(components[i].Container)))
	}
	if len(extra) == 0 {
		return nil
	}
	containers, found, err := unstructured.NestedSlice(podObj, "spec", "containers")
	if err != nil || !found {
		return commonerrors.NewInvalidDefinition("pod template has no spec.containers")
	}
	containers = append(containers, extra...)
	if err := unstructured.SetNestedSlice(podObj, containers, "spec", "containers"); err != nil {
		return commonerrors.NewInvalidDefinition(err.Error())
	}
	return nil
}

// appendComponentObjects materializes configMap and secret components.
func appendComponentObjects(inst *Instance, components []Component, sub *substituter, labels map[string]string) {
	for i := range components {
		comp := &components[i]
		if comp.Type != ComponentConfigMap && comp.Type != ComponentSecret {
			continue
		}
		data := make(map[string]string, len(comp.Data))
		for key, value := range comp.Data {
			data[key] = sub.renderString(value)
		}
		meta := metav1.ObjectMeta{
			Name:   sub.renderString(comp.Name),
			Labels: mergeLabels(nil, labels),
		}
		if comp.Type == ComponentConfigMap {
			inst.ConfigMaps = append(inst.ConfigMaps, &corev1.ConfigMap{ObjectMeta: meta, Data: data})
		} else {
			inst.Secrets = append(inst.Secrets, &corev1.Secret{
				ObjectMeta: meta,
				Type:       corev1.SecretTypeOpaque,
				StringData: data,
			})
		}
	}
}

func flagSecret(inst *Instance, labels map[string]string) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:   inst.FlagSecretName,
			Labels: mergeLabels(nil, labels),
		},
		Type:       corev1.SecretTypeOpaque,
		StringData: map[string]string{flagSecretKey: inst.Flag},
	}
}

// dbSecret holds the generated database credentials; it is only created when
// the pod template referenced the secret by name.
func dbSecret(instance string, context map[string]string, labels map[string]string) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:   dbSecretNamePrefix + instance,
			Labels: mergeLabels(nil, labels),
		},
		Type: corev1.SecretTypeOpaque,
		StringData: map[string]string{
			dbRootPasswordKey: context[varDBRootPassword],
			dbUserPasswordKey: context[varDBUserPassword],
		},
	}
}

func decodeTemplate(obj map[string]interface{}, target interface{}, kind string) error {
	if err := jsonutils.Unmarshal(jsonutils.MarshalSilently(obj), target); err != nil {
		return commonerrors.NewInvalidDefinition(fmt.Sprintf("%s template does not decode: %v", kind, err))
	}
	return nil
}

func mergeLabels(existing, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(existing)+len(overrides))
	for key, value := range existing {
		merged[key] = value
	}
	for key, value := range overrides {
		merged[key] = value
	}
	return merged
}

// inClusterHost returns the API server endpoint the way client-go resolves
// it in cluster, empty outside one.
func inClusterHost() string {
	host, port := os.Getenv("KUBERNETES_SERVICE_HOST"), os.Getenv("KUBERNETES_SERVICE_PORT")
	if host == "" || port == "" {
		return ""
	}
	return "https://" + net.JoinHostPort(host, port)
}

func inClusterToken() string {
	token, err := os.ReadFile(serviceAccountTokenFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(token))
}

// randomPassword returns a 32 character hex credential.
func randomPassword() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package ctd

import (
	"fmt"
	"regexp"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	commonerrors "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/errors"
)

// MaxValueLength caps user-supplied scalar values: template variables, flag
// strings, question answers.
const MaxValueLength = 1000

var (
	dnsLabelRe    = regexp.MustCompile(`^[a-z]([-a-z0-9]*[a-z0-9])?$`)
	uuidRe        = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	variableKeyRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

	// Shell metacharacters that must never appear in a challenge command.
	commandMetaRe = regexp.MustCompile("[;&|`$<>\n\r]")

	// Binaries rejected as the leading token of a command.
	blockedBinaries = map[string]bool{
		"rm": true, "dd": true, "mkfs": true, "shutdown": true,
		"reboot": true, "halt": true, "poweroff": true, "init": true,
	}
)

// IsDNSLabel reports whether s is a valid DNS label of at most 63 characters.
func IsDNSLabel(s string) bool {
	return len(s) <= 63 && dnsLabelRe.MatchString(s)
}

// IsUUID reports whether s is an RFC 4122 UUID in canonical form.
func IsUUID(s string) bool {
	return uuidRe.MatchString(strings.ToLower(s))
}

// IsValidInstanceName accepts DNS labels and UUIDs, the two name shapes the
// API admits for deployments and pods.
func IsValidInstanceName(s string) bool {
	return IsDNSLabel(s) || IsUUID(s)
}

// IsValidVariableKey reports whether k may name a template variable.
func IsValidVariableKey(k string) bool {
	return variableKeyRe.MatchString(k)
}

// ValidateCommand rejects commands containing shell metacharacters or
// starting with a destructive binary.
func ValidateCommand(command []string) error {
	if len(command) == 0 {
		return nil
	}
	for _, part := range command {
		if commandMetaRe.MatchString(part) {
			return commonerrors.NewBadRequest(fmt.Sprintf("command part %q contains forbidden characters", part))
		}
	}
	first := command[0]
	if idx := strings.LastIndex(first, "/"); idx >= 0 {
		first = first[idx+1:]
	}
	if blockedBinaries[first] {
		return commonerrors.NewBadRequest(fmt.Sprintf("command binary %q is not allowed", first))
	}
	return nil
}

// scalarValue renders a JSON scalar as its string form. Composite values
// (objects, arrays) report false.
func scalarValue(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return fmt.Sprintf("%t", t), true
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t)), true
		}
		return fmt.Sprintf("%g", t), true
	case int:
		return fmt.Sprintf("%d", t), true
	case int64:
		return fmt.Sprintf("%d", t), true
	case nil:
		return "", true
	default:
		return "", false
	}
}

// ValidateCDF checks a challenge definition against the schema rules. It
// does not check that the challenge type is loaded; the resolver does that
// against the store.
func ValidateCDF(cdf *CDF) error {
	if cdf == nil {
		return commonerrors.NewInvalidDefinition("document is empty")
	}
	if cdf.Metadata.ID == "" {
		return commonerrors.NewInvalidDefinition("metadata.id is required")
	}
	if cdf.Metadata.Name == "" {
		return commonerrors.NewInvalidDefinition("metadata.name is required")
	}
	if cdf.Metadata.ChallengeType == "" {
		return commonerrors.NewInvalidDefinition("metadata.challenge_type is required")
	}
	if !IsDNSLabel(cdf.Metadata.ChallengeType) {
		return commonerrors.NewInvalidDefinition(
			fmt.Sprintf("metadata.challenge_type %q is not a valid type name", cdf.Metadata.ChallengeType))
	}
	for i := range cdf.Components {
		if err := validateComponent(i, &cdf.Components[i]); err != nil {
			return err
		}
	}
	for key, value := range cdf.Variables {
		if !IsValidVariableKey(key) {
			return commonerrors.NewInvalidDefinition(fmt.Sprintf("variable name %q is not allowed", key))
		}
		s, ok := scalarValue(value)
		if !ok {
			return commonerrors.NewInvalidDefinition(fmt.Sprintf("variable %q must be a scalar", key))
		}
		if len(s) > MaxValueLength {
			return commonerrors.NewInvalidDefinition(fmt.Sprintf("variable %q exceeds %d bytes", key, MaxValueLength))
		}
	}
	return nil
}

func validateComponent(index int, comp *Component) error {
	switch comp.Type {
	case ComponentWebOSApp:
		if comp.ID == "" {
			return componentError(index, "webosApp requires an id")
		}
	case ComponentQuestion:
		if comp.ID == "" {
			return componentError(index, "question requires an id")
		}
		if comp.Prompt == "" && comp.Text == "" {
			return componentError(index, "question requires a prompt or text")
		}
		if len(comp.Answer) > MaxValueLength {
			return componentError(index, "question answer is too long")
		}
	case ComponentContainer:
		if len(comp.Container) == 0 {
			return componentError(index, "container requires a container spec")
		}
		name, _, _ := unstructured.NestedString(comp.Container, "name")
		if name == "" {
			return componentError(index, "container spec requires a name")
		}
		image, _, _ := unstructured.NestedString(comp.Container, "image")
		if image == "" {
			return componentError(index, "container spec requires an image")
		}
		if command, found, _ := unstructured.NestedStringSlice(comp.Container, "command"); found {
			if err := ValidateCommand(command); err != nil {
				return componentError(index, commonerrors.GetErrorMessage(err))
			}
		}
	case ComponentConfigMap, ComponentSecret:
		if comp.Name == "" {
			return componentError(index, comp.Type+" requires a name")
		}
		if len(comp.Data) == 0 {
			return componentError(index, comp.Type+" requires data")
		}
	case "":
		return componentError(index, "type is required")
	default:
		return componentError(index, fmt.Sprintf("unknown type %q", comp.Type))
	}
	return nil
}

func componentError(index int, message string) error {
	return commonerrors.NewInvalidDefinition(fmt.Sprintf("components[%d]: %s", index, message))
}

// ValidateCTD checks a challenge type definition on load or upload. Object
// templates must name themselves; only the pod template may rely on the
// instance name default.
func ValidateCTD(def *CTD) error {
	if def == nil {
		return commonerrors.NewInvalidDefinition("definition is empty")
	}
	if def.TypeID == "" {
		return commonerrors.NewInvalidDefinition("typeId is required")
	}
	if !IsDNSLabel(def.TypeID) {
		return commonerrors.NewInvalidDefinition(fmt.Sprintf("typeId %q is not a valid type name", def.TypeID))
	}
	if len(def.PodTemplate) == 0 {
		return commonerrors.NewInvalidDefinition("podTemplate is required")
	}
	containers, found, _ := unstructured.NestedSlice(def.PodTemplate, "spec", "containers")
	if !found || len(containers) == 0 {
		return commonerrors.NewInvalidDefinition("podTemplate.spec.containers must not be empty")
	}
	for i, entry := range containers {
		container, ok := entry.(map[string]interface{})
		if !ok {
			return commonerrors.NewInvalidDefinition(fmt.Sprintf("podTemplate container %d is malformed", i))
		}
		name, _, _ := unstructured.NestedString(container, "name")
		if name == "" {
			return commonerrors.NewInvalidDefinition(fmt.Sprintf("podTemplate container %d requires a name", i))
		}
		image, _, _ := unstructured.NestedString(container, "image")
		if image == "" {
			return commonerrors.NewInvalidDefinition(fmt.Sprintf("podTemplate container %q requires an image", name))
		}
	}
	for kind, templates := range map[string][]map[string]interface{}{
		"services":        def.Services,
		"ingresses":       def.Ingresses,
		"networkPolicies": def.NetworkPolicies,
	} {
		for i, tpl := range templates {
			name, _, _ := unstructured.NestedString(tpl, "metadata", "name")
			if name == "" {
				return commonerrors.NewInvalidDefinition(fmt.Sprintf("%s[%d] requires metadata.name", kind, i))
			}
		}
	}
	for key, ext := range def.ExtensionPoints {
		if ext.Container == "" || ext.Property == "" {
			return commonerrors.NewInvalidDefinition(
				fmt.Sprintf("extensionPoints.%s requires container and property", key))
		}
	}
	return nil
}

/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package ctd loads Challenge Type Definitions, validates Challenge
// Definition Format documents against them, and resolves both into the
// Kubernetes objects making up one challenge instance.
package ctd

// Component type tags recognized in a CDF document.
const (
	ComponentWebOSApp  = "webosApp"
	ComponentQuestion  = "question"
	ComponentContainer = "container"
	ComponentConfigMap = "configMap"
	ComponentSecret    = "secret"
)

// ExtensionPoint declares where a typeConfig override lands: the named
// container inside the pod template and the property to rewrite.
type ExtensionPoint struct {
	Container   string `json:"container"`
	Property    string `json:"property"`
	Description string `json:"description,omitempty"`
}

// CTD is a challenge type definition: the per-type template for the
// Kubernetes objects of an instance. Templates stay schemaless maps so they
// can carry any pod/service/ingress field and `{{NAME}}` placeholders; they
// are converted to typed objects only after substitution.
type CTD struct {
	TypeID          string                    `json:"typeId"`
	Version         string                    `json:"version,omitempty"`
	Description     string                    `json:"description,omitempty"`
	PodTemplate     map[string]interface{}    `json:"podTemplate"`
	Services        []map[string]interface{}  `json:"services,omitempty"`
	Ingresses       []map[string]interface{}  `json:"ingresses,omitempty"`
	NetworkPolicies []map[string]interface{}  `json:"networkPolicies,omitempty"`
	ExtensionPoints map[string]ExtensionPoint `json:"extensionPoints,omitempty"`
}

// Metadata identifies a challenge definition.
type Metadata struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ChallengeType string `json:"challenge_type"`
	Difficulty    string `json:"difficulty,omitempty"`
	Description   string `json:"description,omitempty"`
}

// Component is one entry of a CDF components list. The set of meaningful
// fields depends on Type; unknown fields for a type are ignored.
type Component struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	// webosApp presentation.
	Icon             string                 `json:"icon,omitempty"`
	Title            string                 `json:"title,omitempty"`
	Width            int                    `json:"width,omitempty"`
	Height           int                    `json:"height,omitempty"`
	Screen           string                 `json:"screen,omitempty"`
	Disabled         bool                   `json:"disabled,omitempty"`
	Favourite        bool                   `json:"favourite,omitempty"`
	DesktopShortcut  bool                   `json:"desktop_shortcut,omitempty"`
	LaunchOnStartup  bool                   `json:"launch_on_startup,omitempty"`
	AdditionalConfig map[string]interface{} `json:"additional_config,omitempty"`

	// question content.
	QuestionType string `json:"questionType,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
	Text         string `json:"text,omitempty"`
	Points       int    `json:"points,omitempty"`
	Answer       string `json:"answer,omitempty"`
	Explanation  string `json:"explanation,omitempty"`

	// container spec, appended to the pod template after substitution.
	Container map[string]interface{} `json:"container,omitempty"`

	// configMap / secret payload.
	Name string            `json:"name,omitempty"`
	Data map[string]string `json:"data,omitempty"`
}

// CDF is a challenge definition: one deployable challenge authored against a
// challenge type.
type CDF struct {
	Metadata   Metadata                 `json:"metadata"`
	Components []Component              `json:"components,omitempty"`
	TypeConfig map[string]interface{}   `json:"typeConfig,omitempty"`
	Variables  map[string]interface{}   `json:"variables,omitempty"`
	Templates  []map[string]interface{} `json:"templates,omitempty"`
}

// TypeSummary is the list-view entry for one loaded challenge type.
type TypeSummary struct {
	TypeID          string   `json:"type_id"`
	Version         string   `json:"version,omitempty"`
	Description     string   `json:"description,omitempty"`
	SupportingFiles []string `json:"supporting_files,omitempty"`
}

// UploadResult reports what a CTD archive upload installed.
type UploadResult struct {
	TypeName        string   `json:"typeName"`
	Version         string   `json:"version,omitempty"`
	SupportingFiles []string `json:"supportingFiles,omitempty"`
	IsUpdate        bool     `json:"isUpdate"`
}

/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package ctd

import (
	"regexp"
	"strings"

	"k8s.io/klog/v2"

	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/utils/sets"
)

// hostPairPlaceholder is the one compound placeholder: it resolves through
// the context key "INSTANCE_NAME.DOMAIN" before generic substitution so a
// templated ingress host becomes a single hostname.
const hostPairPlaceholder = "{{INSTANCE_NAME}}.{{DOMAIN}}"

var placeholderRe = regexp.MustCompile(`\{\{([A-Za-z0-9_.]+)\}\}`)

// substituter walks template values replacing {{NAME}} placeholders from the
// context. Unresolved names are kept verbatim and reported once per render;
// resolved names are recorded so callers can tell which context entries the
// template actually consumed.
type substituter struct {
	context map[string]string
	used    sets.Set
	missing sets.Set
}

func newSubstituter(context map[string]string) *substituter {
	return &substituter{context: context, used: sets.NewSet(), missing: sets.NewSet()}
}

func (s *substituter) renderString(value string) string {
	if pair, ok := s.context["INSTANCE_NAME.DOMAIN"]; ok && strings.Contains(value, hostPairPlaceholder) {
		value = strings.ReplaceAll(value, hostPairPlaceholder, pair)
		s.used.Insert("INSTANCE_NAME", "DOMAIN")
	}
	return placeholderRe.ReplaceAllStringFunc(value, func(match string) string {
		name := match[2 : len(match)-2]
		if replacement, ok := s.context[name]; ok {
			s.used.Insert(name)
			return replacement
		}
		s.missing.Insert(name)
		return match
	})
}

func (s *substituter) renderValue(value interface{}) interface{} {
	switch t := value.(type) {
	case string:
		return s.renderString(t)
	case map[string]interface{}:
		return s.renderMap(t)
	case []interface{}:
		rendered := make([]interface{}, len(t))
		for i := range t {
			rendered[i] = s.renderValue(t[i])
		}
		return rendered
	default:
		return value
	}
}

// renderMap returns a substituted deep copy; the template itself is never
// mutated so a cached CTD can serve many instances.
func (s *substituter) renderMap(value map[string]interface{}) map[string]interface{} {
	if value == nil {
		return nil
	}
	rendered := make(map[string]interface{}, len(value))
	for key, entry := range value {
		rendered[key] = s.renderValue(entry)
	}
	return rendered
}

func (s *substituter) renderMaps(values []map[string]interface{}) []map[string]interface{} {
	if len(values) == 0 {
		return nil
	}
	rendered := make([]map[string]interface{}, len(values))
	for i := range values {
		rendered[i] = s.renderMap(values[i])
	}
	return rendered
}

// usedName reports whether a placeholder with the given name resolved during
// this render.
func (s *substituter) usedName(name string) bool {
	return s.used.Has(name)
}

// warnMissing logs the unresolved placeholder names collected during a
// render, once.
func (s *substituter) warnMissing(typeID string) {
	if s.missing.Len() == 0 {
		return
	}
	klog.Warningf("challenge type %s has unresolved placeholders: %s",
		typeID, strings.Join(s.missing.SortedList(), ", "))
}

// SubstituteString replaces {{NAME}} placeholders in one string. Unresolved
// names stay verbatim.
func SubstituteString(value string, context map[string]string) string {
	return newSubstituter(context).renderString(value)
}

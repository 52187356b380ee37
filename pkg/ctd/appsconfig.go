/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package ctd

import (
	jsonutils "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/utils/json"
)

const (
	defaultAppIcon   = "./icons/application.svg"
	defaultAppScreen = "displayChrome"

	promptAppID      = "challenge-prompt"
	questionTypeFlag = "flag"
)

// BuildAppsConfig renders the workspace application list for a deployment:
// one entry per webosApp component, preceded by a generated challenge-prompt
// app when the definition carries question components. Flag question answers
// are not included; the prompt app verifies those against the flag secret.
func BuildAppsConfig(cdf *CDF, flagSecretName string) string {
	var apps []map[string]interface{}
	var questions []map[string]interface{}
	for i := range cdf.Components {
		comp := &cdf.Components[i]
		switch comp.Type {
		case ComponentWebOSApp:
			apps = append(apps, webosAppEntry(comp))
		case ComponentQuestion:
			questions = append(questions, questionEntry(comp))
		}
	}
	if len(questions) > 0 {
		prompt := map[string]interface{}{
			"id":                promptAppID,
			"icon":              defaultAppIcon,
			"title":             cdf.Metadata.Name,
			"screen":            defaultAppScreen,
			"description":       cdf.Metadata.Description,
			"disabled":          false,
			"favourite":         true,
			"desktop_shortcut":  false,
			"launch_on_startup": true,
			"flagSecretName":    flagSecretName,
			"pages": []interface{}{
				map[string]interface{}{
					"instructions": cdf.Metadata.Description,
					"questions":    questions,
				},
			},
		}
		apps = append([]map[string]interface{}{prompt}, apps...)
	}
	if len(apps) == 0 {
		return "[]"
	}
	return jsonutils.MarshalString(apps)
}

func webosAppEntry(comp *Component) map[string]interface{} {
	app := map[string]interface{}{
		"id":                comp.ID,
		"icon":              stringOr(comp.Icon, defaultAppIcon),
		"title":             stringOr(comp.Title, comp.ID),
		"screen":            stringOr(comp.Screen, defaultAppScreen),
		"disabled":          comp.Disabled,
		"favourite":         comp.Favourite,
		"desktop_shortcut":  comp.DesktopShortcut,
		"launch_on_startup": comp.LaunchOnStartup,
	}
	if comp.Width > 0 {
		app["width"] = comp.Width
	}
	if comp.Height > 0 {
		app["height"] = comp.Height
	}
	for k, v := range comp.AdditionalConfig {
		if _, exists := app[k]; !exists {
			app[k] = v
		}
	}
	return app
}

func questionEntry(comp *Component) map[string]interface{} {
	content := comp.Prompt
	if content == "" {
		content = comp.Text
	}
	q := map[string]interface{}{
		"id":      comp.ID,
		"type":    comp.QuestionType,
		"content": content,
		"points":  comp.Points,
	}
	if comp.QuestionType != questionTypeFlag && comp.Answer != "" {
		q["answer"] = comp.Answer
	}
	if comp.Explanation != "" {
		q["explanation"] = comp.Explanation
	}
	return q
}

func stringOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

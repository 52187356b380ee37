/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package ctd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"

	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/config"
	commonerrors "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/errors"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/kubernetes"
)

const resolverWebType = `{
  "typeId": "web",
  "version": "1.2.0",
  "podTemplate": {
    "apiVersion": "v1",
    "kind": "Pod",
    "metadata": {"name": "{{INSTANCE_NAME}}"},
    "spec": {
      "containers": [
        {
          "name": "webos",
          "image": "webos:latest",
          "env": [
            {"name": "HOSTNAME", "value": "{{INSTANCE_NAME}}.{{DOMAIN}}"},
            {"name": "GREETING", "value": "{{GREETING}}"}
          ]
        },
        {"name": "web-app", "image": "placeholder:v0"}
      ]
    }
  },
  "services": [
    {
      "apiVersion": "v1",
      "kind": "Service",
      "metadata": {"name": "{{INSTANCE_NAME}}-svc"},
      "spec": {
        "selector": {"instance": "{{INSTANCE_NAME}}"},
        "ports": [{"port": 80, "targetPort": 3000}]
      }
    }
  ],
  "ingresses": [
    {
      "apiVersion": "networking.k8s.io/v1",
      "kind": "Ingress",
      "metadata": {"name": "{{INSTANCE_NAME}}-ing"},
      "spec": {"rules": [{"host": "{{INSTANCE_NAME}}.{{DOMAIN}}"}]}
    }
  ],
  "extensionPoints": {
    "appsConfig": {"container": "webos", "property": "env"},
    "challengeImage": {"container": "web-app", "property": "image"},
    "webosEnv": {"container": "webos", "property": "env"}
  }
}`

const resolverSQLType = `{
  "typeId": "sqli",
  "podTemplate": {
    "spec": {
      "containers": [
        {
          "name": "db",
          "image": "mariadb:11",
          "env": [{"name": "DB_SECRET", "value": "{{DB_SECRET_NAME}}"}]
        }
      ]
    }
  }
}`

func newTestResolver(t *testing.T, typeFiles map[string]string) *Resolver {
	t.Helper()
	dir := t.TempDir()
	for typeID, body := range typeFiles {
		require.NoError(t, os.WriteFile(filepath.Join(dir, typeID+ctdFileSuffix), []byte(body), 0o644))
	}
	store, err := NewStore(dir)
	require.NoError(t, err)
	config.SetValue("global.domain", "edurange.cloud")
	return NewResolver(store)
}

func resolverCDF() *CDF {
	return &CDF{
		Metadata: Metadata{
			ID: "cdf-web-101", Name: "Intro Web", ChallengeType: "web",
			Description: "Find the flag in the page source.",
		},
		Components: []Component{
			{Type: ComponentWebOSApp, ID: "browser"},
			{Type: ComponentQuestion, ID: "q1", QuestionType: "flag", Prompt: "What is the flag?", Points: 100},
		},
		TypeConfig: map[string]interface{}{
			"challengeImage": "registry.edurange.cloud/web-sqli:4",
			"webosEnv": map[string]interface{}{
				"CHALLENGE_URL": "https://{{INSTANCE_NAME}}.{{DOMAIN}}",
			},
		},
		Variables: map[string]interface{}{"GREETING": "hello"},
	}
}

func envValue(envs []corev1.EnvVar, name string) string {
	for _, e := range envs {
		if e.Name == name {
			return e.Value
		}
	}
	return ""
}

func TestRenderSubstitutesEverything(t *testing.T) {
	r := newTestResolver(t, map[string]string{"web": resolverWebType})
	inst, err := r.Render(&RenderRequest{
		CDF: resolverCDF(), InstanceName: "web-abc12", UserID: "user-7", CompetitionID: "comp-1",
	})
	require.NoError(t, err)

	require.NotNil(t, inst.Pod)
	assert.Equal(t, "web-abc12", inst.Pod.Name)

	webos := inst.Pod.Spec.Containers[0]
	require.Equal(t, "webos", webos.Name)
	assert.Equal(t, "web-abc12.edurange.cloud", envValue(webos.Env, "HOSTNAME"))
	assert.Equal(t, "hello", envValue(webos.Env, "GREETING"))
	assert.Equal(t, "https://web-abc12.edurange.cloud", envValue(webos.Env, "CHALLENGE_URL"))

	appsJSON := envValue(webos.Env, "NEXT_PUBLIC_APPS_CONFIG")
	require.NotEmpty(t, appsJSON)
	var apps []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(appsJSON), &apps))
	require.Len(t, apps, 2)
	assert.Equal(t, "challenge-prompt", apps[0]["id"])
	assert.Equal(t, inst.FlagSecretName, apps[0]["flagSecretName"])

	require.Len(t, inst.Services, 1)
	assert.Equal(t, "web-abc12-svc", inst.Services[0].Name)
	assert.Equal(t, "web-abc12", inst.Services[0].Spec.Selector["instance"])
	require.Len(t, inst.Ingresses, 1)
	assert.Equal(t, "web-abc12-ing", inst.Ingresses[0].Name)
	assert.Equal(t, "web-abc12.edurange.cloud", inst.Ingresses[0].Spec.Rules[0].Host)

	// Nothing rendered still carries a placeholder.
	raw, err := json.Marshal(inst.Pod)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "{{")
}

func TestRenderAppliesTypeConfigImage(t *testing.T) {
	r := newTestResolver(t, map[string]string{"web": resolverWebType})
	inst, err := r.Render(&RenderRequest{CDF: resolverCDF(), InstanceName: "web-abc12"})
	require.NoError(t, err)

	assert.Equal(t, "registry.edurange.cloud/web-sqli:4", inst.Pod.Spec.Containers[1].Image)
	// The first container keeps the template image.
	assert.Equal(t, "webos:latest", inst.Pod.Spec.Containers[0].Image)
}

func TestRenderStampsInstanceLabels(t *testing.T) {
	r := newTestResolver(t, map[string]string{"web": resolverWebType})
	inst, err := r.Render(&RenderRequest{
		CDF: resolverCDF(), InstanceName: "web-abc12", UserID: "user-7", CompetitionID: "comp-1",
	})
	require.NoError(t, err)

	want := map[string]string{
		kubernetes.LabelApp:           kubernetes.ChallengeAppValue,
		kubernetes.LabelInstance:      "web-abc12",
		kubernetes.LabelUser:          "user-7",
		kubernetes.LabelCompetition:   "comp-1",
		kubernetes.LabelChallengeType: "web",
		kubernetes.LabelChallengeName: "intro-web",
	}
	assert.Equal(t, want, inst.Labels)
	for key, value := range want {
		assert.Equal(t, value, inst.Pod.Labels[key])
		assert.Equal(t, value, inst.Services[0].Labels[key])
		assert.Equal(t, value, inst.Ingresses[0].Labels[key])
		for _, secret := range inst.Secrets {
			assert.Equal(t, value, secret.Labels[key])
		}
	}
}

func TestRenderBuildsFlagSecret(t *testing.T) {
	r := newTestResolver(t, map[string]string{"web": resolverWebType})
	inst, err := r.Render(&RenderRequest{CDF: resolverCDF(), InstanceName: "web-abc12"})
	require.NoError(t, err)

	require.Len(t, inst.Secrets, 1)
	secret := inst.Secrets[0]
	assert.Equal(t, "flag-secret-web-abc12", secret.Name)
	assert.Equal(t, inst.FlagSecretName, secret.Name)
	assert.Equal(t, inst.Flag, secret.StringData["flag"])
	assert.True(t, strings.HasPrefix(inst.Flag, "flag{"))

	// Flags are unique per render.
	again, err := r.Render(&RenderRequest{CDF: resolverCDF(), InstanceName: "web-zzz99"})
	require.NoError(t, err)
	assert.NotEqual(t, inst.Flag, again.Flag)
}

func TestRenderDatabaseSecretOnlyWhenReferenced(t *testing.T) {
	r := newTestResolver(t, map[string]string{"web": resolverWebType, "sqli": resolverSQLType})

	cdf := resolverCDF()
	inst, err := r.Render(&RenderRequest{CDF: cdf, InstanceName: "web-abc12"})
	require.NoError(t, err)
	require.Len(t, inst.Secrets, 1)

	sqlCDF := &CDF{Metadata: Metadata{ID: "cdf-sqli-1", Name: "SQL 101", ChallengeType: "sqli"}}
	inst, err = r.Render(&RenderRequest{CDF: sqlCDF, InstanceName: "sqli-1"})
	require.NoError(t, err)
	require.Len(t, inst.Secrets, 2)
	db := inst.Secrets[1]
	assert.Equal(t, "db-secret-sqli-1", db.Name)
	assert.Len(t, db.StringData["root-password"], 32)
	assert.Len(t, db.StringData["user-password"], 32)
	assert.NotEqual(t, db.StringData["root-password"], db.StringData["user-password"])
	assert.Equal(t, "db-secret-sqli-1", envValue(inst.Pod.Spec.Containers[0].Env, "DB_SECRET"))
}

func TestRenderAppendsContainerComponents(t *testing.T) {
	r := newTestResolver(t, map[string]string{"web": resolverWebType})
	cdf := resolverCDF()
	cdf.Components = append(cdf.Components, Component{
		Type: ComponentContainer,
		Container: map[string]interface{}{
			"name":  "sidecar",
			"image": "redis:7",
			"env": []interface{}{
				map[string]interface{}{"name": "OWNER", "value": "{{USER_ID}}"},
			},
		},
	})
	inst, err := r.Render(&RenderRequest{CDF: cdf, InstanceName: "web-abc12", UserID: "user-7"})
	require.NoError(t, err)

	require.Len(t, inst.Pod.Spec.Containers, 3)
	sidecar := inst.Pod.Spec.Containers[2]
	assert.Equal(t, "sidecar", sidecar.Name)
	assert.Equal(t, "redis:7", sidecar.Image)
	assert.Equal(t, "user-7", envValue(sidecar.Env, "OWNER"))
}

func TestRenderComponentObjects(t *testing.T) {
	r := newTestResolver(t, map[string]string{"web": resolverWebType})
	cdf := resolverCDF()
	cdf.Components = append(cdf.Components,
		Component{Type: ComponentConfigMap, Name: "{{INSTANCE_NAME}}-files",
			Data: map[string]string{"index.html": "<h1>{{GREETING}}</h1>"}},
		Component{Type: ComponentSecret, Name: "{{INSTANCE_NAME}}-creds",
			Data: map[string]string{"token": "{{FLAG}}"}},
	)
	inst, err := r.Render(&RenderRequest{CDF: cdf, InstanceName: "web-abc12"})
	require.NoError(t, err)

	require.Len(t, inst.ConfigMaps, 1)
	assert.Equal(t, "web-abc12-files", inst.ConfigMaps[0].Name)
	assert.Equal(t, "<h1>hello</h1>", inst.ConfigMaps[0].Data["index.html"])

	require.Len(t, inst.Secrets, 2)
	assert.Equal(t, "web-abc12-creds", inst.Secrets[1].Name)
	assert.Equal(t, inst.Flag, inst.Secrets[1].StringData["token"])
}

func TestRenderReservedVariablesWin(t *testing.T) {
	r := newTestResolver(t, map[string]string{"web": resolverWebType})
	cdf := resolverCDF()
	cdf.Variables["FLAG"] = "flag{forged}"
	inst, err := r.Render(&RenderRequest{CDF: cdf, InstanceName: "web-abc12"})
	require.NoError(t, err)
	assert.NotEqual(t, "flag{forged}", inst.Flag)
}

func TestRenderUnknownChallengeType(t *testing.T) {
	r := newTestResolver(t, map[string]string{"web": resolverWebType})
	cdf := resolverCDF()
	cdf.Metadata.ChallengeType = "missing"
	_, err := r.Render(&RenderRequest{CDF: cdf, InstanceName: "web-abc12"})
	require.Error(t, err)
	assert.Equal(t, commonerrors.ChallengeTypeNotFound, commonerrors.GetErrorCode(err))
}

func TestRenderInvalidDefinition(t *testing.T) {
	r := newTestResolver(t, map[string]string{"web": resolverWebType})
	cdf := resolverCDF()
	cdf.Metadata.Name = ""
	_, err := r.Render(&RenderRequest{CDF: cdf, InstanceName: "web-abc12"})
	require.Error(t, err)
	assert.Equal(t, commonerrors.InvalidDefinition, commonerrors.GetErrorCode(err))
}

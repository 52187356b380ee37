/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package ctd

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commonerrors "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/errors"
)

const webTypeJSON = `{
  "typeId": "web",
  "version": "1.2.0",
  "description": "Browser based web challenge",
  "podTemplate": {
    "metadata": {"name": "{{INSTANCE_NAME}}"},
    "spec": {"containers": [{"name": "webos", "image": "webos:latest"}]}
  }
}`

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestStoreGetCachesDefinitions(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web.ctd.json"), []byte(webTypeJSON), 0o644))
	store, err := NewStore(dir)
	require.NoError(t, err)

	def, err := store.Get("web")
	require.NoError(t, err)
	assert.Equal(t, "web", def.TypeID)
	assert.Equal(t, "1.2.0", def.Version)

	// Corrupting the file does not disturb the cached copy.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web.ctd.json"), []byte("{"), 0o644))
	again, err := store.Get("web")
	require.NoError(t, err)
	assert.Same(t, def, again)
}

func TestStoreGetUnknownType(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get("missing")
	require.Error(t, err)
	assert.Equal(t, commonerrors.ChallengeTypeNotFound, commonerrors.GetErrorCode(err))

	// Names that could escape the directory are not looked up at all.
	_, err = store.Get("../etc/passwd")
	require.Error(t, err)
	assert.Equal(t, commonerrors.ChallengeTypeNotFound, commonerrors.GetErrorCode(err))
}

func TestStoreListSkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web.ctd.json"), []byte(webTypeJSON), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.ctd.json"), []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644))
	store, err := NewStore(dir)
	require.NoError(t, err)

	summaries, err := store.List()
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "web", summaries[0].TypeID)
	assert.Equal(t, "1.2.0", summaries[0].Version)
}

func TestStoreUpload(t *testing.T) {
	store := newTestStore(t)

	archive := buildZip(t, map[string]string{
		"web.ctd.json":    webTypeJSON,
		"web/setup.sql":   "CREATE TABLE users (id INT);",
		"assets/logo.svg": "<svg/>",
	})
	result, err := store.Upload(archive)
	require.NoError(t, err)
	assert.Equal(t, "web", result.TypeName)
	assert.Equal(t, "1.2.0", result.Version)
	assert.False(t, result.IsUpdate)
	assert.Equal(t, []string{"assets/logo.svg", "setup.sql"}, result.SupportingFiles)

	def, err := store.Get("web")
	require.NoError(t, err)
	assert.Equal(t, "web", def.TypeID)

	data, err := os.ReadFile(filepath.Join(store.Dir(), "web", "setup.sql"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "CREATE TABLE")

	summaries, err := store.List()
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, []string{"assets/logo.svg", "setup.sql"}, summaries[0].SupportingFiles)
}

func TestStoreUploadReplacesAndInvalidatesCache(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Upload(buildZip(t, map[string]string{"web.ctd.json": webTypeJSON}))
	require.NoError(t, err)
	def, err := store.Get("web")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", def.Version)

	updated := bytes.Replace([]byte(webTypeJSON), []byte("1.2.0"), []byte("2.0.0"), 1)
	result, err := store.Upload(buildZip(t, map[string]string{"web.ctd.json": string(updated)}))
	require.NoError(t, err)
	assert.True(t, result.IsUpdate)

	def, err = store.Get("web")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", def.Version)
}

func TestStoreUploadRejectsBadArchives(t *testing.T) {
	store := newTestStore(t)

	cases := []struct {
		name    string
		archive []byte
		code    string
	}{
		{"not a zip", []byte("plain text"), commonerrors.BadRequest},
		{"no definition", buildZip(t, map[string]string{"readme.txt": "hi"}), commonerrors.BadRequest},
		{"two definitions", buildZip(t, map[string]string{
			"web.ctd.json": webTypeJSON,
			"sql.ctd.json": webTypeJSON,
		}), commonerrors.BadRequest},
		{"path escape", buildZip(t, map[string]string{
			"web.ctd.json":       webTypeJSON,
			"../escape/evil.txt": "boom",
		}), commonerrors.BadRequest},
		{"invalid definition", buildZip(t, map[string]string{
			"web.ctd.json": `{"typeId": "web", "podTemplate": {"spec": {}}}`,
		}), commonerrors.InvalidDefinition},
		{"type id mismatch", buildZip(t, map[string]string{
			"web.ctd.json": `{"typeId": "sql", "podTemplate": {"spec": {"containers": [{"name": "c", "image": "i"}]}}}`,
		}), commonerrors.InvalidDefinition},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := store.Upload(c.archive)
			require.Error(t, err)
			assert.Equal(t, c.code, commonerrors.GetErrorCode(err))
		})
	}
}

func TestStoreDelete(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Upload(buildZip(t, map[string]string{
		"web.ctd.json":  webTypeJSON,
		"web/setup.sql": "SELECT 1;",
	}))
	require.NoError(t, err)

	require.NoError(t, store.Delete("web"))
	_, err = store.Get("web")
	require.Error(t, err)
	assert.Equal(t, commonerrors.ChallengeTypeNotFound, commonerrors.GetErrorCode(err))
	_, err = os.Stat(filepath.Join(store.Dir(), "web"))
	assert.True(t, os.IsNotExist(err))

	err = store.Delete("web")
	require.Error(t, err)
	assert.Equal(t, commonerrors.ChallengeTypeNotFound, commonerrors.GetErrorCode(err))
}

func TestSchema(t *testing.T) {
	schema := Schema()
	assert.Equal(t, "Challenge Definition Format", schema["title"])
	properties, ok := schema["properties"].(map[string]interface{})
	require.True(t, ok)
	for _, key := range []string{"metadata", "components", "typeConfig", "variables"} {
		assert.Contains(t, properties, key)
	}
}

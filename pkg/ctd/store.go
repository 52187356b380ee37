/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package ctd

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"k8s.io/klog/v2"

	commonerrors "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/errors"
	jsonutils "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/utils/json"
)

const (
	ctdFileSuffix = ".ctd.json"

	cacheTTL     = 5 * time.Minute
	cacheCleanup = 10 * time.Minute

	// maxUploadFileSize caps a single extracted file to keep a hostile
	// archive from filling the disk.
	maxUploadFileSize = 16 << 20
)

// Store loads challenge type definitions from a directory of
// `<type>.ctd.json` files, each optionally accompanied by a `<type>/`
// support directory. Parsed definitions are cached; uploads and deletes
// invalidate the cache entry.
type Store struct {
	dir   string
	mu    sync.Mutex
	cache *gocache.Cache
}

// NewStore opens the definition directory, creating it when absent, and
// validates every definition already there. Invalid files are logged and
// skipped so one bad definition does not take the service down.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &Store{
		dir:   dir,
		cache: gocache.New(cacheTTL, cacheCleanup),
	}
	types, err := s.scan()
	if err != nil {
		return nil, err
	}
	klog.Infof("challenge type store at %s loaded %d types", dir, len(types))
	return s, nil
}

// Dir returns the directory definitions are stored in.
func (s *Store) Dir() string {
	return s.dir
}

// Get returns the definition for typeID, from cache or disk.
func (s *Store) Get(typeID string) (*CTD, error) {
	if !IsDNSLabel(typeID) {
		return nil, commonerrors.NewNotFound("ChallengeType", typeID)
	}
	if cached, ok := s.cache.Get(typeID); ok {
		return cached.(*CTD), nil
	}
	def, err := s.load(typeID)
	if err != nil {
		return nil, err
	}
	s.cache.SetDefault(typeID, def)
	return def, nil
}

func (s *Store) load(typeID string) (*CTD, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, typeID+ctdFileSuffix))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, commonerrors.NewNotFound("ChallengeType", typeID)
		}
		return nil, err
	}
	def := &CTD{}
	if err := jsonutils.Unmarshal(data, def); err != nil {
		return nil, commonerrors.NewInvalidDefinition(fmt.Sprintf("type %s: %v", typeID, err))
	}
	if def.TypeID == "" {
		def.TypeID = typeID
	}
	if def.TypeID != typeID {
		return nil, commonerrors.NewInvalidDefinition(
			fmt.Sprintf("type file %s declares typeId %s", typeID, def.TypeID))
	}
	if err := ValidateCTD(def); err != nil {
		return nil, err
	}
	return def, nil
}

// scan walks the directory and returns every valid definition, keyed off
// the file names.
func (s *Store) scan() (map[string]*CTD, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	types := map[string]*CTD{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ctdFileSuffix) {
			continue
		}
		typeID := strings.TrimSuffix(entry.Name(), ctdFileSuffix)
		def, err := s.load(typeID)
		if err != nil {
			klog.ErrorS(err, "skipping invalid challenge type file", "file", entry.Name())
			continue
		}
		types[typeID] = def
	}
	return types, nil
}

// List returns summaries of every loadable challenge type, sorted by id.
func (s *Store) List() ([]*TypeSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	types, err := s.scan()
	if err != nil {
		return nil, err
	}
	summaries := make([]*TypeSummary, 0, len(types))
	for typeID, def := range types {
		summaries = append(summaries, &TypeSummary{
			TypeID:          typeID,
			Version:         def.Version,
			Description:     def.Description,
			SupportingFiles: s.supportingFiles(typeID),
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].TypeID < summaries[j].TypeID })
	return summaries, nil
}

func (s *Store) supportingFiles(typeID string) []string {
	var files []string
	root := filepath.Join(s.dir, typeID)
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if rel, relErr := filepath.Rel(root, path); relErr == nil {
			files = append(files, rel)
		}
		return nil
	})
	sort.Strings(files)
	return files
}

// Upload installs a challenge type from a zip archive containing exactly one
// `<type>.ctd.json` at its root plus optional support files, which land in
// the `<type>/` directory. The definition is validated before anything is
// written; an existing type of the same name is replaced.
func (s *Store) Upload(archive []byte) (*UploadResult, error) {
	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, commonerrors.NewBadRequest(fmt.Sprintf("unreadable archive: %v", err))
	}

	var defFile *zip.File
	var support []*zip.File
	for _, f := range reader.File {
		name := f.Name
		if strings.Contains(name, "..") || strings.HasPrefix(name, "/") {
			return nil, commonerrors.NewBadRequest(fmt.Sprintf("archive entry %q escapes the target directory", name))
		}
		if f.FileInfo().IsDir() {
			continue
		}
		if strings.HasSuffix(name, ctdFileSuffix) && !strings.Contains(name, "/") {
			if defFile != nil {
				return nil, commonerrors.NewBadRequest("archive contains more than one definition file")
			}
			defFile = f
			continue
		}
		support = append(support, f)
	}
	if defFile == nil {
		return nil, commonerrors.NewBadRequest("archive contains no *.ctd.json definition")
	}

	typeID := strings.TrimSuffix(defFile.Name, ctdFileSuffix)
	data, err := readZipFile(defFile)
	if err != nil {
		return nil, err
	}
	def := &CTD{}
	if err := jsonutils.Unmarshal(data, def); err != nil {
		return nil, commonerrors.NewInvalidDefinition(err.Error())
	}
	if def.TypeID == "" {
		def.TypeID = typeID
	}
	if def.TypeID != typeID {
		return nil, commonerrors.NewInvalidDefinition(
			fmt.Sprintf("definition file %s declares typeId %s", defFile.Name, def.TypeID))
	}
	if err := ValidateCTD(def); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, statErr := os.Stat(filepath.Join(s.dir, typeID+ctdFileSuffix))
	isUpdate := statErr == nil

	if err := os.WriteFile(filepath.Join(s.dir, typeID+ctdFileSuffix), data, 0o644); err != nil {
		return nil, err
	}
	supportRoot := filepath.Join(s.dir, typeID)
	var written []string
	for _, f := range support {
		// Support files may arrive either under the type directory or at the
		// archive root; both land under <dir>/<type>/.
		rel := strings.TrimPrefix(f.Name, typeID+"/")
		target := filepath.Join(supportRoot, filepath.FromSlash(rel))
		if err := writeZipFile(f, target); err != nil {
			return nil, err
		}
		written = append(written, rel)
	}
	sort.Strings(written)

	s.cache.Delete(typeID)
	klog.Infof("challenge type %s installed, %d support files, update=%t", typeID, len(written), isUpdate)
	return &UploadResult{
		TypeName:        typeID,
		Version:         def.Version,
		SupportingFiles: written,
		IsUpdate:        isUpdate,
	}, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxUploadFileSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxUploadFileSize {
		return nil, commonerrors.NewRequestEntityTooLargeError(f.Name)
	}
	return data, nil
}

func writeZipFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	data, err := readZipFile(f)
	if err != nil {
		return err
	}
	return os.WriteFile(target, data, 0o644)
}

// Delete removes a challenge type and its support directory.
func (s *Store) Delete(typeID string) error {
	if !IsDNSLabel(typeID) {
		return commonerrors.NewNotFound("ChallengeType", typeID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.dir, typeID+ctdFileSuffix)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return commonerrors.NewNotFound("ChallengeType", typeID)
		}
		return err
	}
	if err := os.Remove(path); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.dir, typeID)); err != nil {
		return err
	}
	s.cache.Delete(typeID)
	klog.Infof("challenge type %s deleted", typeID)
	return nil
}

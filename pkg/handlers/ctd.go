/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"fmt"
	"io"

	"github.com/gin-gonic/gin"

	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/ctd"
	commonerrors "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/errors"
)

// maxUploadBytes caps the archive accepted by upload-ctd. Individual
// entries are limited again during extraction.
const maxUploadBytes = 32 << 20

// GetSchema serves the CDF JSON schema for client-side validation.
func (h *Handler) GetSchema(c *gin.Context) {
	handle(c, h.getSchema)
}

func (h *Handler) getSchema(c *gin.Context) (interface{}, error) {
	return ctd.Schema(), nil
}

// ListChallengeTypes lists the installed challenge type definitions.
func (h *Handler) ListChallengeTypes(c *gin.Context) {
	handle(c, h.listChallengeTypes)
}

func (h *Handler) listChallengeTypes(c *gin.Context) (interface{}, error) {
	types, err := h.store.List()
	if err != nil {
		return nil, err
	}
	return gin.H{"challenge_types": types, "count": len(types)}, nil
}

// UploadCTD installs or updates a challenge type from a zip archive.
func (h *Handler) UploadCTD(c *gin.Context) {
	handle(c, h.uploadCTD)
}

func (h *Handler) uploadCTD(c *gin.Context) (interface{}, error) {
	file, err := c.FormFile("file")
	if err != nil {
		return nil, commonerrors.NewBadRequest("multipart field \"file\" is required")
	}
	if file.Size > maxUploadBytes {
		return nil, commonerrors.NewRequestEntityTooLargeError(
			fmt.Sprintf("archive exceeds the %d byte limit", maxUploadBytes))
	}
	f, err := file.Open()
	if err != nil {
		return nil, commonerrors.NewInternalError(err.Error())
	}
	defer f.Close()
	archive, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
	if err != nil {
		return nil, commonerrors.NewInternalError(err.Error())
	}
	return h.store.Upload(archive)
}

// DeleteChallengeType removes a challenge type and its supporting files.
func (h *Handler) DeleteChallengeType(c *gin.Context) {
	handle(c, h.deleteChallengeType)
}

func (h *Handler) deleteChallengeType(c *gin.Context) (interface{}, error) {
	typeID := c.Param("type")
	if err := h.store.Delete(typeID); err != nil {
		return nil, err
	}
	return gin.H{
		"success": true,
		"message": fmt.Sprintf("challenge type %s deleted", typeID),
	}, nil
}

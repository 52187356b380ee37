/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/ctd"
)

// Binding tags shared by the request types. Instance names may be DNS
// labels or UUIDs, namespaces must be plain DNS labels.
func init() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	_ = v.RegisterValidation("instance_name", func(fl validator.FieldLevel) bool {
		return ctd.IsValidInstanceName(fl.Field().String())
	})
	_ = v.RegisterValidation("dns_label", func(fl validator.FieldLevel) bool {
		return ctd.IsDNSLabel(fl.Field().String())
	})
}

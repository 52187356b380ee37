/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package apiutils

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	commonerrors "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/errors"
)

// ApiError is the unified error response, including HTTP code, error code, and error message.
type ApiError struct {
	HttpCode     int    `json:"-"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	RetryAfter   int    `json:"retryAfter,omitempty"`
}

// Error returns the error message string.
func (err *ApiError) Error() string {
	return err.ErrorMessage
}

// AbortWithApiError handles the error, converts it into the standardized error
// format, and aborts the request with a JSON error response.
func AbortWithApiError(c *gin.Context, err error) {
	handleErrors(c, err)
	rsp := convertToErrResponse(err)
	if rsp.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(rsp.RetryAfter))
	}
	c.AbortWithStatusJSON(rsp.HttpCode, rsp)
}

// convertToErrResponse converts an error into the standardized ApiError format.
// Domain errors map to their HTTP codes first; anything unrecognized becomes
// an internal error.
func convertToErrResponse(err error) ApiError {
	var result *ApiError
	if errors.As(err, &result) {
		return *result
	}
	var rateLimited *commonerrors.RateLimitedError
	if errors.As(err, &rateLimited) {
		limitErr := commonerrors.NewTooManyRequests(rateLimited.Error(), rateLimited.SecondsBeforeNext)
		return ApiError{
			HttpCode:     int(limitErr.Status().Code),
			ErrorCode:    string(limitErr.Status().Reason),
			ErrorMessage: limitErr.Error(),
			RetryAfter:   rateLimited.SecondsBeforeNext,
		}
	}
	var err2 *apierrors.StatusError
	if !errors.As(err, &err2) {
		switch {
		case errors.Is(err, commonerrors.ErrRedisUnavailable), errors.Is(err, commonerrors.ErrLockUnavailable):
			err2 = commonerrors.NewServiceUnavailable(err.Error())
		case commonerrors.IsStateTransition(err):
			err2 = commonerrors.NewInvalidWorkerState(err.Error())
		case apierrors.IsNotFound(err):
			err2 = commonerrors.NewNotFoundWithMessage(err.Error())
		case apierrors.IsBadRequest(err), apierrors.IsInvalid(err):
			err2 = commonerrors.NewBadRequest(err.Error())
		case apierrors.IsAlreadyExists(err):
			err2 = commonerrors.NewAlreadyExist(err.Error())
		case apierrors.IsForbidden(err):
			err2 = commonerrors.NewForbidden(err.Error())
		case apierrors.IsRequestEntityTooLargeError(err):
			err2 = commonerrors.NewRequestEntityTooLargeError(err.Error())
		default:
			err2 = commonerrors.NewInternalError(err.Error())
		}
	}
	rsp := ApiError{
		HttpCode:     int(err2.Status().Code),
		ErrorCode:    string(err2.Status().Reason),
		ErrorMessage: err2.Error(),
	}
	if retry := commonerrors.RetryAfterSeconds(err2); retry > 0 {
		rsp.RetryAfter = retry
	}
	return rsp
}

// handleErrors processes single errors or error aggregates and adds them to the Gin context.
func handleErrors(c *gin.Context, err error) {
	var errs []error
	if aggregate, ok := err.(utilerrors.Aggregate); ok {
		errs = aggregate.Errors()
	} else {
		errs = []error{err}
	}
	for _, val := range errs {
		if val != nil {
			_ = c.Error(val)
		}
	}
}

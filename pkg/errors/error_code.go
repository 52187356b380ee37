/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package errors

import (
	"fmt"
	"net/http"
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const EDURangePrefix = "EDURange."

/*
   5-digit Error Code Convention: [xx][yyy]
   [xx] Business ID (00-99), used to distinguish errors from different business interfaces.
   00: General errors
   01: Task and queue errors
   02: Worker errors
   03: Challenge and template errors
   [yyy] Error code range (000-999)
*/

// public: 00xxx
const (
	InternalError         = EDURangePrefix + "00001"
	BadRequest            = EDURangePrefix + "00002"
	Forbidden             = EDURangePrefix + "00003"
	AlreadyExist          = EDURangePrefix + "00004"
	NotFound              = EDURangePrefix + "00005"
	RequestEntityTooLarge = EDURangePrefix + "00006"
	NotImplemented        = EDURangePrefix + "00007"
	TooManyRequests       = EDURangePrefix + "00008"
	Unauthorized          = EDURangePrefix + "00009"
	ServiceUnavailable    = EDURangePrefix + "00010"
)

// task and queue: 01xxx
const (
	TaskNotFound     = EDURangePrefix + "01001"
	QueueUnavailable = EDURangePrefix + "01002"
)

// worker: 02xxx
const (
	WorkerNotFound     = EDURangePrefix + "02001"
	InvalidWorkerState = EDURangePrefix + "02002"
)

// challenge and template: 03xxx
const (
	ChallengeTypeNotFound = EDURangePrefix + "03001"
	InvalidDefinition     = EDURangePrefix + "03002"
	PodNotFound           = EDURangePrefix + "03003"
	SecretNotFound        = EDURangePrefix + "03004"
)

// IsEDURange returns true if the specified error carries an EDURange error reason.
func IsEDURange(err error) bool {
	if err == nil {
		return false
	}
	return strings.HasPrefix(string(apierrors.ReasonForError(err)), EDURangePrefix)
}

func IsAlreadyExist(err error) bool {
	return apierrors.ReasonForError(err) == AlreadyExist
}

func IsBadRequest(err error) bool {
	return apierrors.ReasonForError(err) == BadRequest
}

func IsInternal(err error) bool {
	return apierrors.ReasonForError(err) == InternalError
}

func IsTooManyRequests(err error) bool {
	return apierrors.ReasonForError(err) == TooManyRequests
}

func IsServiceUnavailable(err error) bool {
	return apierrors.ReasonForError(err) == ServiceUnavailable
}

func IsNotFound(err error) bool {
	reason := apierrors.ReasonForError(err)
	if reason == NotFound || reason == TaskNotFound || reason == WorkerNotFound ||
		reason == ChallengeTypeNotFound || reason == PodNotFound || reason == SecretNotFound {
		return true
	}
	return false
}

func IgnoreNotFound(err error) error {
	if err == nil || IsNotFound(err) {
		return nil
	}
	return err
}

func GetErrorCode(err error) string {
	if err == nil || !IsEDURange(err) {
		return ""
	}
	return string(apierrors.ReasonForError(err))
}

// GetErrorMessage returns the status message carried by the error, falling
// back to the error's own text.
func GetErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	if statusErr, ok := err.(*apierrors.StatusError); ok && statusErr.ErrStatus.Message != "" {
		return statusErr.ErrStatus.Message
	}
	return err.Error()
}

func NewBadRequest(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusBadRequest,
		Reason:  BadRequest,
		Message: fmt.Sprintf("Bad request. %s", message),
	}}
}

func NewInternalError(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusInternalServerError,
		Reason:  InternalError,
		Message: fmt.Sprintf("Internal error. %s", message),
	}}
}

func NewAlreadyExist(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusConflict,
		Reason:  AlreadyExist,
		Message: message,
	}}
}

func NewForbidden(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusForbidden,
		Reason:  Forbidden,
		Message: message,
	}}
}

func NotFoundErrorCode(kind string) metav1.StatusReason {
	switch kind {
	case "Task":
		return TaskNotFound
	case "Worker":
		return WorkerNotFound
	case "ChallengeType":
		return ChallengeTypeNotFound
	case "Pod":
		return PodNotFound
	case "Secret":
		return SecretNotFound
	default:
		return NotFound
	}
}

func NewNotFound(kind, name string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status: metav1.StatusFailure,
		Code:   http.StatusNotFound,
		Reason: NotFoundErrorCode(kind),
		Details: &metav1.StatusDetails{
			Kind: kind,
			Name: name,
		},
		Message: fmt.Sprintf("%s %s not found.", kind, name),
	}}
}

func NewNotFoundWithMessage(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusNotFound,
		Reason:  NotFound,
		Message: message,
	}}
}

func NewRequestEntityTooLargeError(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusRequestEntityTooLarge,
		Reason:  RequestEntityTooLarge,
		Message: fmt.Sprintf("Request entity is too large: %s", message),
	}}
}

func NewUnauthorized(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusUnauthorized,
		Reason:  Unauthorized,
		Message: message,
	}}
}

// NewTooManyRequests reports a rate-limit rejection. retryAfter is the number
// of seconds until the caller may retry.
func NewTooManyRequests(message string, retryAfter int) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status: metav1.StatusFailure,
		Code:   http.StatusTooManyRequests,
		Reason: TooManyRequests,
		Details: &metav1.StatusDetails{
			RetryAfterSeconds: int32(retryAfter),
		},
		Message: message,
	}}
}

func NewServiceUnavailable(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusServiceUnavailable,
		Reason:  ServiceUnavailable,
		Message: message,
	}}
}

func NewInvalidDefinition(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusBadRequest,
		Reason:  InvalidDefinition,
		Message: fmt.Sprintf("Invalid challenge definition. %s", message),
	}}
}

func NewInvalidWorkerState(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusConflict,
		Reason:  InvalidWorkerState,
		Message: message,
	}}
}

func NewNotImplemented(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusNotImplemented,
		Reason:  NotImplemented,
		Message: message,
	}}
}

// RetryAfterSeconds extracts the retry-after hint from a TooManyRequests
// error, returning 0 when the error carries none.
func RetryAfterSeconds(err error) int {
	statusErr, ok := err.(*apierrors.StatusError)
	if !ok || statusErr.ErrStatus.Details == nil {
		return 0
	}
	return int(statusErr.ErrStatus.Details.RetryAfterSeconds)
}

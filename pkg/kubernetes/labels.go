/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package kubernetes

import (
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/config"
)

// Labels stamped onto every challenge object. The app label marks objects as
// challenge-owned (key and value configurable, these are the defaults); the
// instance label scopes teardown to one deployment.
const (
	LabelApp           = "app"
	LabelInstance      = "instance"
	LabelUser          = "user"
	LabelCompetition   = "competition_id"
	LabelChallengeType = "challenge_type"
	LabelChallengeName = "challenge_name"

	ChallengeAppValue = "ctfchal"
)

const maxLabelLength = 63

// SanitizeLabel converts an arbitrary identifier into a valid label value:
// lowercase, characters outside [a-z0-9._-] replaced with "-", trimmed to 63
// with alphanumeric edges. The empty result becomes "unknown". Sanitizing an
// already sanitized value returns it unchanged.
func SanitizeLabel(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
			out = append(out, c+'a'-'A')
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
			out = append(out, c)
		default:
			out = append(out, '-')
		}
	}
	if len(out) > maxLabelLength {
		out = out[:maxLabelLength]
	}
	start := 0
	for start < len(out) && !isAlphanumeric(out[start]) {
		start++
	}
	end := len(out)
	for end > start && !isAlphanumeric(out[end-1]) {
		end--
	}
	out = out[start:end]
	if len(out) == 0 {
		return "unknown"
	}
	return string(out)
}

func isAlphanumeric(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

// InstanceLabels builds the standard label set for one challenge instance.
// Every value is sanitized; empty optional fields are omitted. The app marker
// uses the configured key and value so creation and listing always agree.
func InstanceLabels(instance, user, competitionID, challengeType, challengeName string) map[string]string {
	labels := map[string]string{
		config.GetChallengePodLabelKey(): config.GetChallengePodLabelValue(),
		LabelInstance:                    SanitizeLabel(instance),
	}
	if user != "" {
		labels[LabelUser] = SanitizeLabel(user)
	}
	if competitionID != "" {
		labels[LabelCompetition] = SanitizeLabel(competitionID)
	}
	if challengeType != "" {
		labels[LabelChallengeType] = SanitizeLabel(challengeType)
	}
	if challengeName != "" {
		labels[LabelChallengeName] = SanitizeLabel(challengeName)
	}
	return labels
}

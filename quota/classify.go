/******************************************************************************
 * Copyright (c) 2025-2026 Tenwall Systems Inc.                               *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package quota

import (
	"strings"

	"github.com/tenwall/Conduit/global"
)

// Rate-limit signatures are checked before loose quota wording. The provider
// error bodies overlap, and a transient 429 misread as daily exhaustion
// would park a healthy model until midnight.
var rateLimitSignatures = []string{
	"429",
	"too many requests",
	"rate limit",
}

// Exact exhaustion signatures dominate everything, including a bare "429"
// substring: the canonical daily-quota stderr carries "status: 429" next to
// RESOURCE_EXHAUSTED, and that message means the model is done for the day.
var exhaustionSignatures = []string{
	"resource_exhausted",
	"quota metric",
}

var quotaSignatures = []string{
	"quota exceeded",
	"daily limit",
}

// classifyText maps combined process output to a failure kind. Returns
// FailureNone when neither signature family matches.
func classifyText(text string) global.FailureKind {
	lower := strings.ToLower(text)

	for _, sig := range exhaustionSignatures {
		if strings.Contains(lower, sig) {
			return global.FailureQuotaExceeded
		}
	}
	for _, sig := range rateLimitSignatures {
		if strings.Contains(lower, sig) {
			return global.FailureRateLimited
		}
	}
	for _, sig := range quotaSignatures {
		if strings.Contains(lower, sig) {
			return global.FailureQuotaExceeded
		}
	}
	return global.FailureNone
}

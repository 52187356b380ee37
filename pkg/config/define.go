/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package config

const (
	// global
	globalPrefix = "global."
	domain       = globalPrefix + "domain"
	ingressURL   = globalPrefix + "ingress_url"

	// server
	serverPrefix = "server."
	serverPort   = serverPrefix + "port"

	// redis
	redisPrefix              = "redis."
	redisURL                 = redisPrefix + "url"
	redisMaxConnections      = redisPrefix + "max_connections"
	redisHealthCheckInterval = redisPrefix + "health_check_interval"
	redisCacheTTL            = redisPrefix + "cache_ttl"
	redisSocketTimeout       = redisPrefix + "socket_timeout"

	// challenge
	challengePrefix        = "challenge."
	challengeNamespace     = challengePrefix + "namespace"
	challengePodLabelKey   = challengePrefix + "pod_label_key"
	challengePodLabelValue = challengePrefix + "pod_label_value"
	ctdDirectory           = challengePrefix + "ctd_directory"

	// worker
	workerPrefix            = "worker."
	workerParallelEnable    = workerPrefix + "parallel_enable"
	workerCount             = workerPrefix + "count"
	workerHeartbeatInterval = workerPrefix + "heartbeat_interval"
	workerCheckInterval     = workerPrefix + "check_interval"
	workerHeartbeatTimeout  = workerPrefix + "heartbeat_timeout"
	workerExpirySecond      = workerPrefix + "expiry_second"

	// lock
	lockPrefix             = "lock."
	criticalSectionTimeout = lockPrefix + "critical_section_timeout"
	deploymentLockTimeout  = lockPrefix + "deployment_timeout"
	terminationLockTimeout = lockPrefix + "termination_timeout"
	lockRetryCount         = lockPrefix + "retry_count"
	lockRetryIntervalMs    = lockPrefix + "retry_interval_ms"

	// task
	taskPrefix        = "task."
	taskTimeoutSecond = taskPrefix + "timeout_second"
	stalledTaskMaxAge = taskPrefix + "stalled_max_age_second"

	// rate_limit
	rateLimitPrefix   = "rate_limit."
	rateLimitPoints   = rateLimitPrefix + "points"
	rateLimitDuration = rateLimitPrefix + "duration_second"
	rateLimitBlock    = rateLimitPrefix + "block_second"
)

// envBindings maps configuration keys to the environment variables that
// override them. Deployment manifests set these on the container.
var envBindings = map[string]string{
	redisURL:                 "REDIS_URL",
	redisMaxConnections:      "REDIS_MAX_CONNECTIONS",
	redisHealthCheckInterval: "REDIS_HEALTH_CHECK_INTERVAL",
	redisCacheTTL:            "REDIS_CACHE_TTL",
	redisSocketTimeout:       "REDIS_SOCKET_TIMEOUT",
	domain:                   "DOMAIN",
	ingressURL:               "INGRESS_URL",
	serverPort:               "INSTANCE_MANAGER_PORT",
	challengeNamespace:       "CHALLENGE_NAMESPACE",
	challengePodLabelKey:     "CHALLENGE_POD_LABEL_KEY",
	challengePodLabelValue:   "CHALLENGE_POD_LABEL_VALUE",
	ctdDirectory:             "CTD_DIRECTORY",
	workerParallelEnable:     "ENABLE_PARALLEL_WORKERS",
	workerCount:              "WORKER_COUNT",
	workerHeartbeatInterval:  "WORKER_HEARTBEAT_INTERVAL",
	workerCheckInterval:      "WORKER_CHECK_INTERVAL",
	workerHeartbeatTimeout:   "WORKER_HEARTBEAT_TIMEOUT",
	workerExpirySecond:       "WORKER_EXPIRY_SECONDS",
	criticalSectionTimeout:   "CRITICAL_SECTION_TIMEOUT",
	deploymentLockTimeout:    "DEPLOYMENT_LOCK_TIMEOUT",
	terminationLockTimeout:   "TERMINATION_LOCK_TIMEOUT",
	lockRetryCount:           "LOCK_RETRY_COUNT",
	lockRetryIntervalMs:      "LOCK_RETRY_INTERVAL_MS",
	taskTimeoutSecond:        "TASK_TIMEOUT_SECONDS",
	stalledTaskMaxAge:        "STALLED_TASK_MAX_AGE",
	rateLimitPoints:          "RATE_LIMIT_POINTS",
	rateLimitDuration:        "RATE_LIMIT_DURATION",
	rateLimitBlock:           "RATE_LIMIT_BLOCK",
}

/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package config

import (
	"net/url"

	"github.com/spf13/viper"
)

// SetValue sets a configuration value for the specified key.
func SetValue(key string, value interface{}) {
	viper.Set(key, value)
}

// LoadConfig binds the recognized environment variables and loads the
// optional configuration file. Environment values take precedence over file
// values.
func LoadConfig(path string) error {
	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	if path == "" {
		return nil
	}
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")
	return viper.ReadInConfig()
}

func getString(key, defaultValue string) string {
	if !viper.IsSet(key) {
		return defaultValue
	}
	return viper.GetString(key)
}

func getBool(key string, defaultValue bool) bool {
	if !viper.IsSet(key) {
		return defaultValue
	}
	return viper.GetBool(key)
}

func getInt(key string, defaultValue int) int {
	if !viper.IsSet(key) {
		return defaultValue
	}
	return viper.GetInt(key)
}

func getFloat(key string, defaultValue float64) float64 {
	if !viper.IsSet(key) {
		return defaultValue
	}
	return viper.GetFloat64(key)
}

// GetRedisURL returns the Redis connection URL.
func GetRedisURL() string {
	return getString(redisURL, "redis://redis:6379/0")
}

// GetRedisMaxConnections returns the Redis connection pool size.
func GetRedisMaxConnections() int {
	return getInt(redisMaxConnections, 10)
}

// GetRedisHealthCheckIntervalSecond returns the background ping interval in seconds.
func GetRedisHealthCheckIntervalSecond() int {
	return getInt(redisHealthCheckInterval, 30)
}

// GetRedisCacheTTLSecond returns how long the cached connectivity status stays fresh.
func GetRedisCacheTTLSecond() float64 {
	return getFloat(redisCacheTTL, 1.0)
}

// GetRedisSocketTimeoutSecond returns the Redis read/write timeout in seconds.
func GetRedisSocketTimeoutSecond() int {
	return getInt(redisSocketTimeout, 5)
}

// GetDomain returns the base domain used to compute challenge URLs.
// When unset, it falls back to the host of the ingress URL.
func GetDomain() string {
	if d := getString(domain, ""); d != "" {
		return d
	}
	ingress := getString(ingressURL, "")
	if ingress == "" {
		return ""
	}
	u, err := url.Parse(ingress)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// GetIngressURL returns the external ingress URL.
func GetIngressURL() string {
	return getString(ingressURL, "")
}

// GetServerPort returns the API server port.
func GetServerPort() int {
	return getInt(serverPort, 8000)
}

// GetChallengeNamespace returns the namespace challenge objects are created in.
func GetChallengeNamespace() string {
	return getString(challengeNamespace, "default")
}

// GetChallengePodLabelKey returns the label key marking challenge pods.
func GetChallengePodLabelKey() string {
	return getString(challengePodLabelKey, "app")
}

// GetChallengePodLabelValue returns the label value marking challenge pods.
func GetChallengePodLabelValue() string {
	return getString(challengePodLabelValue, "ctfchal")
}

// GetCTDDirectory returns the directory holding challenge type definitions.
func GetCTDDirectory() string {
	return getString(ctdDirectory, "challenge-types")
}

// IsParallelWorkersEnabled returns whether every process runs its own workers.
// When disabled, a single process seeds the worker fleet under a shared lock.
func IsParallelWorkersEnabled() bool {
	return getBool(workerParallelEnable, false)
}

// GetWorkerCount returns the number of workers per queue kind.
func GetWorkerCount() int {
	return getInt(workerCount, 1)
}

// GetWorkerHeartbeatIntervalSecond returns the heartbeat write interval in seconds.
func GetWorkerHeartbeatIntervalSecond() int {
	return getInt(workerHeartbeatInterval, 15)
}

// GetWorkerCheckIntervalSecond returns the stale-worker sweep interval in seconds.
func GetWorkerCheckIntervalSecond() int {
	return getInt(workerCheckInterval, 60)
}

// GetWorkerHeartbeatTimeoutSecond returns how old a heartbeat may be before
// the worker is considered stale.
func GetWorkerHeartbeatTimeoutSecond() int {
	return getInt(workerHeartbeatTimeout, 60)
}

// GetWorkerExpirySecond returns the registry entry TTL in seconds.
func GetWorkerExpirySecond() int {
	return getInt(workerExpirySecond, 3600)
}

// GetCriticalSectionTimeoutSecond returns the default lock expiry in seconds.
func GetCriticalSectionTimeoutSecond() int {
	return getInt(criticalSectionTimeout, 30)
}

// GetDeploymentLockTimeoutSecond returns the challenge lock expiry for deployments.
func GetDeploymentLockTimeoutSecond() int {
	return getInt(deploymentLockTimeout, 120)
}

// GetTerminationLockTimeoutSecond returns the challenge lock expiry for terminations.
func GetTerminationLockTimeoutSecond() int {
	return getInt(terminationLockTimeout, 60)
}

// GetLockRetryCount returns the number of acquire attempts in blocking mode.
func GetLockRetryCount() int {
	return getInt(lockRetryCount, 3)
}

// GetLockRetryIntervalMs returns the delay between acquire attempts in milliseconds.
func GetLockRetryIntervalMs() int {
	return getInt(lockRetryIntervalMs, 200)
}

// GetTaskTimeoutSecond returns the task callback timeout in seconds.
func GetTaskTimeoutSecond() int {
	return getInt(taskTimeoutSecond, 600)
}

// GetStalledTaskMaxAgeSecond returns how long a task may sit in processing
// before recovery re-enqueues it.
func GetStalledTaskMaxAgeSecond() int {
	return getInt(stalledTaskMaxAge, 300)
}

// GetRateLimitPoints returns the operations admitted per window.
func GetRateLimitPoints() int {
	return getInt(rateLimitPoints, 10)
}

// GetRateLimitDurationSecond returns the sliding window length in seconds.
func GetRateLimitDurationSecond() int {
	return getInt(rateLimitDuration, 60)
}

// GetRateLimitBlockSecond returns the block period after a window is exceeded.
func GetRateLimitBlockSecond() int {
	return getInt(rateLimitBlock, 300)
}

// Package config manages scanner-wide settings backed by the project
// store's key/value AppSetting table, the same place ScanTask and the
// cloud tasks persist durable state.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"

	"openscan3/internal/project"
)

// Keys for AppSettings in DB
const (
	KeyEnableCloudSync      = "enable_cloud_sync"
	KeyCloudToken           = "cloud_token"
	KeyEnableIntegrityCheck = "enable_integrity_check"
	KeySchedulerPort        = "scheduler_port"
	KeyMaxCooperativeTasks  = "max_cooperative_tasks"
	KeyUserAgent            = "user_agent"
)

type ConfigManager struct {
	store *project.Store
}

func NewConfigManager(s *project.Store) *ConfigManager {
	return &ConfigManager{store: s}
}

func (c *ConfigManager) GetSchedulerPort() int {
	valStr, err := c.store.GetString(KeySchedulerPort)
	if err != nil || valStr == "" {
		return 4444 // Default
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return 4444
	}
	return val
}

func (c *ConfigManager) SetSchedulerPort(port int) error {
	return c.store.SetString(KeySchedulerPort, strconv.Itoa(port))
}

func (c *ConfigManager) GetMaxCooperativeTasks() int {
	valStr, err := c.store.GetString(KeyMaxCooperativeTasks)
	if err != nil || valStr == "" {
		return 5 // Default
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return 5
	}
	return val
}

func (c *ConfigManager) SetMaxCooperativeTasks(max int) error {
	return c.store.SetString(KeyMaxCooperativeTasks, strconv.Itoa(max))
}

func (c *ConfigManager) GetEnableCloudSync() bool {
	val, err := c.store.GetString(KeyEnableCloudSync)
	if err != nil {
		return false
	}
	return val == "true"
}

func (c *ConfigManager) SetEnableCloudSync(enabled bool) error {
	val := "false"
	if enabled {
		val = "true"
	}
	return c.store.SetString(KeyEnableCloudSync, val)
}

func (c *ConfigManager) GetCloudToken() string {
	val, err := c.store.GetString(KeyCloudToken)
	if err != nil || val == "" {
		token := generateSecureToken()
		c.store.SetString(KeyCloudToken, token)
		return token
	}
	return val
}

func (c *ConfigManager) GetEnableIntegrityCheck() bool {
	val, err := c.store.GetString(KeyEnableIntegrityCheck)
	if err != nil {
		return true // Default True
	}
	return val != "false"
}

func (c *ConfigManager) SetEnableIntegrityCheck(enabled bool) error {
	val := "false"
	if enabled {
		val = "true"
	}
	return c.store.SetString(KeyEnableIntegrityCheck, val)
}

func generateSecureToken() string {
	b := make([]byte, 16) // 16 bytes = 32 hex chars
	if _, err := rand.Read(b); err != nil {
		// Fallback (extremely unlikely)
		return "openscan3-fallback-token-change-me"
	}
	return hex.EncodeToString(b)
}

// GetUserAgent returns the custom User-Agent string
// Returns empty string if not set (caller should use default)
func (c *ConfigManager) GetUserAgent() string {
	val, err := c.store.GetString(KeyUserAgent)
	if err != nil {
		return "" // Use default
	}
	return val
}

// SetUserAgent stores a custom User-Agent string
func (c *ConfigManager) SetUserAgent(ua string) error {
	return c.store.SetString(KeyUserAgent, ua)
}

// FactoryReset resets all configuration to defaults by clearing every
// known key; getters fall back to their defaults once a key reads empty.
func (c *ConfigManager) FactoryReset() error {
	keys := []string{
		KeyEnableCloudSync,
		KeyCloudToken,
		KeyEnableIntegrityCheck,
		KeySchedulerPort,
		KeyMaxCooperativeTasks,
		KeyUserAgent,
	}

	for _, key := range keys {
		if err := c.store.SetString(key, ""); err != nil {
			return err
		}
	}
	return nil
}

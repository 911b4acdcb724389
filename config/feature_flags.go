package config

import (
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FeatureFlags manages feature toggles for the session core.
// Supports gradual rollout and per-device overrides.
//
// Safety-affecting behavior is never behind a flag: the duration limit,
// the warning, and the emergency stop are always on. Flags gate only
// optional collaborator-facing features.
type FeatureFlags struct {
	mu sync.RWMutex

	features map[string]*Feature

	// Override rules (for testing/debugging)
	deviceOverrides map[string]map[string]bool // deviceID -> feature -> enabled
}

// Feature represents a single feature flag.
type Feature struct {
	Name        string
	Description string
	Enabled     bool

	// Rollout percentage (0-100)
	// Devices are assigned based on hash of their ID
	RolloutPercent int

	// Time-based activation
	EnabledFrom  *time.Time
	EnabledUntil *time.Time
}

// FeatureContext provides context for feature flag evaluation.
type FeatureContext struct {
	DeviceID string // stable headset/device identifier
}

// Predefined feature flag names.
const (
	// === Classroom Features ===
	FeatureClassroomSync     = "classroom.sync"      // multi-user classroom sync
	FeatureClassroomPresence = "classroom.presence"  // presence indicators
	FeatureClassroomLateJoin = "classroom.late_join" // joining a classroom mid-session

	// === Connection Features ===
	FeatureRealtimeReconnect = "realtime.reconnect" // auto-reconnect of the classroom channel
	FeatureOfflineGrace      = "offline.grace"      // degraded local-only mode before teardown

	// === Journal Features ===
	FeatureIncidentJournal = "journal.incidents" // local sqlite incident journal
)

// LoadFeatureFlags loads feature flags from environment variables.
func LoadFeatureFlags() *FeatureFlags {
	ff := &FeatureFlags{
		features:        make(map[string]*Feature),
		deviceOverrides: make(map[string]map[string]bool),
	}

	ff.initializeDefaults()
	ff.loadFromEnvironment()

	return ff
}

// initializeDefaults sets up all features with default values.
func (ff *FeatureFlags) initializeDefaults() {
	ff.features[FeatureClassroomSync] = &Feature{
		Name:           FeatureClassroomSync,
		Description:    "Multi-user classroom synchronization",
		Enabled:        true,
		RolloutPercent: 100,
	}

	ff.features[FeatureClassroomPresence] = &Feature{
		Name:           FeatureClassroomPresence,
		Description:    "Show participant presence state",
		Enabled:        true,
		RolloutPercent: 100,
	}

	ff.features[FeatureClassroomLateJoin] = &Feature{
		Name:           FeatureClassroomLateJoin,
		Description:    "Allow joining a classroom after it started",
		Enabled:        true,
		RolloutPercent: 100,
	}

	ff.features[FeatureRealtimeReconnect] = &Feature{
		Name:           FeatureRealtimeReconnect,
		Description:    "Reconnect the classroom channel after drops",
		Enabled:        true,
		RolloutPercent: 100,
	}

	ff.features[FeatureOfflineGrace] = &Feature{
		Name:           FeatureOfflineGrace,
		Description:    "Run degraded on cached state while the channel is down",
		Enabled:        true,
		RolloutPercent: 100,
	}

	ff.features[FeatureIncidentJournal] = &Feature{
		Name:           FeatureIncidentJournal,
		Description:    "Persist safety incidents to the local journal",
		Enabled:        true,
		RolloutPercent: 100,
	}
}

// loadFromEnvironment loads feature flag overrides from env vars.
// Format: FEATURE_<NAME>=true|false|<percent>
// Example: FEATURE_CLASSROOM_SYNC=true
// Example: FEATURE_OFFLINE_GRACE=50 (50% rollout)
func (ff *FeatureFlags) loadFromEnvironment() {
	for name, feature := range ff.features {
		envKey := featureNameToEnvKey(name)
		if val := os.Getenv(envKey); val != "" {
			// Try parsing as boolean
			if b, err := strconv.ParseBool(val); err == nil {
				feature.Enabled = b
				if b {
					feature.RolloutPercent = 100
				} else {
					feature.RolloutPercent = 0
				}
				continue
			}

			// Try parsing as percentage
			if p, err := strconv.Atoi(val); err == nil && p >= 0 && p <= 100 {
				feature.Enabled = p > 0
				feature.RolloutPercent = p
			}
		}
	}
}

// featureNameToEnvKey converts feature name to environment variable key.
// "classroom.sync" -> "FEATURE_CLASSROOM_SYNC"
func featureNameToEnvKey(name string) string {
	key := strings.ToUpper(name)
	key = strings.ReplaceAll(key, ".", "_")
	return "FEATURE_" + key
}

// IsEnabled checks if a feature is enabled for the given context.
func (ff *FeatureFlags) IsEnabled(featureName string, ctx *FeatureContext) bool {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	// Check device overrides first
	if ctx != nil && ctx.DeviceID != "" {
		if overrides, ok := ff.deviceOverrides[ctx.DeviceID]; ok {
			if enabled, ok := overrides[featureName]; ok {
				return enabled
			}
		}
	}

	feature, ok := ff.features[featureName]
	if !ok {
		return false
	}

	if !feature.Enabled {
		return false
	}

	// Check time-based activation
	now := time.Now()
	if feature.EnabledFrom != nil && now.Before(*feature.EnabledFrom) {
		return false
	}
	if feature.EnabledUntil != nil && now.After(*feature.EnabledUntil) {
		return false
	}

	// Check rollout percentage
	if feature.RolloutPercent < 100 && ctx != nil && ctx.DeviceID != "" {
		return ff.isInRollout(ctx.DeviceID, featureName, feature.RolloutPercent)
	}

	return feature.RolloutPercent > 0
}

// isInRollout determines if a device is in the rollout percentage.
// Uses consistent hashing so devices stay in their bucket.
func (ff *FeatureFlags) isInRollout(deviceID, featureName string, percent int) bool {
	h := fnv.New32a()
	h.Write([]byte(featureName))
	h.Write([]byte(deviceID))
	hash := h.Sum32()

	// Map to 0-99 range
	bucket := int(hash % 100)

	return bucket < percent
}

// SetDeviceOverride sets a feature override for a specific device.
// Useful for testing and debugging.
func (ff *FeatureFlags) SetDeviceOverride(deviceID, featureName string, enabled bool) {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	if _, ok := ff.deviceOverrides[deviceID]; !ok {
		ff.deviceOverrides[deviceID] = make(map[string]bool)
	}
	ff.deviceOverrides[deviceID][featureName] = enabled
}

// ClearDeviceOverrides removes all overrides for a device.
func (ff *FeatureFlags) ClearDeviceOverrides(deviceID string) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	delete(ff.deviceOverrides, deviceID)
}

// SetRolloutPercent updates the rollout percentage for a feature.
// Thread-safe for live updates.
func (ff *FeatureFlags) SetRolloutPercent(featureName string, percent int) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	feature, ok := ff.features[featureName]
	if !ok {
		return ErrFeatureNotFound
	}

	if percent < 0 || percent > 100 {
		return ErrInvalidRolloutPercent
	}

	feature.RolloutPercent = percent
	feature.Enabled = percent > 0

	return nil
}

// EnableFeature enables a feature at 100% rollout.
func (ff *FeatureFlags) EnableFeature(featureName string) error {
	return ff.SetRolloutPercent(featureName, 100)
}

// DisableFeature disables a feature completely.
func (ff *FeatureFlags) DisableFeature(featureName string) error {
	return ff.SetRolloutPercent(featureName, 0)
}

// GetAllFeatures returns a copy of all feature configurations.
func (ff *FeatureFlags) GetAllFeatures() map[string]*Feature {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	result := make(map[string]*Feature, len(ff.features))
	for k, v := range ff.features {
		featureCopy := *v
		result[k] = &featureCopy
	}
	return result
}

// --- Errors ---

var (
	ErrFeatureNotFound       = &FeatureFlagError{Message: "feature not found"}
	ErrInvalidRolloutPercent = &FeatureFlagError{Message: "rollout percent must be 0-100"}
)

// FeatureFlagError represents a feature flag error.
type FeatureFlagError struct {
	Message string
}

func (e *FeatureFlagError) Error() string {
	return e.Message
}

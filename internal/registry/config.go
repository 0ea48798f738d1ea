package registry

import (
	"time"

	"github.com/distro-naming/navis/internal/distro"
)

// Config is the full server-side configuration surface from spec §6,
// populated by cmd/server's flags and threaded through to the distro
// protocol and beat-check task.
type Config struct {
	// TaskDispatchPeriod is the base unit for distro sync scheduling.
	TaskDispatchPeriod time.Duration
	// VerifyInterval is the distro checksum-advertisement cadence.
	VerifyInterval time.Duration

	// HeartbeatTimeout and DeleteTimeout are the default instance
	// timeouts applied when a registering client omits its own.
	HeartbeatTimeout time.Duration
	DeleteTimeout    time.Duration

	// HealthCheckEnabled gates the whole beat-check sweep.
	HealthCheckEnabled bool
	// ExpireInstance gates the delete-on-silence half of beat-check;
	// when false, instances are only ever flipped unhealthy, never removed.
	ExpireInstance bool
	// BeatCheckInterval is the beat-check sweep cadence.
	BeatCheckInterval time.Duration

	// DefaultInstanceEphemeral controls whether processData synthesizes
	// an empty service container for ephemeral keys it has no listener
	// for yet.
	DefaultInstanceEphemeral bool
	// DataWarmup, when true, withholds isAvailable until the distro
	// protocol reports Initialized (spec §7).
	DataWarmup bool
}

// DefaultConfig returns the spec §6-mandated defaults.
func DefaultConfig() Config {
	return Config{
		TaskDispatchPeriod:       2 * time.Second,
		VerifyInterval:           5 * time.Second,
		HeartbeatTimeout:         time.Duration(DefaultHeartbeatTimeoutMs) * time.Millisecond,
		DeleteTimeout:            time.Duration(DefaultDeleteTimeoutMs) * time.Millisecond,
		HealthCheckEnabled:       true,
		ExpireInstance:           true,
		BeatCheckInterval:        5 * time.Second,
		DefaultInstanceEphemeral: true,
		DataWarmup:               true,
	}
}

// DistroConfig projects the subset of Config that distro.Protocol needs.
func (c Config) DistroConfig() distro.Config {
	return distro.Config{
		TaskDispatchPeriod:       c.TaskDispatchPeriod,
		VerifyInterval:           c.VerifyInterval,
		DefaultInstanceEphemeral: c.DefaultInstanceEphemeral,
	}
}

// BeatCheckConfigFrom projects the subset of Config that BeatCheck needs.
func (c Config) BeatCheckConfigFrom() BeatCheckConfig {
	return BeatCheckConfig{
		Interval:           c.BeatCheckInterval,
		HealthCheckEnabled: c.HealthCheckEnabled,
		ExpireInstance:     c.ExpireInstance,
	}
}

// IsAvailable implements spec §7's availability rule: isAvailable =
// isInitialized or overriddenStatus==UP. overriddenUp lets an operator
// force UP regardless of warmup state.
func IsAvailable(protocol *distro.Protocol, dataWarmup bool, overriddenUp bool) bool {
	isInitialized := protocol.Initialized() || !dataWarmup
	return isInitialized || overriddenUp
}

package threadpool

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// NameSize bounds Settings.Name, which must be strictly shorter, matching
// the kernel's thread name limit (including the terminator).
const NameSize = 16

// SettingsFlags is a bitset of pool options.
type SettingsFlags uint32

const (
	// BindToCPU binds each worker thread to CPU (index mod NumCPU).
	BindToCPU SettingsFlags = 1 << 0

	// CloseOnExec sets close-on-exec on every descriptor the pool creates.
	// It is never loaded from configuration.
	CloseOnExec SettingsFlags = 1 << 31
)

// Default settings values.
const (
	DefaultFlags      = BindToCPU
	DefaultMaxThreads = 0
)

// Settings configure a [Pool].
type Settings struct {
	// Name prefixes worker thread names.
	Name string `toml:"name"`

	// MaxThreads is the number of workers. Zero selects the shared virtual
	// worker mode, see [Pool.Shared].
	MaxThreads int `toml:"threads_max"`

	Flags SettingsFlags `toml:"-"`
}

// DefaultSettings returns the default settings.
func DefaultSettings() Settings {
	return Settings{
		Flags:      DefaultFlags,
		MaxThreads: DefaultMaxThreads,
	}
}

// Validate checks the settings, returning an error matching
// [ErrInvalidArgument] if they are unusable.
func (s *Settings) Validate() error {
	if s.MaxThreads < 0 {
		return invalidArgument("negative thread count %d", s.MaxThreads)
	}
	if len(s.Name) >= NameSize {
		return invalidArgument("name %q longer than %d bytes", s.Name, NameSize-1)
	}
	if strings.IndexByte(s.Name, 0) != -1 {
		return invalidArgument("name contains NUL")
	}
	return nil
}

// settingsFile is the TOML representation, bind_to_cpu is optional so the
// default can be preserved.
type settingsFile struct {
	BindToCPU *bool `toml:"bind_to_cpu"`
	Settings
}

// ParseSettings decodes TOML settings over the defaults.
//
//	name = "msd"
//	threads_max = 4
//	bind_to_cpu = true
//
// Unknown keys are an error.
func ParseSettings(data string) (Settings, error) {
	f := settingsFile{Settings: DefaultSettings()}
	md, err := toml.Decode(data, &f)
	if err != nil {
		return Settings{}, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return Settings{}, invalidArgument("unknown settings keys %v", undecoded)
	}
	if f.BindToCPU != nil {
		if *f.BindToCPU {
			f.Flags |= BindToCPU
		} else {
			f.Flags &^= BindToCPU
		}
	}
	if err := f.Settings.Validate(); err != nil {
		return Settings{}, err
	}
	return f.Settings, nil
}

// LoadSettingsFile reads and decodes a TOML settings file.
func LoadSettingsFile(path string) (Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	return ParseSettings(string(b))
}

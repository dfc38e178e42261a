package rilinject

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/scintill/rilinject/locator"
)

// ConfigEnv names the file the shared library entry reads its Config from.
const ConfigEnv = "RILINJECT_CONFIG"

// Config holds every fixed name and path the injector works with.
type Config struct {
	Trigger Trigger       `toml:"trigger"`
	Runtime RuntimeConfig `toml:"runtime"`
	Bundle  Bundle        `toml:"bundle"`
	Hook    MethodHook    `toml:"hook"`
	Log     Log           `toml:"log"`
}

// Trigger is the native function whose first call runs setup.
type Trigger struct {
	// Module is matched as a substring of the mapped path. Empty means the
	// running executable.
	Module   string `toml:"module"`
	Function string `toml:"function"`
}

// GoTrigger is the trigger for hosts written in Go, whose event loops reach
// the kernel without going through libc.
var GoTrigger = Trigger{Function: "golang.org/x/sys/unix.EpollWait"}

// RuntimeConfig lists the runtime libraries to try, in order.
type RuntimeConfig struct {
	Libraries []string `toml:"libraries"`
}

// Bundle is the code loaded into the runtime.
type Bundle struct {
	Path     string `toml:"path"`
	CacheDir string `toml:"cache-dir"`
	// Class is in slash form.
	Class string `toml:"class"`
}

// MethodHook names the intercepted method and the payload it forwards to.
type MethodHook struct {
	Class      string `toml:"class"`
	Method     string `toml:"method"`
	Descriptor string `toml:"descriptor"`
	Static     bool   `toml:"static"`
	Payload    string `toml:"payload"`
	PayloadSig string `toml:"payload-signature"`
	// Fault, when set, also receives the throwable of a failed call.
	Fault    string `toml:"fault"`
	FaultSig string `toml:"fault-signature"`
	Debug    bool   `toml:"debug"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	Path      string `toml:"path"`
}

// DefaultConfig targets the telephony process.
func DefaultConfig() Config {
	return Config{
		Trigger: Trigger{
			Module:   "libc",
			Function: "epoll_wait",
		},
		Runtime: RuntimeConfig{
			Libraries: []string{"libdvm.so", "libart.so"},
		},
		Bundle: Bundle{
			Path:     "/data/data/net.scintill.rilextender/app_rilextender/rilextender.dex",
			CacheDir: "/data/data/net.scintill.rilextender/app_rilextender-cache",
			Class:    "net/scintill/rilextender/RilExtender",
		},
		Hook: MethodHook{
			Class:      "Lcom/android/internal/telephony/gsm/SmsMessage;",
			Method:     "newFromCMT",
			Descriptor: "([Ljava/lang/String;)Lcom/android/internal/telephony/gsm/SmsMessage;",
			Static:     true,
			Payload:    "onNewFromCMT",
			PayloadSig: "(Ljava/lang/Object;)V",
			FaultSig:   "(Ljava/lang/Throwable;)V",
		},
		Log: Log{
			Verbosity: 1,
		},
	}
}

// LoadConfig reads path over DefaultConfig. Keys missing from the file keep
// their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("cannot read %s: %w", path, err)
	}
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("%s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return cfg, cfg.Validate()
}

// ConfigFromEnv loads the file named by ConfigEnv, or returns DefaultConfig
// when it is unset.
func ConfigFromEnv() (Config, error) {
	path := os.Getenv(ConfigEnv)
	if path == "" {
		return DefaultConfig(), nil
	}
	return LoadConfig(path)
}

// Candidates returns the runtime candidates in configured order.
func (c Config) Candidates() []locator.Candidate {
	var cs []locator.Candidate
	for _, lib := range c.Runtime.Libraries {
		if cand, ok := locator.CandidateFor(lib); ok {
			cs = append(cs, cand)
		}
	}
	return cs
}

// Validate rejects configurations with required fields left empty.
func (c Config) Validate() error {
	var errs []error
	required := func(name, v string) {
		if v == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	required("trigger.function", c.Trigger.Function)
	required("bundle.path", c.Bundle.Path)
	required("bundle.cache-dir", c.Bundle.CacheDir)
	required("bundle.class", c.Bundle.Class)
	required("hook.class", c.Hook.Class)
	required("hook.method", c.Hook.Method)
	required("hook.descriptor", c.Hook.Descriptor)
	required("hook.payload", c.Hook.Payload)
	required("hook.payload-signature", c.Hook.PayloadSig)
	if c.Hook.Fault != "" {
		required("hook.fault-signature", c.Hook.FaultSig)
	}
	if len(c.Runtime.Libraries) == 0 {
		errs = append(errs, errors.New("runtime.libraries is empty"))
	}
	for _, lib := range c.Runtime.Libraries {
		if _, ok := locator.CandidateFor(lib); !ok {
			errs = append(errs, fmt.Errorf("runtime library %q is not a known runtime", lib))
		}
	}
	return errors.Join(errs...)
}

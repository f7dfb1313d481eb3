package hooks

import (
	"fmt"
	"time"
)

// Config captures the hook script settings loaded from chat.ini.
type Config struct {
	ScriptPath string
	ScriptArgs []string
	Env        map[string]string
	Timeout    time.Duration
}

// Enabled reports whether a script is configured.
func (c Config) Enabled() bool { return c.ScriptPath != "" }

// Validate ensures the configuration is coherent before we wire handlers.
func (c Config) Validate() error {
	if !c.Enabled() && len(c.ScriptArgs) > 0 {
		return fmt.Errorf("hooks: script args given without a script path")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("hooks: negative timeout %s", c.Timeout)
	}
	return nil
}

// BuildDispatcher returns a dispatcher running the configured script, or nil
// when no script is configured.
func (c Config) BuildDispatcher() *Dispatcher {
	if !c.Enabled() {
		return nil
	}
	d := &Dispatcher{}
	d.Register(NewScriptHandler(ScriptConfig{
		Command: c.ScriptPath,
		Args:    c.ScriptArgs,
		Env:     c.Env,
		Timeout: c.Timeout,
	}))
	return d
}

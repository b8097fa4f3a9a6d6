// Package subprocess provides a Sandbox that executes generated Python
// functions in a child process with a line-JSON tool bridge.
package subprocess

import "time"

// Option configures a Runner.
type Option func(*runnerConfig)

type runnerConfig struct {
	timeout        time.Duration
	maxOutput      int
	workspace      string
	envPassthrough bool
	envVars        map[string]string
}

func defaultConfig() runnerConfig {
	return runnerConfig{
		timeout:   30 * time.Second,
		maxOutput: 64 * 1024,
	}
}

// WithTimeout sets the default execution bound, used when the request's
// limits carry no timeout. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *runnerConfig) { c.timeout = d }
}

// WithMaxOutput sets the maximum captured output size in bytes.
// Output beyond this limit is truncated. Default: 64KB.
func WithMaxOutput(bytes int) Option {
	return func(c *runnerConfig) { c.maxOutput = bytes }
}

// WithWorkspace sets the working directory for executions. The IO guard
// confines file access to this directory. Default: the OS temp dir.
func WithWorkspace(dir string) Option {
	return func(c *runnerConfig) { c.workspace = dir }
}

// WithEnvPassthrough passes the host environment to the subprocess
// instead of the minimal default.
func WithEnvPassthrough() Option {
	return func(c *runnerConfig) { c.envPassthrough = true }
}

// WithEnv adds environment variables for the subprocess.
func WithEnv(vars map[string]string) Option {
	return func(c *runnerConfig) { c.envVars = vars }
}

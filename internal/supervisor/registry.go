package supervisor

// RunCommand is a resolved invocation for a CLI kind.
type RunCommand struct {
	Command string
	Args    []string

	// NeedsTTY requests that the process be given a pseudo-terminal. Some
	// agent CLIs refuse to start, or buffer all output, without one.
	NeedsTTY bool
}

// CLIRegistry is the external collaborator that knows which CLI executables
// exist and how to invoke them. The supervisor only consumes this boundary;
// discovery and registration live elsewhere.
type CLIRegistry interface {
	// IsAvailable reports whether the CLI kind can be run on this host.
	IsAvailable(cliType string) bool

	// ResolveRunCommand returns the invocation for a CLI kind bound to the
	// given port. ok is false when the kind is unknown.
	ResolveRunCommand(cliType string, port int) (cmd RunCommand, ok bool)

	// HealthEndpointPath returns the HTTP path probed for liveness, e.g.
	// "/health".
	HealthEndpointPath(cliType string) string

	// DefaultCLIType returns the kind used when a caller does not name one.
	DefaultCLIType() string
}

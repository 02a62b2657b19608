// Package docker implements the standard and sandboxed runtime drivers on top
// of the Docker Engine API. The two variants share one Driver type and differ
// only in the container runtime they request: the engine default for the
// standard backend and a gVisor runtime (runsc) for the sandboxed backend.
package docker

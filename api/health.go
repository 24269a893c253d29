package api

// Checker is implemented by endpoints that can report their own liveness.
type Checker interface {
	// Alive returns nil while the endpoint is able to make progress.
	Alive() error
}

package common

// Component is a long running part of the system with an explicit lifecycle.
type Component interface {
	Start() error
	Stop() error
}

// Package api defines the public contracts of shmchan endpoints.
package api

// Role tells the two sides of a channel apart.
type Role string

const (
	RoleProducer Role = "producer"
	RoleConsumer Role = "consumer"
)

// Endpoint is one side of a single-slot channel.
type Endpoint interface {
	// Role reports which side of the channel the endpoint drives.
	Role() Role
	// ID returns the channel id the endpoint was constructed with.
	ID() string
	// Close releases the endpoint. It must be called once per endpoint.
	Close() error
}

// Producer writes one payload per transaction. Begin blocks until the slot is free
// and returns a writable view of the payload; End publishes it to the consumer.
type Producer interface {
	Endpoint
	Begin(size int) ([]byte, error)
	End() error
}

// Consumer reads one payload per transaction. Begin succeeds only after data was
// announced and returns a view of the payload; End returns the slot to the producer.
type Consumer interface {
	Endpoint
	Begin() ([]byte, error)
	End() error
	// Ready reports whether a payload is waiting to be read.
	Ready() bool
}

package internal

const (
	HeaderClientID = "client_id"
	HeaderUpdateID = "update_id"

	// Headers stamped on messages pushed back to the broker.
	HeaderRequestOrigin = "request_origin"
)

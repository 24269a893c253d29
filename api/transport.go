package api

import "io"

// Sender hands a complete payload over in one transaction.
type Sender interface {
	Send(data []byte) error
	SendFrom(r io.Reader) (int64, error)
}

// Receiver copies a complete payload out in one transaction.
type Receiver interface {
	Receive() ([]byte, error)
	ReceiveTo(w io.Writer) (int64, error)
}

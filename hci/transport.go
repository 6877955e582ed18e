package hci

// Transport is the byte source and sink a Reassembler pumps from. Backends
// are opened by their constructors.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)

	// Buffered returns how many bytes a Read can return without blocking.
	// For message oriented backends it is non-zero while a chunk is queued.
	Buffered() int
}

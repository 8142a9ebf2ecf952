package core

// PacketProcessor consumes parsed TCP segments emitted by a pipeline
// stage. Implementations must be safe for the run-to-completion model:
// a call returns only when the segment has been fully handled.
type PacketProcessor interface {
	ProcessPacket(p *TCPPacket) error
}

// ProcessorFunc adapts a function to the PacketProcessor interface.
type ProcessorFunc func(p *TCPPacket) error

// ProcessPacket implements PacketProcessor.
func (f ProcessorFunc) ProcessPacket(p *TCPPacket) error { return f(p) }

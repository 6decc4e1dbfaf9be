package ports

// DebugSink abstracts debug output for intermediate results.
// It allows saving intermediate processing results for debugging purposes.
type DebugSink interface {
	// Enabled returns true if debug output is enabled.
	Enabled() bool

	// SaveStreamsJSON saves the probed and produced stream descriptors.
	SaveStreamsJSON(data []byte) error

	// SaveFilterGraph saves the negotiated filter graph of one chain.
	SaveFilterGraph(streamIndex int, data []byte) error

	// SaveResultJSON saves the per-chain run results.
	SaveResultJSON(data []byte) error
}

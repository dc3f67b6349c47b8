//go:build !amd64

package timer

type tscSource struct{}

func (tscSource) Start() uint64     { return 0 }
func (tscSource) EndWeak() uint64   { return 0 }
func (tscSource) EndStrong() uint64 { return 0 }

// TSCSource reports ErrNoRDTSCP on architectures without the instruction.
func TSCSource() (Source, error) {
	return nil, ErrNoRDTSCP
}

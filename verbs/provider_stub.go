//go:build !(linux && cgo && rdma_hw)

package verbs

// HardwareAvailable reports whether the binary includes the libibverbs provider.
const HardwareAvailable = false

// NewHardwareProvider reports ErrProviderUnavailable in builds without the
// rdma_hw tag.
func NewHardwareProvider() (Provider, error) {
	return nil, ErrProviderUnavailable
}
